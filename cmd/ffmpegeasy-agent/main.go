// Package main is the entry point for the ffmpegeasy-agent worker.
//
// ffmpegeasy-agent connects to a coordinator over a websocket, announces its
// capacity and encoders, and runs the ffmpeg leases it is handed. Inputs are
// streamed from the coordinator and outputs are pushed back over HTTP, so the
// agent needs no shared filesystem.
package main

import (
	"os"

	"github.com/gregwargamer/ffmppegui/cmd/ffmpegeasy-agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
