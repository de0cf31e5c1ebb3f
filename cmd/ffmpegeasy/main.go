// Package main is the entry point for the ffmpegeasy coordinator.
package main

import (
	"os"

	"github.com/gregwargamer/ffmppegui/cmd/ffmpegeasy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
