// Package version provides build-time version information for ffmpegeasy.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/gregwargamer/ffmppegui/internal/version.Version=x.y.z \
//	                   -X github.com/gregwargamer/ffmppegui/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/gregwargamer/ffmppegui/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// GoVersion is the Go runtime version.
var GoVersion = runtime.Version()

// ApplicationName is the canonical name of the coordinator.
const ApplicationName = "ffmpegeasy"

// AgentName is the canonical name of the worker binary.
const AgentName = "ffmpegeasy-agent"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string for the named binary.
func String(name string) string {
	info := GetInfo()
	if hasShortCommit() {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			name, info.Version, info.Commit[:8], info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", name, info.Version, info.GoVersion, info.Platform)
}

// Short returns a short version string suitable for cobra's --version output.
func Short() string {
	if hasShortCommit() {
		return fmt.Sprintf("%s (%s)", Version, Commit[:8])
	}
	return Version
}

// JSON returns the version information as an indented JSON document.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UserAgent returns a User-Agent string for HTTP requests made by the named binary.
func UserAgent(name string) string {
	return fmt.Sprintf("%s/%s", name, Version)
}

// IsRelease returns true if this is a tagged release build.
func IsRelease() bool {
	return Version != "dev" && !strings.Contains(Version, "-SNAPSHOT")
}

func hasShortCommit() bool {
	return Commit != "unknown" && len(Commit) >= 8
}
