// Package ffmpeg locates the ffmpeg binary, reports its capabilities, and runs
// encodes with progress reporting.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryEnvVar overrides binary discovery.
const BinaryEnvVar = "FFMPEG_BINARY"

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// BinaryInfo contains information about the FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	BuildInfo    string   `json:"build_info,omitempty"`
	Encoders     []string `json:"encoders,omitempty"`
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// SupportsMinVersion returns true if the FFmpeg version meets the minimum.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}

// FindBinary searches for an executable binary by name.
// Search order:
//  1. Environment variable (if envVar is non-empty and set)
//  2. ./name (current directory)
//  3. name on PATH
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// BinaryDetector detects and caches FFmpeg capabilities.
type BinaryDetector struct {
	mu           sync.RWMutex
	path         string
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. An empty path triggers discovery
// through FindBinary.
func NewBinaryDetector(path string) *BinaryDetector {
	return &BinaryDetector{
		path:     path,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects the FFmpeg binary, its version, and its encoders.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	path := d.path
	if path == "" {
		found, err := FindBinary("ffmpeg", BinaryEnvVar)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		path = found
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info, err := ParseVersion(string(out))
	if err != nil {
		return nil, err
	}
	info.FFmpegPath = path

	out, err = exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err == nil {
		info.Encoders = ParseEncoders(string(out))
	}

	return info, nil
}

// ParseVersion parses `ffmpeg -version` output.
func ParseVersion(output string) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			info.Version = parts[2]
			if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
				info.MajorVersion, _ = strconv.Atoi(m[1])
				info.MinorVersion, _ = strconv.Atoi(m[2])
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildInfo = strings.TrimPrefix(line, "built with ")
		}
	}

	if info.Version == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// ParseEncoders parses `ffmpeg -encoders` output into encoder names.
// Lines look like " V....D libx264  libx264 H.264 ..." after a "------" separator.
func ParseEncoders(output string) []string {
	var encoders []string
	inList := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimLeft(scanner.Text(), " ")
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList || len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}

		fields := strings.Fields(line[6:])
		if len(fields) > 0 && fields[0] != "=" {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}
