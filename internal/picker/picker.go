// Package picker opens the host's native file dialog.
package picker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

// Kind selects what the dialog picks.
type Kind string

const (
	KindDir   Kind = "dir"
	KindFiles Kind = "files"
)

// ParseKind maps the API value to a Kind. Anything but "files" picks a directory.
func ParseKind(s string) Kind {
	if s == string(KindFiles) {
		return KindFiles
	}
	return KindDir
}

// Picker returns the absolute paths the operator selected. Cancellation and
// unsupported hosts yield an empty list, not an error.
type Picker interface {
	Pick(ctx context.Context, kind Kind) ([]string, error)
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	err := cmd.Run()
	return stdout.Bytes(), err
}

// NativePicker shells out to zenity on Linux and osascript on macOS.
type NativePicker struct {
	goos   string
	run    Runner
	logger *slog.Logger
}

// Option configures a NativePicker.
type Option func(*NativePicker)

// WithRunner replaces command execution.
func WithRunner(r Runner) Option {
	return func(p *NativePicker) { p.run = r }
}

// WithOS overrides the detected operating system.
func WithOS(goos string) Option {
	return func(p *NativePicker) { p.goos = goos }
}

// New creates a picker for the current host.
func New(logger *slog.Logger, opts ...Option) *NativePicker {
	if logger == nil {
		logger = slog.Default()
	}
	p := &NativePicker{
		goos:   runtime.GOOS,
		run:    execRunner,
		logger: logger.With(slog.String("component", "picker")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const (
	macFolderScript = "choose folder with prompt \"Select a folder\"\nPOSIX path of result"
	macFilesScript  = "choose file with prompt \"Select file(s)\" with multiple selections allowed\n" +
		"set p to {}\nrepeat with f in result\nset end of p to POSIX path of f\nend repeat\nreturn p as string"
)

// Pick implements Picker.
func (p *NativePicker) Pick(ctx context.Context, kind Kind) ([]string, error) {
	var (
		name string
		args []string
		sep  string
	)

	switch p.goos {
	case "darwin":
		name, sep = "osascript", ", "
		if kind == KindFiles {
			args = []string{"-e", macFilesScript}
		} else {
			args = []string{"-e", macFolderScript}
		}
	case "linux":
		name = "zenity"
		if kind == KindFiles {
			args, sep = []string{"--file-selection", "--multiple", "--separator=::"}, "::"
		} else {
			args, sep = []string{"--file-selection", "--directory"}, "\n"
		}
	default:
		p.logger.Debug("no native picker for host", slog.String("os", p.goos))
		return []string{}, nil
	}

	out, err := p.run(ctx, name, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The dialog exits non-zero when cancelled.
			return []string{}, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			p.logger.Warn("native picker not installed", slog.String("command", name))
			return []string{}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("running %s: %w", name, err)
	}

	return splitPaths(string(out), sep), nil
}

func splitPaths(out, sep string) []string {
	paths := []string{}
	for _, part := range strings.Split(out, sep) {
		if s := strings.TrimSpace(part); s != "" {
			paths = append(paths, s)
		}
	}
	return paths
}
