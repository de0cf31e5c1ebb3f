package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stderrRingSize is the number of stderr lines kept per command.
const stderrRingSize = 100

// failureTailLines is how many stderr lines are folded into a RunError message.
const failureTailLines = 5

// ProgressBlock is one flushed `-progress` block, e.g. out_time_ms, speed, progress.
type ProgressBlock map[string]string

// ProgressFunc receives each progress block as it is flushed.
type ProgressFunc func(ProgressBlock)

// RunError is returned when the encoder exits unsuccessfully.
type RunError struct {
	Err    error
	Stderr []string
}

func (e *RunError) Error() string {
	tail := e.Stderr
	if len(tail) > failureTailLines {
		tail = tail[len(tail)-failureTailLines:]
	}
	if len(tail) == 0 {
		return fmt.Sprintf("ffmpeg failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, strings.Join(tail, " | "))
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time

	stderrMu    sync.RWMutex
	stderrLines []string
}

// CommandBuilder assembles an encoder invocation:
//
//	<binary> [global args] [input args] -i <input> [output args] <output>
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
}

// NewCommandBuilder creates a new command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{binary: ffmpegPath}
}

// GlobalArgs appends arguments placed before any input.
func (b *CommandBuilder) GlobalArgs(args ...string) *CommandBuilder {
	b.globalArgs = append(b.globalArgs, args...)
	return b
}

// InputArgs appends arguments applied to the input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source (file path or URL).
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// OutputArgs appends arguments placed between the input and the output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := make([]string, 0, len(b.globalArgs)+len(b.inputArgs)+len(b.outputArgs)+3)
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		stderrLines: make([]string, 0, stderrRingSize),
	}
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run starts the encoder and blocks until it exits. Stdout is parsed as
// `-progress` output and each block is handed to onProgress; stderr is kept
// in a ring buffer and attached to the returned *RunError on failure.
// Cancelling ctx kills the process.
func (c *Command) Run(ctx context.Context, onProgress ProgressFunc) error {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.cmd.WaitDelay = 5 * time.Second
	c.started = time.Now()

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	cmd := c.cmd
	c.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ParseProgress(stdout, onProgress)
	}()
	go func() {
		defer wg.Done()
		c.captureStderr(stderr)
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return &RunError{Err: err, Stderr: c.StderrLines()}
	}
	return nil
}

// ParseProgress reads `-progress` key=value lines from r and calls onProgress
// each time a block is closed by a `progress=` line. A trailing partial block
// is discarded.
func ParseProgress(r io.Reader, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	block := ProgressBlock{}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}
		block[strings.TrimSpace(key)] = strings.TrimSpace(value)

		if key == "progress" {
			if onProgress != nil {
				onProgress(block)
			}
			block = ProgressBlock{}
		}
	}
	// Keep the writer from blocking if the scanner stopped on an over-long line.
	_, _ = io.Copy(io.Discard, r)
}

// captureStderr stores the most recent stderr lines.
func (c *Command) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		c.stderrMu.Lock()
		if len(c.stderrLines) >= stderrRingSize {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()
	}
	_, _ = io.Copy(io.Discard, stderr)
}

// StderrLines returns the recent stderr lines captured from the encoder.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// Kill terminates the encoder process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}
