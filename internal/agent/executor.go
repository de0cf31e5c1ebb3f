package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gregwargamer/ffmppegui/internal/ffmpeg"
	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Messenger sends protocol messages to the coordinator.
type Messenger interface {
	Send(t types.MessageType, payload any) error
}

// EncodeFunc runs one encode of input into output, reporting progress blocks.
type EncodeFunc func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error

// UploadFunc pushes the finished output to url.
type UploadFunc func(ctx context.Context, url, path string) (int64, error)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	AgentID     types.AgentID
	Concurrency int
	FFmpegPath  string
	TempDir     string
	JobTimeout  time.Duration

	// Encode and Upload default to the ffmpeg wrapper and an Uploader.
	Encode EncodeFunc
	Upload UploadFunc
}

type runningLease struct {
	cancel context.CancelCauseFunc
	output string
}

// Executor runs leases: encode to a temp file, upload, report, clean up.
type Executor struct {
	opts      ExecutorOptions
	messenger Messenger
	logger    *slog.Logger

	mu      sync.Mutex
	running map[types.JobID]*runningLease
	wg      sync.WaitGroup
}

var errCancelled = errors.New("cancelled")

// NewExecutor creates an executor and its temp directory. Without
// opts.Upload, uploads go through uploader.
func NewExecutor(opts ExecutorOptions, uploader *Uploader, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Encode == nil {
		opts.Encode = ffmpegEncode(opts.FFmpegPath)
	}
	if opts.Upload == nil && uploader != nil {
		opts.Upload = uploader.Upload
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "ffmpegeasy")
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	return &Executor{
		opts:    opts,
		logger:  observability.WithComponent(logger, "executor"),
		running: make(map[types.JobID]*runningLease),
	}, nil
}

// TempDir returns the directory holding in-flight outputs.
func (e *Executor) TempDir() string {
	return e.opts.TempDir
}

// SetMessenger sets where lease messages are sent.
func (e *Executor) SetMessenger(m Messenger) {
	e.mu.Lock()
	e.messenger = m
	e.mu.Unlock()
}

func ffmpegEncode(binary string) EncodeFunc {
	return func(ctx context.Context, input string, args []string, output string, onProgress ffmpeg.ProgressFunc) error {
		cmd := ffmpeg.NewCommandBuilder(binary).
			Input(input).
			OutputArgs(args...).
			Output(output).
			Build()
		return cmd.Run(ctx, onProgress)
	}
}

// ActiveJobs returns the number of leases in flight.
func (e *Executor) ActiveJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// InFlight reports whether path is the temp output of a running lease.
func (e *Executor) InFlight(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.running {
		if path == l.output {
			return true
		}
	}
	return false
}

// HandleLease accepts or refuses a lease. Accepted leases run in their own
// goroutine under ctx.
func (e *Executor) HandleLease(ctx context.Context, lease types.LeasePayload) {
	logger := e.logger.With(slog.String("job_id", lease.JobID.String()))

	e.mu.Lock()
	if _, dup := e.running[lease.JobID]; dup {
		e.mu.Unlock()
		logger.Warn("duplicate lease ignored")
		return
	}
	if len(e.running) >= e.opts.Concurrency {
		e.mu.Unlock()
		logger.Warn("lease refused: at capacity", slog.Int("concurrency", e.opts.Concurrency))
		e.send(types.MessageLeaseRejected, types.LeaseRejectedPayload{
			JobID:   lease.JobID,
			AgentID: e.opts.AgentID,
			Reason:  "agent at capacity",
		})
		return
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	rl := &runningLease{
		cancel: cancel,
		output: filepath.Join(e.opts.TempDir, outputName(lease)),
	}
	e.running[lease.JobID] = rl
	e.wg.Add(1)
	e.mu.Unlock()

	e.send(types.MessageLeaseAccepted, types.LeaseAcceptedPayload{JobID: lease.JobID, AgentID: e.opts.AgentID})
	logger.Info("lease accepted", slog.String("input_url", lease.InputURL))

	go e.run(leaseCtx, lease, rl, logger)
}

func (e *Executor) run(ctx context.Context, lease types.LeasePayload, rl *runningLease, logger *slog.Logger) {
	defer e.wg.Done()
	defer func() {
		rl.cancel(nil)
		if err := os.Remove(rl.output); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing temp output failed", slog.String("error", err.Error()))
		}
		e.mu.Lock()
		delete(e.running, lease.JobID)
		e.mu.Unlock()
	}()

	err := e.execute(ctx, lease, rl.output, logger)

	complete := types.CompletePayload{JobID: lease.JobID, AgentID: e.opts.AgentID, Success: err == nil}
	if err != nil {
		complete.Error = err.Error()
		logger.Warn("job failed", slog.String("error", err.Error()))
	} else {
		logger.Info("job completed")
	}
	e.send(types.MessageComplete, complete)
}

func (e *Executor) execute(ctx context.Context, lease types.LeasePayload, output string, logger *slog.Logger) error {
	encodeCtx, cancel := context.WithTimeout(ctx, e.opts.JobTimeout)
	defer cancel()

	args := append([]string(nil), lease.FFmpegArgs...)
	if lease.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(lease.Threads))
	}

	start := time.Now()
	err := e.opts.Encode(encodeCtx, lease.InputURL, args, output, func(block ffmpeg.ProgressBlock) {
		e.send(types.MessageProgress, types.ProgressPayload{
			JobID:   lease.JobID,
			AgentID: e.opts.AgentID,
			Data:    block,
		})
	})
	if err != nil {
		switch {
		case context.Cause(ctx) != nil && errors.Is(context.Cause(ctx), errCancelled):
			return context.Cause(ctx)
		case errors.Is(encodeCtx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("ffmpeg timed out after %s", e.opts.JobTimeout)
		}
		return err
	}
	logger.Debug("encode finished", slog.Duration("duration", time.Since(start)))

	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("encoder produced no output: %w", err)
	}
	if e.opts.Upload == nil {
		return errors.New("no uploader configured")
	}

	n, err := e.opts.Upload(ctx, lease.OutputURL, output)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, errCancelled) {
			return cause
		}
		return err
	}
	logger.Info("output uploaded", slog.Int64("bytes", n))
	return nil
}

// Cancel stops the lease for jobID. It reports whether the lease was running.
func (e *Executor) Cancel(jobID types.JobID, reason string) bool {
	e.mu.Lock()
	rl, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled by coordinator"
	}
	rl.cancel(fmt.Errorf("%w: %s", errCancelled, reason))
	e.logger.Info("lease cancelled", slog.String("job_id", jobID.String()), slog.String("reason", reason))
	return true
}

// CancelAll stops every running lease.
func (e *Executor) CancelAll(reason string) {
	e.mu.Lock()
	ids := make([]types.JobID, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(id, reason)
	}
}

// Wait blocks until every lease goroutine has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) send(t types.MessageType, payload any) {
	e.mu.Lock()
	m := e.messenger
	e.mu.Unlock()

	if m == nil {
		return
	}
	if err := m.Send(t, payload); err != nil {
		e.logger.Debug("message not sent",
			slog.String("type", string(t)),
			slog.String("error", err.Error()))
	}
}

// outputName is the temp file name for a lease: the job ID with the lease
// extension, reduced to a single path element.
func outputName(lease types.LeasePayload) string {
	ext := lease.OutputExt
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := filepath.Base(filepath.Clean("/" + string(lease.JobID)))
	if name == "/" || name == "." {
		name = "output"
	}
	return name + ext
}
