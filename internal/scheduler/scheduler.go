// Package scheduler runs periodic maintenance tasks (stale-agent eviction,
// temp-file sweeps) from 6-field cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gregwargamer/ffmppegui/internal/observability"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Parser accepts expressions with a leading seconds field, with descriptor
// support (@every 5s, @hourly).
var Parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TaskFunc is a scheduled unit of work. The context is cancelled on Stop.
type TaskFunc func(ctx context.Context)

type task struct {
	name string
	spec string
	fn   TaskFunc
	id   cron.EntryID
}

// Scheduler owns a cron runner and the tasks registered on it.
type Scheduler struct {
	mu sync.Mutex

	cron   *cron.Cron
	tasks  []*task
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithParser(Parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddTask registers fn under name. Overlapping runs of the same task are skipped.
func (s *Scheduler) AddTask(name, spec string, fn TaskFunc) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &task{name: name, spec: spec, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.run(t) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	t.id = id
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *Scheduler) run(t *task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				slog.String("task", t.name),
				slog.Any("panic", r))
		}
	}()

	start := time.Now()
	t.fn(ctx)
	s.logger.Log(ctx, observability.LevelTrace, "scheduled task finished",
		slog.String("task", t.name),
		slog.Duration("duration", time.Since(start)))
}

// Start begins running registered tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	for _, t := range s.tasks {
		s.logger.Info("scheduled task registered",
			slog.String("task", t.name),
			slog.String("schedule", t.spec),
			slog.Time("next_run", s.cron.Entry(t.id).Next))
	}
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// NextRun returns the next scheduled time of the named task.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return s.cron.Entry(t.id).Next, true
		}
	}
	return time.Time{}, false
}

// ValidateCron validates a 6-field cron expression.
func ValidateCron(expr string) error {
	_, err := Parser.Parse(expr)
	return err
}
