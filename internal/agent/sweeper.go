package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gregwargamer/ffmppegui/internal/observability"
)

// Sweeper removes leftover temp outputs, for example from a crash mid-lease.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	inFlight func(path string) bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper for dir. Files for which inFlight reports
// true are never removed.
func NewSweeper(dir string, maxAge time.Duration, inFlight func(string) bool, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if inFlight == nil {
		inFlight = func(string) bool { return false }
	}
	return &Sweeper{
		dir:      dir,
		maxAge:   maxAge,
		inFlight: inFlight,
		logger:   observability.WithComponent(logger, "sweeper"),
		now:      time.Now,
	}
}

// Sweep removes regular files in the directory older than maxAge and returns
// how many were removed. It does not descend into subdirectories.
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WarnContext(ctx, "reading temp dir failed", slog.String("error", err.Error()))
		}
		return 0
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if s.inFlight(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.WarnContext(ctx, "removing stale temp file failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "stale temp files removed", slog.Int("count", removed))
	}
	return removed
}
