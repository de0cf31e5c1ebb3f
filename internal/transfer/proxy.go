// Package transfer serves job inputs to agents and receives their outputs,
// gated by per-job capability tokens.
//
// Tokens travel in the query string. This assumes TLS is terminated in
// front of the coordinator; request logs redact the token parameter.
package transfer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/gregwargamer/ffmppegui/internal/coordinator"
	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// Authorizer resolves tokens to file paths and records received outputs.
type Authorizer interface {
	InputPath(id types.JobID, token string) (string, error)
	OutputPath(id types.JobID, token string) (string, error)
	MarkOutputReceived(id types.JobID) bool
}

// Proxy handles the stream endpoints.
type Proxy struct {
	auth   Authorizer
	logger *slog.Logger
}

// NewProxy creates a transfer proxy.
func NewProxy(auth Authorizer, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{auth: auth, logger: observability.WithComponent(logger, "transfer")}
}

// Register mounts the stream routes.
func (p *Proxy) Register(r chi.Router) {
	r.Get("/stream/input/{jobId}", p.ServeInput)
	r.Head("/stream/input/{jobId}", p.ServeInput)
	r.Put("/stream/output/{jobId}", p.ReceiveOutput)
}

// ServeInput streams the job's source file with range support.
func (p *Proxy) ServeInput(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "jobId"))
	path, err := p.auth.InputPath(id, r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		p.logger.WarnContext(r.Context(), "input file unavailable",
			slog.String("job_id", id.String()),
			slog.String("path", path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")

	p.logger.DebugContext(r.Context(), "serving input",
		slog.String("job_id", id.String()),
		slog.Int64("size_bytes", info.Size()),
		slog.String("range", r.Header.Get("Range")))

	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// ReceiveOutput writes the request body atomically onto the job's output path.
func (p *Proxy) ReceiveOutput(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "jobId"))
	dest, err := p.auth.OutputPath(id, r.URL.Query().Get("token"))
	switch {
	case errors.Is(err, coordinator.ErrConflict):
		writeError(w, http.StatusConflict, "job is not accepting output")
		return
	case err != nil:
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	n, err := WriteAtomic(dest, r.Body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBodyRead) {
			status = http.StatusBadRequest
		}
		p.logger.WarnContext(r.Context(), "output upload failed",
			slog.String("job_id", id.String()),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
		writeError(w, status, "upload failed")
		return
	}

	p.auth.MarkOutputReceived(id)
	p.logger.InfoContext(r.Context(), "output received",
		slog.String("job_id", id.String()),
		slog.String("path", dest),
		slog.Int64("bytes", n))

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes": n})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
