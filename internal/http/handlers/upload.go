package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/internal/transfer"
)

// DefaultMaxUploadMemory is the multipart memory bound when none is configured.
// Larger parts spill to temporary files.
const DefaultMaxUploadMemory = 32 << 20

// UploadHandler copies browser-selected files into a directory on the
// coordinator host.
type UploadHandler struct {
	maxMemory int64
	logger    *slog.Logger
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(maxMemory int64, logger *slog.Logger) *UploadHandler {
	if maxMemory <= 0 {
		maxMemory = DefaultMaxUploadMemory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{
		maxMemory: maxMemory,
		logger:    observability.WithComponent(logger, "upload"),
	}
}

// RegisterRoutes registers the upload endpoint on a chi router.
// Huma does not stream multipart file parts, so this bypasses it.
func (h *UploadHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/upload", h.Upload)
}

// Upload saves every file part under the "dest" directory by basename.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxMemory); err != nil {
		writeJSONError(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var dest string
	if v := r.MultipartForm.Value["dest"]; len(v) > 0 {
		dest = strings.TrimSpace(v[0])
	}
	if dest == "" {
		writeJSONError(w, "missing dest", http.StatusBadRequest)
		return
	}

	count := 0
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if err := h.save(dest, fh); err != nil {
				h.logger.ErrorContext(r.Context(), "upload failed",
					slog.String("dest", dest),
					slog.String("filename", fh.Filename),
					slog.String("error", err.Error()))
				writeJSONError(w, "failed to save upload", http.StatusInternalServerError)
				return
			}
			count++
		}
	}

	h.logger.InfoContext(r.Context(), "upload saved",
		slog.String("dest", dest),
		slog.Int("count", count))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "count": count})
}

func (h *UploadHandler) save(dest string, fh *multipart.FileHeader) error {
	name := filepath.Base(fh.Filename)
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return fmt.Errorf("invalid filename %q", fh.Filename)
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("opening part: %w", err)
	}
	defer f.Close()

	if _, err := transfer.WriteAtomic(filepath.Join(dest, name), f); err != nil {
		return err
	}
	return nil
}

// writeJSONError writes an error response in JSON format for consistency with API clients.
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
