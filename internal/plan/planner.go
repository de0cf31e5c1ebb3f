package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gregwargamer/ffmppegui/internal/observability"
	"github.com/gregwargamer/ffmppegui/pkg/bytesize"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// ErrInvalidRequest wraps every validation failure of a scan request.
var ErrInvalidRequest = errors.New("invalid scan request")

// ScanRequest describes a directory to turn into plan items.
type ScanRequest struct {
	InputRoot       string          `json:"inputRoot"`
	OutputRoot      string          `json:"outputRoot"`
	MediaType       types.MediaType `json:"mediaType"`
	Codec           string          `json:"codec"`
	Recursive       bool            `json:"recursive,omitempty"`
	MirrorStructure bool            `json:"mirrorStructure,omitempty"`
	Options         types.Options   `json:"options,omitempty"`
}

// Validate checks the request fields without touching the filesystem.
func (r ScanRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.InputRoot) == "":
		return fmt.Errorf("%w: inputRoot is required", ErrInvalidRequest)
	case strings.TrimSpace(r.OutputRoot) == "":
		return fmt.Errorf("%w: outputRoot is required", ErrInvalidRequest)
	case !r.MediaType.Valid():
		return fmt.Errorf("%w: mediaType must be one of: audio, video, image", ErrInvalidRequest)
	case strings.TrimSpace(r.Codec) == "":
		return fmt.Errorf("%w: codec is required", ErrInvalidRequest)
	}
	return nil
}

// Plan is the result of a scan.
type Plan struct {
	Count      int              `json:"count"`
	TotalBytes int64            `json:"totalBytes"`
	TotalSize  string           `json:"totalSize"`
	Jobs       []types.PlanItem `json:"jobs"`
}

// Planner maps scanned files to plan items.
type Planner struct {
	scanner Scanner
	logger  *slog.Logger
}

// NewPlanner creates a planner backed by the given scanner.
func NewPlanner(scanner Scanner, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		scanner: scanner,
		logger:  observability.WithComponent(logger, "planner"),
	}
}

// Plan validates req, ensures the output root exists, scans the input root,
// and computes each item's output path. Mirror layout keeps the relative
// directory structure; flat layout puts every output directly under the
// output root. The source extension is replaced by the codec's extension.
func (p *Planner) Plan(ctx context.Context, req ScanRequest) (_ *Plan, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inputRoot, err := filepath.Abs(req.InputRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving inputRoot: %v", ErrInvalidRequest, err)
	}
	outputRoot, err := filepath.Abs(req.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving outputRoot: %v", ErrInvalidRequest, err)
	}

	st, err := os.Stat(inputRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: inputRoot not found", ErrInvalidRequest)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: inputRoot must be a directory", ErrInvalidRequest)
	}

	done := observability.TimedOperationWithError(ctx, p.logger, "scan", &err)
	defer done()

	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating outputRoot: %w", err)
	}

	files, err := p.scanner.Scan(ctx, inputRoot, req.Recursive, req.MediaType)
	if err != nil {
		return nil, err
	}

	ext := OutputExt(req.MediaType, req.Codec)
	result := &Plan{Jobs: make([]types.PlanItem, 0, len(files))}

	for _, f := range files {
		rel, relErr := filepath.Rel(inputRoot, f.Path)
		if relErr != nil {
			rel = filepath.Base(f.Path)
		}

		base := filepath.Join(outputRoot, filepath.Base(rel))
		if req.MirrorStructure {
			base = filepath.Join(outputRoot, rel)
		}

		result.Jobs = append(result.Jobs, types.PlanItem{
			SourcePath:   f.Path,
			RelativePath: rel,
			MediaType:    req.MediaType,
			SizeBytes:    f.SizeBytes,
			OutputPath:   ReplaceExt(base, ext),
			Codec:        req.Codec,
			Options:      req.Options.Clone(),
		})
		result.TotalBytes += f.SizeBytes
	}

	result.Count = len(result.Jobs)
	result.TotalSize = bytesize.Format(bytesize.Size(result.TotalBytes))

	p.logger.InfoContext(ctx, "scan result",
		slog.String("input_root", inputRoot),
		slog.String("media_type", string(req.MediaType)),
		slog.String("codec", req.Codec),
		slog.Int("count", result.Count),
		slog.Int64("total_bytes", result.TotalBytes),
	)

	return result, nil
}

// ReplaceExt swaps the extension of path for ext.
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
