package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gregwargamer/ffmppegui/internal/plan"
)

// ScanHandler turns a directory into a transcoding plan.
type ScanHandler struct {
	planner *plan.Planner
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(planner *plan.Planner) *ScanHandler {
	return &ScanHandler{planner: planner}
}

// ScanInput is the input for scanning a directory.
type ScanInput struct {
	Body plan.ScanRequest
}

// ScanOutput is the output for scanning a directory.
type ScanOutput struct {
	Body *plan.Plan
}

// Register registers the scan route with the API.
func (h *ScanHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:      "scan",
		Method:           "POST",
		Path:             "/api/scan",
		Summary:          "Scan directory",
		Description:      "Lists the media files under inputRoot and computes their output paths",
		Tags:             []string{"Jobs"},
		SkipValidateBody: true,
	}, h.Scan)
}

// Scan builds a plan without queueing anything.
func (h *ScanHandler) Scan(ctx context.Context, input *ScanInput) (*ScanOutput, error) {
	p, err := h.planner.Plan(ctx, input.Body)
	if err != nil {
		if errors.Is(err, plan.ErrInvalidRequest) {
			return nil, huma.Error400BadRequest("invalid request", err)
		}
		return nil, huma.Error500InternalServerError("scan failed", err)
	}
	return &ScanOutput{Body: p}, nil
}
