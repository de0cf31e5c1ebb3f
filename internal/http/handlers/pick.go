package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gregwargamer/ffmppegui/internal/picker"
)

// PickHandler opens a native selection dialog on the coordinator host.
type PickHandler struct {
	picker picker.Picker
}

// NewPickHandler creates a new pick handler.
func NewPickHandler(p picker.Picker) *PickHandler {
	return &PickHandler{picker: p}
}

// PickInput is the input for the pick endpoint.
type PickInput struct {
	Body struct {
		Type string `json:"type,omitempty" doc:"Select a directory or files; defaults to dir"`
	}
}

// PickOutput is the output for the pick endpoint.
type PickOutput struct {
	Body struct {
		Paths []string `json:"paths"`
	}
}

// Register registers the pick route with the API.
func (h *PickHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "pickPaths",
		Method:      "POST",
		Path:        "/api/pick",
		Summary:     "Pick paths",
		Description: "Opens a native file or directory dialog on the coordinator host",
		Tags:        []string{"Jobs"},
	}, h.Pick)
}

// Pick returns the selected paths.
func (h *PickHandler) Pick(ctx context.Context, input *PickInput) (*PickOutput, error) {
	paths, err := h.picker.Pick(ctx, picker.ParseKind(input.Body.Type))
	if err != nil {
		return nil, huma.Error500InternalServerError("picker failed", err)
	}
	if len(paths) == 0 {
		return nil, huma.Error400BadRequest("no selection")
	}
	resp := &PickOutput{}
	resp.Body.Paths = paths
	return resp, nil
}
