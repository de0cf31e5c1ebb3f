package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gregwargamer/ffmppegui/internal/coordinator"
	"github.com/gregwargamer/ffmppegui/internal/observability"
)

// SettingsHandler handles agent pairing and runtime settings.
type SettingsHandler struct {
	svc *coordinator.Service
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(svc *coordinator.Service) *SettingsHandler {
	return &SettingsHandler{svc: svc}
}

// Register registers the pairing and settings routes with the API.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "pairAgent",
		Method:      "POST",
		Path:        "/api/pair",
		Summary:     "Pair agent token",
		Description: "Adds a token to the set accepted at agent registration",
		Tags:        []string{"Agents"},
	}, h.Pair)

	huma.Register(api, huma.Operation{
		OperationID: "getSettings",
		Method:      "GET",
		Path:        "/api/settings",
		Summary:     "Get runtime settings",
		Description: "Returns the public base URL and request logging state",
		Tags:        []string{"Settings"},
	}, h.GetSettings)

	huma.Register(api, huma.Operation{
		OperationID: "updateSettings",
		Method:      "POST",
		Path:        "/api/settings",
		Summary:     "Update runtime settings",
		Description: "Replaces the public base URL used in lease URLs",
		Tags:        []string{"Settings"},
	}, h.UpdateSettings)
}

// PairInput is the input for pairing a token.
type PairInput struct {
	Body struct {
		Token string `json:"token,omitempty" doc:"25 character pairing token"`
	}
}

// PairOutput is the output for pairing a token.
type PairOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// Pair admits a new agent token.
func (h *SettingsHandler) Pair(ctx context.Context, input *PairInput) (*PairOutput, error) {
	if err := h.svc.Pair(input.Body.Token); err != nil {
		return nil, huma.Error400BadRequest("invalid token")
	}
	resp := &PairOutput{}
	resp.Body.OK = true
	return resp, nil
}

// RuntimeSettings represents the runtime settings data.
type RuntimeSettings struct {
	PublicBaseURL  string `json:"publicBaseUrl"`
	RequestLogging bool   `json:"requestLogging"`
}

// GetSettingsInput is the input for getting settings.
type GetSettingsInput struct{}

// GetSettingsOutput is the output for getting settings.
type GetSettingsOutput struct {
	Body RuntimeSettings
}

// GetSettings returns current runtime settings.
func (h *SettingsHandler) GetSettings(ctx context.Context, input *GetSettingsInput) (*GetSettingsOutput, error) {
	return &GetSettingsOutput{Body: h.current()}, nil
}

// UpdateSettingsInput is the input for updating settings.
type UpdateSettingsInput struct {
	Body struct {
		PublicBaseURL  *string `json:"publicBaseUrl,omitempty" doc:"Must start with http:// or https://"`
		RequestLogging *bool   `json:"requestLogging,omitempty"`
	}
}

// UpdateSettingsOutput is the output for updating settings.
type UpdateSettingsOutput struct {
	Body struct {
		OK bool `json:"ok"`
		RuntimeSettings
	}
}

// UpdateSettings applies the provided settings. A request that sets nothing
// is treated as an empty base URL.
func (h *SettingsHandler) UpdateSettings(ctx context.Context, input *UpdateSettingsInput) (*UpdateSettingsOutput, error) {
	body := input.Body
	if body.PublicBaseURL != nil || body.RequestLogging == nil {
		var u string
		if body.PublicBaseURL != nil {
			u = *body.PublicBaseURL
		}
		if _, err := h.svc.SetPublicBaseURL(u); err != nil {
			if errors.Is(err, coordinator.ErrInvalidURL) {
				return nil, huma.Error400BadRequest("invalid URL")
			}
			return nil, huma.Error500InternalServerError("updating settings", err)
		}
	}
	if body.RequestLogging != nil {
		observability.SetRequestLogging(*body.RequestLogging)
	}

	resp := &UpdateSettingsOutput{}
	resp.Body.OK = true
	resp.Body.RuntimeSettings = h.current()
	return resp, nil
}

func (h *SettingsHandler) current() RuntimeSettings {
	return RuntimeSettings{
		PublicBaseURL:  h.svc.PublicBaseURL(),
		RequestLogging: observability.IsRequestLoggingEnabled(),
	}
}
