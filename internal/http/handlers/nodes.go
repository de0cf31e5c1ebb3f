package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gregwargamer/ffmppegui/internal/coordinator"
	"github.com/gregwargamer/ffmppegui/pkg/ffmpegeasy/types"
)

// NodesHandler reports connected agents.
type NodesHandler struct {
	svc *coordinator.Service
}

// NewNodesHandler creates a new nodes handler.
func NewNodesHandler(svc *coordinator.Service) *NodesHandler {
	return &NodesHandler{svc: svc}
}

// NodesInput is the input for the nodes endpoint.
type NodesInput struct{}

// NodesOutput is the output for the nodes endpoint.
type NodesOutput struct {
	Body coordinator.Nodes
}

// Register registers the nodes route with the API.
func (h *NodesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listNodes",
		Method:      "GET",
		Path:        "/api/nodes",
		Summary:     "List nodes",
		Description: "Returns connected agents with their load and pool totals",
		Tags:        []string{"Agents"},
	}, h.List)
}

// List returns the agent snapshot.
func (h *NodesHandler) List(ctx context.Context, input *NodesInput) (*NodesOutput, error) {
	nodes := h.svc.Nodes()
	if nodes.Agents == nil {
		nodes.Agents = []types.AgentInfo{}
	}
	return &NodesOutput{Body: nodes}, nil
}
