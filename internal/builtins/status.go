// ABOUTME: Status pack: read-only views of the server registry and usage stats
// ABOUTME: Lets callers inspect the control plane through ordinary tool calls

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/toolgate/internal/store"
)

// StatusPackName is the server name of the status pack.
const StatusPackName = "builtin-status"

// StatusPack creates the status pack backed by s.
func StatusPack(s store.Store) *Pack {
	h := &statusHandlers{store: s}
	return &Pack{
		Name:        StatusPackName,
		DisplayName: "Control plane status",
		Description: "Inspect registered tool servers and their usage",
		Tools: []*Tool{
			{
				Name:        "list_servers",
				Description: "List registered tool servers",
				InputSchema: `{"type":"object","properties":{"status":{"type":"string","enum":["disabled","starting","enabled","stopping","error"]}}}`,
				Handler:     h.ListServers,
			},
			{
				Name:        "server_usage",
				Description: "Usage statistics for one server",
				InputSchema: `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`,
				Handler:     h.ServerUsage,
			},
		},
	}
}

type statusHandlers struct {
	store store.Store
}

type listServersInput struct {
	Status string `json:"status"`
}

type serverSummary struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	Transport    string `json:"transport"`
	HealthStatus string `json:"health_status"`
	IsBuiltin    bool   `json:"is_builtin"`
}

func (h *statusHandlers) ListServers(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error) {
	var in listServersInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}

	filter := store.ServerFilter{IncludeBuiltin: true}
	if in.Status != "" {
		status := store.ServerStatus(in.Status)
		filter.Status = &status
	}

	servers, err := h.store.ListServers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}

	out := make([]serverSummary, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverSummary{
			Name:         s.Name,
			Status:       string(s.Status),
			Transport:    s.Transport,
			HealthStatus: s.HealthStatus,
			IsBuiltin:    s.IsBuiltin,
		})
	}
	return json.Marshal(map[string]any{"servers": out, "count": len(out)})
}

type serverUsageInput struct {
	Name string `json:"name"`
}

func (h *statusHandlers) ServerUsage(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error) {
	var in serverUsageInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	server, err := h.store.GetServerByName(ctx, in.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("server %q not found", in.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting server: %w", err)
	}

	stats, err := h.store.GetServerUsageStats(ctx, server.ID)
	if err != nil {
		return nil, fmt.Errorf("getting usage stats: %w", err)
	}
	return json.Marshal(map[string]any{
		"name":           server.Name,
		"total_calls":    stats.TotalCalls,
		"total_errors":   stats.TotalErrors,
		"avg_latency_ms": stats.AvgLatencyMs,
		"unique_users":   stats.UniqueUsers,
	})
}
