// ABOUTME: Core pack: echo, current_time and generate_id tools
// ABOUTME: Dependency-free tools useful for connectivity checks

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CorePackName is the server name of the core pack.
const CorePackName = "builtin-core"

// CorePack creates the core pack. now may be nil.
func CorePack(now func() time.Time) *Pack {
	if now == nil {
		now = time.Now
	}
	c := &coreHandlers{now: now}
	return &Pack{
		Name:        CorePackName,
		DisplayName: "Core tools",
		Description: "Built-in utility tools",
		Tools: []*Tool{
			{
				Name:        "echo",
				Description: "Echo a message back",
				InputSchema: `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`,
				Handler:     c.Echo,
			},
			{
				Name:        "current_time",
				Description: "Current time, optionally in an IANA time zone",
				InputSchema: `{"type":"object","properties":{"timezone":{"type":"string"}}}`,
				Handler:     c.CurrentTime,
			},
			{
				Name:        "generate_id",
				Description: "Generate a random UUID",
				InputSchema: `{"type":"object","properties":{}}`,
				Handler:     c.GenerateID,
			},
		},
	}
}

type coreHandlers struct {
	now func() time.Time
}

type echoInput struct {
	Message string `json:"message"`
}

func (c *coreHandlers) Echo(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error) {
	var in echoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	return json.Marshal(map[string]string{"message": in.Message, "user_id": userID})
}

type timeInput struct {
	Timezone string `json:"timezone"`
}

func (c *coreHandlers) CurrentTime(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error) {
	var in timeInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}

	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", in.Timezone, err)
		}
		loc = l
	}

	now := c.now().In(loc)
	return json.Marshal(map[string]any{
		"time":     now.Format(time.RFC3339),
		"timezone": loc.String(),
		"unix":     now.Unix(),
	})
}

func (c *coreHandlers) GenerateID(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"id": uuid.New().String()})
}
