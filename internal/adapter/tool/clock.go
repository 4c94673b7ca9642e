package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// ClockTool reports the current time.
type ClockTool struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewClockTool creates the current_time tool.
func NewClockTool(logger *slog.Logger) *ClockTool {
	return &ClockTool{now: time.Now, logger: logger}
}

func (t *ClockTool) Name() string { return "current_time" }
func (t *ClockTool) Description() string {
	return "Returns the current date and time, optionally in a given IANA time zone."
}

func (t *ClockTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA zone such as Europe/Berlin; defaults to UTC"}
			},
			"additionalProperties": false
		}`),
	}
}

type clockParams struct {
	Timezone string `json:"timezone"`
}

func (t *ClockTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	return Execute(ctx, "tool.current_time", t.logger, params,
		func(_ context.Context, span trace.Span, p clockParams) (any, error) {
			loc := time.UTC
			if p.Timezone != "" {
				span.SetAttributes(tracer.StringAttr("tool.timezone", p.Timezone))
				l, err := time.LoadLocation(p.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", p.Timezone)
				}
				loc = l
			}
			return t.now().In(loc).Format(time.RFC3339), nil
		})
}
