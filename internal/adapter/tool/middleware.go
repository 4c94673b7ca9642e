package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// Execute decodes rawParams into P, runs handler inside a span and renders
// the result as tool output. Strings are returned verbatim, anything else is
// encoded as JSON. Handler errors are wrapped with domain.ErrToolFailure.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (string, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	p, err := ParseParams[P](rawParams)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return "", fmt.Errorf("%w: %v", domain.ErrToolFailure, err)
	}
	tracer.SetOK(span)

	switch v := result.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: marshal result: %v", domain.ErrToolFailure, err)
		}
		return string(data), nil
	}
}

// ParseParams decodes rawParams into P. An empty payload decodes as {}.
func ParseParams[P any](rawParams json.RawMessage) (P, error) {
	var p P
	if len(rawParams) == 0 {
		rawParams = json.RawMessage("{}")
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, fmt.Errorf("%w: invalid params: %v", domain.ErrToolInput, err)
	}
	return p, nil
}
