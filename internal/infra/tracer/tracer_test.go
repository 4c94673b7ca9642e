package tracer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	defer shutdown(context.Background())

	tp := otel.GetTracerProvider()
	if _, ok := tp.(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", tp)
	}
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		require.NoError(t, err, exp)
		require.NoError(t, shutdown(context.Background()), exp)
	}
}

func TestSetupFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "file", Endpoint: path})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "chat.run")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	_, err = Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "file"})
	assert.Error(t, err)
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "invalid"})
	assert.Error(t, err)
}

func TestFinish(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, ok := StartSpan(context.Background(), "ok")
	Finish(ok, nil)
	ok.End()

	_, aborted := StartSpan(context.Background(), "aborted")
	Finish(aborted, domain.NewAbortedError(domain.ErrRequestTimeout))
	aborted.End()

	_, failed := StartSpan(context.Background(), "failed")
	Finish(failed, errors.New("boom"))
	failed.End()

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), StringAttr("chat.abort_cause", "timeout"))
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, "key", string(StringAttr("key", "value").Key))
	assert.Equal(t, int64(42), IntAttr("count", 42).Value.AsInt64())
	assert.True(t, BoolAttr("flag", true).Value.AsBool())
}
