package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestStartSpan(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "archive.snapshot", attribute.Int("uid", 3))
	assert.True(t, span.SpanContext().IsValid())
	_, child := StartSpan(ctx, "storage.put")
	EndSpan(child, nil)
	EndSpan(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "storage.put", spans[0].Name())
	assert.Equal(t, "archive.snapshot", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Attributes(), attribute.Int("uid", 3))
	assert.Equal(t, InstrumentationName, spans[1].InstrumentationScope().Name)
}

func TestEndSpan_RecordsError(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpan(context.Background(), "archive.profile")
	EndSpan(span, errors.New("bucket missing"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "bucket missing", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestConfigMerge(t *testing.T) {
	cfg := &Config{ServiceName: "vm-profiler", Protocol: "grpc", Headers: map[string]string{"a": "1"}}
	cfg.Merge(Config{
		Enabled:  true,
		Endpoint: "http://collector:4318",
		Protocol: "http/protobuf",
		Headers:  map[string]string{"b": "2"},
	})

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "vm-profiler", cfg.ServiceName)
	assert.Equal(t, "http://collector:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, cfg.Headers)

	cfg.Merge(Config{})
	assert.True(t, cfg.Enabled)
}
