package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := StartSpan(context.Background(), tracer, "engine.process_next_step", attribute.String(RunIDKey, "run-1"))
	SetError(span, errors.New("provider unavailable"), attribute.Int(StepOrderKey, 2))
	span.End()

	spans := recorder.Ended()
	if assert.Len(t, spans, 1) {
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, "provider unavailable", spans[0].Status().Description)
		assert.Contains(t, spans[0].Attributes(), attribute.String(RunIDKey, "run-1"))
	}
}
