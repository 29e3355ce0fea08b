package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/teranos/tenantpulse/errors"
)

func TestStartSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "engine.execute", attribute.String("job_name", "send-email"))
	RecordError(span, errors.New("smtp down"))
	RecordError(span, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "engine.execute", ended[0].Name())
	assert.Equal(t, "smtp down", ended[0].Status().Description)
	assert.Contains(t, ended[0].Attributes(), attribute.String("job_name", "send-email"))
}

func TestInitTracingNone(t *testing.T) {
	shutdown, err := InitTracing("tenantpulse", ExporterNone)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}
