package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	shutdown, err := InitTracerProvider(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "collectord-test",
		ServiceVersion: "v0.0.1",
	}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "collect")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "collect", ended[0].Name())
	require.Contains(t, ended[0].Resource().Attributes(), semconv.ServiceName("collectord-test"))
}

func TestInitTracerProviderDisabled(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, otel.GetTextMapPropagator())
}
