package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup(Options{ServiceName: "test-service"})
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("test-tracer"))
	assert.NotNil(t, GetMeter("test-meter"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NoError(t, tel.Shutdown(ctx))
}

func TestTelemetrySetup_WithoutMetricsReader(t *testing.T) {
	tel, err := Setup(Options{DisableMetrics: true})
	require.NoError(t, err)

	assert.NoError(t, tel.Shutdown(context.Background()))
	// a second shutdown has nothing left to stop
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestMetricsHolder_ObservableState(t *testing.T) {
	m := GetGlobalMetrics()

	m.SetPendingRequests("historical_data", 3)
	m.SetUnrealizedPnL("AAPL|OPT|20250917|185.5|P", -42.5)
	m.SetOrdersByStatus("OPEN", 7)

	assert.Equal(t, int64(3), m.GetPendingRequests()["historical_data"])
	assert.Equal(t, -42.5, m.GetUnrealizedPnL()["AAPL|OPT|20250917|185.5|P"])
	assert.Equal(t, int64(7), m.GetOrdersByStatus()["OPEN"])

	m.RemoveUnrealizedPnL("AAPL|OPT|20250917|185.5|P")
	_, ok := m.GetUnrealizedPnL()["AAPL|OPT|20250917|185.5|P"]
	assert.False(t, ok)
}

func TestMetricsHolder_CountersSafeBeforeInit(t *testing.T) {
	m := &MetricsHolder{}
	assert.NotPanics(t, func() {
		m.RecordTimeout(context.Background(), "pnl")
		m.RecordLatency(context.Background(), "pnl", 1.5)
		m.RecordFillsImported(context.Background(), 2)
		m.RecordHistoryFetch(context.Background(), 30)
	})
}
