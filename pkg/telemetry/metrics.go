package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPendingRequests     = "position_ledger_gateway_pending_requests"
	MetricRequestTimeouts     = "position_ledger_gateway_request_timeouts_total"
	MetricRequestLatency      = "position_ledger_gateway_request_latency_ms"
	MetricGatewayConnected    = "position_ledger_gateway_connected"
	MetricLivePositions       = "position_ledger_live_positions"
	MetricPnLUnrealized       = "position_ledger_pnl_unrealized"
	MetricPnLDaily            = "position_ledger_pnl_daily"
	MetricOrdersByStatus      = "position_ledger_orders"
	MetricFillsImportedTotal  = "position_ledger_fills_imported_total"
	MetricHistoryFetchesTotal = "position_ledger_history_fetches_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PendingRequests     metric.Int64ObservableGauge
	RequestTimeouts     metric.Int64Counter
	RequestLatency      metric.Float64Histogram
	GatewayConnected    metric.Int64ObservableGauge
	LivePositions       metric.Int64ObservableGauge
	PnLUnrealized       metric.Float64ObservableGauge
	PnLDaily            metric.Float64ObservableGauge
	OrdersByStatus      metric.Int64ObservableGauge
	FillsImportedTotal  metric.Int64Counter
	HistoryFetchesTotal metric.Int64Counter

	// State for observable gauges
	mu               sync.RWMutex
	pendingMap       map[string]int64
	connected        int64
	livePositionsMap map[string]int64
	unrealizedPnLMap map[string]float64
	dailyPnLMap      map[string]float64
	ordersMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pendingMap:       make(map[string]int64),
			livePositionsMap: make(map[string]int64),
			unrealizedPnLMap: make(map[string]float64),
			dailyPnLMap:      make(map[string]float64),
			ordersMap:        make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RequestTimeouts, err = meter.Int64Counter(MetricRequestTimeouts, metric.WithDescription("Gateway requests rejected by timeout"))
	if err != nil {
		return err
	}

	m.RequestLatency, err = meter.Float64Histogram(MetricRequestLatency, metric.WithDescription("Time from submit to settlement of gateway requests"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FillsImportedTotal, err = meter.Int64Counter(MetricFillsImportedTotal, metric.WithDescription("Fills ingested into the ledger"))
	if err != nil {
		return err
	}

	m.HistoryFetchesTotal, err = meter.Int64Counter(MetricHistoryFetchesTotal, metric.WithDescription("Historical bar requests issued"))
	if err != nil {
		return err
	}

	// Observables
	m.PendingRequests, err = meter.Int64ObservableGauge(MetricPendingRequests, metric.WithDescription("Requests awaiting a gateway response"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for kind, val := range m.pendingMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.GatewayConnected, err = meter.Int64ObservableGauge(MetricGatewayConnected, metric.WithDescription("Gateway connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.connected)
			return nil
		}))
	if err != nil {
		return err
	}

	m.LivePositions, err = meter.Int64ObservableGauge(MetricLivePositions, metric.WithDescription("Open positions reported by the gateway"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.livePositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL per contract"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for contract, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("contract", contract)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLDaily, err = meter.Float64ObservableGauge(MetricPnLDaily, metric.WithDescription("Account level daily PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.dailyPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersByStatus, err = meter.Int64ObservableGauge(MetricOrdersByStatus, metric.WithDescription("Ledger orders per lifecycle status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.ordersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPendingRequests(kind string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMap[kind] = count
}

func (m *MetricsHolder) SetGatewayConnected(connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = val
}

func (m *MetricsHolder) SetLivePositions(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.livePositionsMap[account] = count
}

func (m *MetricsHolder) SetUnrealizedPnL(contract string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[contract] = value
}

// RemoveUnrealizedPnL drops the series of a closed position
func (m *MetricsHolder) RemoveUnrealizedPnL(contract string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unrealizedPnLMap, contract)
}

func (m *MetricsHolder) SetDailyPnL(account string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnLMap[account] = value
}

func (m *MetricsHolder) SetOrdersByStatus(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersMap[status] = count
}

// RecordTimeout increments the timeout counter when instruments are initialized
func (m *MetricsHolder) RecordTimeout(ctx context.Context, kind string) {
	if m.RequestTimeouts == nil {
		return
	}
	m.RequestTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLatency records the settlement latency of a request
func (m *MetricsHolder) RecordLatency(ctx context.Context, kind string, ms float64) {
	if m.RequestLatency == nil {
		return
	}
	m.RequestLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *MetricsHolder) RecordFillsImported(ctx context.Context, n int) {
	if m.FillsImportedTotal == nil {
		return
	}
	m.FillsImportedTotal.Add(ctx, int64(n))
}

func (m *MetricsHolder) RecordHistoryFetch(ctx context.Context, days int) {
	if m.HistoryFetchesTotal == nil {
		return
	}
	m.HistoryFetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("window_days", days)))
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPendingRequests() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.pendingMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOrdersByStatus() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.ordersMap {
		res[k] = v
	}
	return res
}
