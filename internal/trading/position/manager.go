// Package position tracks the gateway's live positions, keeps one PnL
// subscription open per position and reconciles each one against the ledger.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Subscriber opens streaming gateway requests. *gateway.Correlator satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, kind gateway.Kind, payload any, handler func(gateway.Event)) (*gateway.Subscription, error)
	OnConnectionError(fn func(*apperrors.GatewayError))
	IsConnected() bool
}

// LedgerLookup returns the OPEN ledger orders of a contract
type LedgerLookup interface {
	OpenOrders(ctx context.Context, key core.ContractKey) ([]*core.AggregatedOrder, error)
}

// UpdateType names a change broadcast to listeners
type UpdateType string

const (
	UpdatePositions       UpdateType = "positionsUpdated"
	UpdatePnL             UpdateType = "pnlUpdated"
	UpdateConnectionError UpdateType = "connectionError"
)

// Update is one change notification. Positions is set for position changes,
// Position for a single PnL change and Account for account PnL changes.
type Update struct {
	Type      UpdateType
	Positions []core.LivePosition
	Position  *core.LivePosition
	Account   *core.AccountPnL
	Err       *apperrors.GatewayError
}

// Config controls subscription timing
type Config struct {
	Account   string
	ModelCode string
	// SettleDelay batches a burst of position rows into one subscription round
	SettleDelay time.Duration
	// SubscribePacing is the minimum gap between per-contract subscribe calls
	SubscribePacing time.Duration
}

// DefaultConfig returns a 500ms settle delay and 50ms subscribe pacing
func DefaultConfig() Config {
	return Config{
		SettleDelay:     500 * time.Millisecond,
		SubscribePacing: 50 * time.Millisecond,
	}
}

// positionID identifies a live position: account and gateway contract id, or
// the contract key when the gateway sent no contract id
type positionID string

func idFor(account string, conID int64, key core.ContractKey) positionID {
	if conID != 0 {
		return positionID(fmt.Sprintf("%s|%d", account, conID))
	}
	return positionID(account + "|" + key.String())
}

type tracked struct {
	pos     core.LivePosition
	sub     *gateway.Subscription
	subBusy bool
}

// Manager owns the live position table. The table is only mutated by the
// gateway event handlers and the subscription rounds they schedule; readers
// get copies.
type Manager struct {
	gw      Subscriber
	ledger  LedgerLookup
	logger  core.ILogger
	cfg     Config
	limiter *rate.Limiter
	metrics *telemetry.MetricsHolder

	mu               sync.RWMutex
	positions        map[positionID]*tracked
	bySubID          map[int64]positionID
	account          core.AccountPnL
	accountSub       *gateway.Subscription
	positionsSub     *gateway.Subscription
	permissionLogged map[string]bool
	settleTimer      *time.Timer
	runCtx           context.Context
	cancelRun        context.CancelFunc
	running          bool
	wg               sync.WaitGroup

	updateCallbacks []func(Update)
	callbackMu      sync.RWMutex

	trackedCount int64
	activeSubs   int64
}

func NewManager(gw Subscriber, ledger LedgerLookup, cfg Config, logger core.ILogger, meter metric.Meter) *Manager {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultConfig().SettleDelay
	}
	limit := rate.Inf
	if cfg.SubscribePacing > 0 {
		limit = rate.Every(cfg.SubscribePacing)
	}

	m := &Manager{
		gw:               gw,
		ledger:           ledger,
		logger:           logger.WithField("component", "position_manager").WithField("account", cfg.Account),
		cfg:              cfg,
		limiter:          rate.NewLimiter(limit, 1),
		metrics:          telemetry.GetGlobalMetrics(),
		positions:        make(map[positionID]*tracked),
		bySubID:          make(map[int64]positionID),
		permissionLogged: make(map[string]bool),
		account:          core.AccountPnL{Account: cfg.Account},
	}
	gw.OnConnectionError(m.handleConnectionError)

	if meter != nil {
		m.registerMetrics(meter)
	}
	return m
}

func (m *Manager) registerMetrics(meter metric.Meter) {
	attrs := metric.WithAttributes(attribute.String("account", m.cfg.Account))

	_, _ = meter.Int64ObservableGauge("position_tracked_contracts",
		metric.WithDescription("Number of live positions being tracked"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(atomic.LoadInt64(&m.trackedCount), attrs)
			return nil
		}))

	_, _ = meter.Int64ObservableGauge("position_pnl_subscriptions",
		metric.WithDescription("Number of open per-position PnL subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(atomic.LoadInt64(&m.activeSubs), attrs)
			return nil
		}))
}

// OnUpdate registers a listener. Listeners run on the gateway dispatch
// goroutine and must not block.
func (m *Manager) OnUpdate(fn func(Update)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.updateCallbacks = append(m.updateCallbacks, fn)
}

// Start subscribes to the position stream. Calling Start while running is a
// no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub, err := m.gw.Subscribe(ctx, gateway.KindPositions, gateway.PositionsRequest{Account: m.cfg.Account}, m.handlePositionEvent)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe positions: %w", err)
	}

	m.positions = make(map[positionID]*tracked)
	m.bySubID = make(map[int64]positionID)
	m.account = core.AccountPnL{Account: m.cfg.Account}
	m.positionsSub = sub
	m.runCtx = runCtx
	m.cancelRun = cancel
	m.running = true
	m.logger.Info("Position monitoring started", "req_id", sub.ID())
	return nil
}

// Stop cancels every subscription exactly once and clears the table
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.cancelRun()

	subs := make([]*gateway.Subscription, 0, len(m.positions)+2)
	for id, t := range m.positions {
		if t.sub != nil {
			subs = append(subs, t.sub)
		}
		m.metrics.RemoveUnrealizedPnL(t.pos.Contract.String())
		delete(m.positions, id)
	}
	if m.accountSub != nil {
		subs = append(subs, m.accountSub)
	}
	if m.positionsSub != nil {
		subs = append(subs, m.positionsSub)
	}
	m.accountSub = nil
	m.positionsSub = nil
	m.bySubID = make(map[int64]positionID)
	m.updateGauges()
	m.mu.Unlock()

	m.wg.Wait()

	var firstErr error
	for _, s := range subs {
		if err := s.Cancel(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Info("Position monitoring stopped", "canceled", len(subs))
	return firstErr
}

// IsRunning reports whether monitoring is active
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Positions returns a snapshot of every live position, ordered by contract
func (m *Manager) Positions() []core.LivePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// AccountPnL returns the latest account level PnL
func (m *Manager) AccountPnL() core.AccountPnL {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// MarketOpen reports whether the account daily PnL is moving
func (m *Manager) MarketOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account.MarketOpen
}

// SubscriptionID returns the PnL subscription request id for a contract, or
// zero when it has none
func (m *Manager) SubscriptionID(key core.ContractKey) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.positions {
		if t.pos.Contract == key && t.sub != nil {
			return t.sub.ID()
		}
	}
	return 0
}

func (m *Manager) snapshotLocked() []core.LivePosition {
	out := make([]core.LivePosition, 0, len(m.positions))
	for _, t := range m.positions {
		out = append(out, clonePosition(t.pos))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract.String() != out[j].Contract.String() {
			return out[i].Contract.String() < out[j].Contract.String()
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// updateGauges must be called with m.mu held
func (m *Manager) updateGauges() {
	var subs int64
	for _, t := range m.positions {
		if t.sub != nil {
			subs++
		}
	}
	atomic.StoreInt64(&m.trackedCount, int64(len(m.positions)))
	atomic.StoreInt64(&m.activeSubs, subs)
	m.metrics.SetLivePositions(m.cfg.Account, int64(len(m.positions)))
}

func (m *Manager) broadcast(u Update) {
	m.callbackMu.RLock()
	callbacks := append([]func(Update){}, m.updateCallbacks...)
	m.callbackMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Update listener panicked", "type", u.Type, "panic", r)
				}
			}()
			cb(u)
		}()
	}
}

func clonePosition(p core.LivePosition) core.LivePosition {
	p.LedgerOrderIDs = append([]int64(nil), p.LedgerOrderIDs...)
	return p
}
