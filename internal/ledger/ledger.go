package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"position_ledger/internal/core"
	"position_ledger/internal/store"
	"position_ledger/pkg/telemetry"
)

// Ledger owns the persisted order book. All mutations are serialized so the
// matcher always sees a consistent set of orders for a contract.
type Ledger struct {
	store  store.Store
	logger core.ILogger
	now    func() time.Time

	mu sync.Mutex

	listeners  []func(Transition)
	listenerMu sync.RWMutex
}

// ImportResult reports what an import changed
type ImportResult struct {
	Fills       int          `json:"fills"`
	Imported    []int64      `json:"imported"`
	Skipped     []int64      `json:"skipped"`
	Transitions []Transition `json:"transitions"`
}

func New(st store.Store, logger core.ILogger) *Ledger {
	return &Ledger{
		store:  st,
		logger: logger.WithField("component", "ledger"),
		now:    time.Now,
	}
}

// SetClock replaces the time source used for expiry checks and timestamps
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// OnTransition registers a listener called after each persisted status change
func (l *Ledger) OnTransition(fn func(Transition)) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// ImportFills aggregates fills into orders, stores the ones not seen before
// and re-runs matching for every contract they touch. Order ids already in
// the store are skipped, so importing the same fills twice changes nothing.
func (l *Ledger) ImportFills(ctx context.Context, fills []core.Fill) (*ImportResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := &ImportResult{Fills: len(fills)}
	var fresh []*core.AggregatedOrder
	touched := make(map[core.ContractKey]bool)

	for _, o := range Aggregate(fills) {
		_, err := l.store.FindOrder(ctx, o.OrderID)
		if err == nil {
			result.Skipped = append(result.Skipped, o.OrderID)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup order %d: %w", o.OrderID, err)
		}
		if o.Contract.IsUnknown() {
			l.logger.Warn("Importing order with unresolved contract", "order_id", o.OrderID)
		}
		fresh = append(fresh, o)
		result.Imported = append(result.Imported, o.OrderID)
		touched[o.Contract] = true
	}

	if len(fresh) == 0 {
		l.logger.Info("Import finished, nothing new", "fills", len(fills), "skipped", len(result.Skipped))
		return result, nil
	}
	if err := l.store.BulkUpsertOrders(ctx, fresh); err != nil {
		return nil, fmt.Errorf("store imported orders: %w", err)
	}
	telemetry.GetGlobalMetrics().RecordFillsImported(ctx, len(fills))

	transitions, err := l.matchLocked(ctx, keysOf(touched))
	if err != nil {
		return nil, err
	}
	result.Transitions = transitions

	l.logger.Info("Imported fills",
		"fills", len(fills),
		"orders", len(result.Imported),
		"skipped", len(result.Skipped),
		"transitions", len(transitions))
	l.refreshMetrics(ctx)
	return result, nil
}

// Match re-evaluates the given contracts, or every contract with an OPEN
// order when none are given. Statuses are recomputed from the contract's
// whole history, so the result never depends on import order.
func (l *Ledger) Match(ctx context.Context, keys ...core.ContractKey) ([]Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(keys) == 0 {
		open, err := l.store.ListOrders(ctx, store.OrderFilter{Statuses: []core.OrderStatus{core.StatusOpen}})
		if err != nil {
			return nil, fmt.Errorf("list open orders: %w", err)
		}
		set := make(map[core.ContractKey]bool)
		for _, o := range open {
			set[o.Contract] = true
		}
		keys = keysOf(set)
	}

	transitions, err := l.matchLocked(ctx, keys)
	if err != nil {
		return nil, err
	}
	l.refreshMetrics(ctx)
	return transitions, nil
}

// matchLocked recomputes the given contracts from their full history. A
// backfilled order can change how earlier closes were matched, so matching
// only the OPEN orders would depend on import order.
func (l *Ledger) matchLocked(ctx context.Context, keys []core.ContractKey) ([]Transition, error) {
	var all []Transition
	now := l.now()
	for _, key := range keys {
		if key.IsUnknown() {
			continue
		}
		orders, err := l.store.OrdersByContract(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load orders for %s: %w", key, err)
		}
		transitions := Replay(orders, now)
		if err := l.persistTransitions(ctx, orders, transitions); err != nil {
			return nil, err
		}
		all = append(all, transitions...)
	}
	return all, nil
}

// Replay recomputes the status of every order of the given contracts from
// scratch. With no keys, every contract in the ledger is replayed.
func (l *Ledger) Replay(ctx context.Context, keys ...core.ContractKey) ([]Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(keys) == 0 {
		all, err := l.store.ListOrders(ctx, store.OrderFilter{})
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		set := make(map[core.ContractKey]bool)
		for _, o := range all {
			set[o.Contract] = true
		}
		keys = keysOf(set)
	}

	out, err := l.matchLocked(ctx, keys)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Replayed order history", "contracts", len(keys), "transitions", len(out))
	l.refreshMetrics(ctx)
	return out, nil
}

// persistTransitions writes the changed orders, refreshes the bundles they
// belong to and notifies listeners
func (l *Ledger) persistTransitions(ctx context.Context, orders []*core.AggregatedOrder, transitions []Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	byID := make(map[int64]*core.AggregatedOrder, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	changed := make([]*core.AggregatedOrder, 0, len(transitions))
	bundles := make(map[string]bool)
	for _, t := range transitions {
		changed = append(changed, byID[t.OrderID])
		if t.BundleID != "" {
			bundles[t.BundleID] = true
		}
	}
	if err := l.store.BulkUpsertOrders(ctx, changed); err != nil {
		return fmt.Errorf("store transitions: %w", err)
	}

	for id := range bundles {
		if err := l.refreshBundle(ctx, id); err != nil {
			return err
		}
	}

	for _, t := range transitions {
		l.logger.Debug("Order transitioned",
			"order_id", t.OrderID,
			"contract", t.Contract.String(),
			"from", t.From,
			"to", t.To)
		l.notify(t)
	}
	return nil
}

func (l *Ledger) notify(t Transition) {
	l.listenerMu.RLock()
	listeners := append([]func(Transition){}, l.listeners...)
	l.listenerMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Transition listener panicked", "order_id", t.OrderID, "panic", r)
				}
			}()
			fn(t)
		}()
	}
}

// OpenOrders returns the OPEN orders for a contract, oldest first
func (l *Ledger) OpenOrders(ctx context.Context, key core.ContractKey) ([]*core.AggregatedOrder, error) {
	return l.store.OrdersByContract(ctx, key, core.StatusOpen)
}

// Orders lists stored orders matching filter
func (l *Ledger) Orders(ctx context.Context, filter store.OrderFilter) ([]*core.AggregatedOrder, error) {
	return l.store.ListOrders(ctx, filter)
}

// Order returns one stored order
func (l *Ledger) Order(ctx context.Context, orderID int64) (*core.AggregatedOrder, error) {
	return l.store.FindOrder(ctx, orderID)
}

func (l *Ledger) refreshMetrics(ctx context.Context) {
	counts, err := l.store.CountOrdersByStatus(ctx)
	if err != nil {
		l.logger.Warn("Failed to count orders for metrics", "error", err)
		return
	}
	m := telemetry.GetGlobalMetrics()
	for _, status := range []core.OrderStatus{core.StatusOpen, core.StatusClosed, core.StatusExpired} {
		m.SetOrdersByStatus(string(status), int64(counts[status]))
	}
}

func keysOf(set map[core.ContractKey]bool) []core.ContractKey {
	keys := make([]core.ContractKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
