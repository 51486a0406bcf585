package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[int64]*core.AggregatedOrder
	bundles map[string]*core.Bundle
	bars    map[core.ContractKey]map[time.Time]core.Bar
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[int64]*core.AggregatedOrder),
		bundles: make(map[string]*core.Bundle),
		bars:    make(map[core.ContractKey]map[time.Time]core.Bar),
	}
}

func (s *MemoryStore) FindOrder(ctx context.Context, orderID int64) (*core.AggregatedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) UpsertOrder(ctx context.Context, order *core.AggregatedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order.Clone()
	return nil
}

func (s *MemoryStore) BulkUpsertOrders(ctx context.Context, orders []*core.AggregatedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		s.orders[o.OrderID] = o.Clone()
	}
	return nil
}

func (s *MemoryStore) OrdersByContract(ctx context.Context, key core.ContractKey, statuses ...core.OrderStatus) ([]*core.AggregatedOrder, error) {
	if key.IsUnknown() {
		return nil, nil
	}
	set := statusSet(statuses)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.AggregatedOrder
	for _, o := range s.orders {
		if o.Contract == key && (set == nil || set[o.Status]) {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*core.AggregatedOrder, error) {
	set := statusSet(filter.Statuses)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.AggregatedOrder
	for _, o := range s.orders {
		if matchesFilter(o, filter, set) {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) CountOrdersByStatus(ctx context.Context) (map[core.OrderStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[core.OrderStatus]int)
	for _, o := range s.orders {
		counts[o.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) RealizedPnLBySymbol(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for _, o := range s.orders {
		if !o.TotalRealizedPnL.Valid {
			continue
		}
		out[o.Contract.Symbol] = out[o.Contract.Symbol].Add(o.TotalRealizedPnL.Decimal)
	}
	return out, nil
}

func (s *MemoryStore) UpsertBundle(ctx context.Context, bundle *core.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.ID] = cloneBundle(bundle)
	return nil
}

func (s *MemoryStore) GetBundle(ctx context.Context, id string) (*core.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBundle(b), nil
}

func (s *MemoryStore) ListBundles(ctx context.Context) ([]*core.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, cloneBundle(b))
	}
	sortBundles(out)
	return out, nil
}

func (s *MemoryStore) DeleteBundle(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[id]; !ok {
		return ErrNotFound
	}
	delete(s.bundles, id)
	return nil
}

func (s *MemoryStore) UpsertBars(ctx context.Context, key core.ContractKey, bars []core.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDay, ok := s.bars[key]
	if !ok {
		byDay = make(map[time.Time]core.Bar)
		s.bars[key] = byDay
	}
	for _, b := range bars {
		byDay[dayKey(b.Time)] = b
	}
	return nil
}

func (s *MemoryStore) BarsSince(ctx context.Context, key core.ContractKey, since time.Time) ([]core.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Bar
	for day, b := range s.bars[key] {
		if day.After(since) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *MemoryStore) LatestBarDate(ctx context.Context, key core.ContractKey) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for day := range s.bars[key] {
		if latest == nil || day.After(*latest) {
			d := day
			latest = &d
		}
	}
	return latest, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneBundle(b *core.Bundle) *core.Bundle {
	c := *b
	c.MemberOrderIDs = append([]int64(nil), b.MemberOrderIDs...)
	return &c
}

func sortBundles(bundles []*core.Bundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		if !bundles[i].CreatedAt.Equal(bundles[j].CreatedAt) {
			return bundles[i].CreatedAt.Before(bundles[j].CreatedAt)
		}
		return bundles[i].ID < bundles[j].ID
	})
}
