// Package store persists ledger orders, bundles and cached price bars
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a keyed lookup has no row
var ErrNotFound = errors.New("record not found")

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	Statuses []core.OrderStatus
	Symbol   string
	BundleID string
}

// Store is the persistence surface the ledger and market data layers consume.
// Upserts are atomic per unique key (order id, bundle id, contract and bar time).
type Store interface {
	FindOrder(ctx context.Context, orderID int64) (*core.AggregatedOrder, error)
	UpsertOrder(ctx context.Context, order *core.AggregatedOrder) error
	BulkUpsertOrders(ctx context.Context, orders []*core.AggregatedOrder) error
	OrdersByContract(ctx context.Context, key core.ContractKey, statuses ...core.OrderStatus) ([]*core.AggregatedOrder, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*core.AggregatedOrder, error)
	CountOrdersByStatus(ctx context.Context) (map[core.OrderStatus]int, error)
	RealizedPnLBySymbol(ctx context.Context) (map[string]decimal.Decimal, error)

	UpsertBundle(ctx context.Context, bundle *core.Bundle) error
	GetBundle(ctx context.Context, id string) (*core.Bundle, error)
	ListBundles(ctx context.Context) ([]*core.Bundle, error)
	DeleteBundle(ctx context.Context, id string) error

	UpsertBars(ctx context.Context, key core.ContractKey, bars []core.Bar) error
	BarsSince(ctx context.Context, key core.ContractKey, since time.Time) ([]core.Bar, error)
	LatestBarDate(ctx context.Context, key core.ContractKey) (*time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a Store implementation
type Config struct {
	Driver string // memory, sqlite or postgres
	Path   string
	DSN    string
}

// Open builds the Store selected by cfg.Driver
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// sortOrders orders by trade date, then order id, for deterministic matching
func sortOrders(orders []*core.AggregatedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].TradeDate.Equal(orders[j].TradeDate) {
			return orders[i].TradeDate.Before(orders[j].TradeDate)
		}
		return orders[i].OrderID < orders[j].OrderID
	})
}

func statusSet(statuses []core.OrderStatus) map[core.OrderStatus]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[core.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

func statusStrings(statuses []core.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func matchesFilter(o *core.AggregatedOrder, f OrderFilter, set map[core.OrderStatus]bool) bool {
	if set != nil && !set[o.Status] {
		return false
	}
	if f.Symbol != "" && o.Contract.Symbol != f.Symbol {
		return false
	}
	if f.BundleID != "" && o.BundleID != f.BundleID {
		return false
	}
	return true
}

// dayKey truncates a bar time to its UTC calendar day
func dayKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
