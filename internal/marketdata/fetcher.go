package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"position_ledger/internal/contract"
	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	"position_ledger/internal/store"
	"position_ledger/pkg/concurrency"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/telemetry"
)

// Requester issues a correlated gateway call and waits for its result.
// *gateway.Correlator satisfies it.
type Requester interface {
	Call(ctx context.Context, kind gateway.Kind, payload any) (gateway.Result, error)
}

// Config controls historical fetches
type Config struct {
	BatchConcurrency int
	BatchPause       time.Duration
	BarSize          string
	WhatToShow       string
	UseRTH           bool
}

// DefaultConfig returns three requests in flight with a one second pause
// between batches
func DefaultConfig() Config {
	return Config{
		BatchConcurrency: 3,
		BatchPause:       time.Second,
		BarSize:          "1 day",
		WhatToShow:       "TRADES",
		UseRTH:           true,
	}
}

// BatchResult is the outcome for one contract of a batch fetch
type BatchResult struct {
	Bars   []core.Bar
	Window Window
	Err    error
}

// Fetcher tops up the local bar cache from the gateway
type Fetcher struct {
	requester Requester
	store     store.Store
	pool      *concurrency.WorkerPool
	cfg       Config
	logger    core.ILogger
	now       func() time.Time
}

func NewFetcher(requester Requester, st store.Store, cfg Config, logger core.ILogger) *Fetcher {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 3
	}
	if cfg.BarSize == "" {
		cfg.BarSize = "1 day"
	}
	if cfg.WhatToShow == "" {
		cfg.WhatToShow = "TRADES"
	}
	return &Fetcher{
		requester: requester,
		store:     st,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "history",
			MaxWorkers:  cfg.BatchConcurrency,
			MaxCapacity: cfg.BatchConcurrency * 4,
		}, logger),
		cfg:    cfg,
		logger: logger.WithField("component", "history_fetcher"),
		now:    time.Now,
	}
}

// SetClock replaces the time source used to age the cache
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
}

// Stop releases the worker pool
func (f *Fetcher) Stop() {
	f.pool.Stop()
}

// History refreshes the cache for key with the smallest window that covers
// the gap since the last cached bar, and returns every cached bar.
func (f *Fetcher) History(ctx context.Context, key core.ContractKey) ([]core.Bar, error) {
	bars, _, err := f.fetch(ctx, key)
	return bars, err
}

func (f *Fetcher) fetch(ctx context.Context, key core.ContractKey) ([]core.Bar, Window, error) {
	if key.IsUnknown() {
		return nil, Window{}, fmt.Errorf("history for %s: %w", key, apperrors.ErrMalformedIdentity)
	}

	latest, err := f.store.LatestBarDate(ctx, key)
	if err != nil {
		return nil, Window{}, fmt.Errorf("read cache freshness: %w", err)
	}
	window := ChooseWindow(latest, f.now())

	res, err := f.requester.Call(ctx, gateway.KindHistoricalData, gateway.HistoricalDataRequest{
		Contract:   contract.ToDescriptor(key),
		Duration:   window.Duration(),
		BarSize:    f.cfg.BarSize,
		WhatToShow: f.cfg.WhatToShow,
		UseRTH:     f.cfg.UseRTH,
	})
	if err != nil {
		return nil, window, fmt.Errorf("historical data for %s: %w", key, err)
	}
	telemetry.GetGlobalMetrics().RecordHistoryFetch(ctx, window.Days)

	raw := make([]core.Bar, 0, len(res.Rows))
	for _, row := range res.Rows {
		br, ok := row.(gateway.BarRow)
		if !ok {
			f.logger.Warn("Unexpected historical row", "contract", key.String(), "type", fmt.Sprintf("%T", row))
			continue
		}
		bar, err := br.ToBar()
		if err != nil {
			f.logger.Warn("Skipping bar with bad time", "contract", key.String(), "time", br.Time, "error", err)
			continue
		}
		raw = append(raw, bar)
	}
	daily := FoldDaily(raw)

	if err := f.store.UpsertBars(ctx, key, daily); err != nil {
		return nil, window, fmt.Errorf("cache bars: %w", err)
	}
	f.logger.Debug("History refreshed",
		"contract", key.String(),
		"window_days", window.Days,
		"reason", window.Reason,
		"received", len(raw),
		"daily", len(daily))

	bars, err := f.store.BarsSince(ctx, key, time.Time{})
	if err != nil {
		return nil, window, fmt.Errorf("read cached bars: %w", err)
	}
	return bars, window, nil
}

// HistoryBatch refreshes many contracts, BatchConcurrency at a time, pausing
// between batches. A failure for one contract does not stop the others.
func (f *Fetcher) HistoryBatch(ctx context.Context, keys []core.ContractKey) map[core.ContractKey]BatchResult {
	results := make(map[core.ContractKey]BatchResult, len(keys))
	var mu sync.Mutex

	tasks := make([]func(), 0, len(keys))
	for _, key := range keys {
		key := key
		tasks = append(tasks, func() {
			var r BatchResult
			if err := ctx.Err(); err != nil {
				r.Err = err
			} else {
				r.Bars, r.Window, r.Err = f.fetch(ctx, key)
			}
			mu.Lock()
			results[key] = r
			mu.Unlock()
		})
	}
	f.pool.RunBatches(ctx, tasks, f.cfg.BatchConcurrency, f.cfg.BatchPause)

	for _, key := range keys {
		if _, ok := results[key]; !ok {
			results[key] = BatchResult{Err: ctx.Err()}
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	f.logger.Info("Historical batch finished", "contracts", len(keys), "failed", failed)
	return results
}
