package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"position_ledger/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresStore persists the ledger in PostgreSQL through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) FindOrder(ctx context.Context, orderID int64) (*core.AggregatedOrder, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM ledger_orders WHERE order_id = $1`, orderID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read order %d: %w", orderID, err)
	}
	var o core.AggregatedOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode order %d: %w", orderID, err)
	}
	return &o, nil
}

func (s *PostgresStore) UpsertOrder(ctx context.Context, order *core.AggregatedOrder) error {
	return s.BulkUpsertOrders(ctx, []*core.AggregatedOrder{order})
}

const upsertOrderPostgres = `
	INSERT INTO ledger_orders (order_id, contract_key, symbol, status, bundle_id, trade_date, realized_pnl, data, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (order_id) DO UPDATE
	SET contract_key = EXCLUDED.contract_key,
	    symbol = EXCLUDED.symbol,
	    status = EXCLUDED.status,
	    bundle_id = EXCLUDED.bundle_id,
	    trade_date = EXCLUDED.trade_date,
	    realized_pnl = EXCLUDED.realized_pnl,
	    data = EXCLUDED.data,
	    updated_at = now()`

func (s *PostgresStore) BulkUpsertOrders(ctx context.Context, orders []*core.AggregatedOrder) error {
	if len(orders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order %d: %w", o.OrderID, err)
		}
		batch.Queue(upsertOrderPostgres,
			o.OrderID, o.Contract.String(), o.Contract.Symbol, string(o.Status), o.BundleID,
			o.TradeDate, o.TotalRealizedPnL, data,
		)
	}
	return s.execBatch(ctx, batch)
}

func (s *PostgresStore) OrdersByContract(ctx context.Context, key core.ContractKey, statuses ...core.OrderStatus) ([]*core.AggregatedOrder, error) {
	if key.IsUnknown() {
		return nil, nil
	}
	if len(statuses) == 0 {
		return s.queryOrders(ctx, `SELECT data FROM ledger_orders WHERE contract_key = $1 ORDER BY trade_date, order_id`, key.String())
	}
	return s.queryOrders(ctx,
		`SELECT data FROM ledger_orders WHERE contract_key = $1 AND status = ANY($2) ORDER BY trade_date, order_id`,
		key.String(), statusStrings(statuses))
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*core.AggregatedOrder, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.BundleID != "" {
		args = append(args, filter.BundleID)
		where = append(where, fmt.Sprintf("bundle_id = $%d", len(args)))
	}

	query := `SELECT data FROM ledger_orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY trade_date, order_id`
	return s.queryOrders(ctx, query, args...)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]*core.AggregatedOrder, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*core.AggregatedOrder
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o core.AggregatedOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountOrdersByStatus(ctx context.Context) (map[core.OrderStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM ledger_orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[core.OrderStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) RealizedPnLBySymbol(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, SUM(realized_pnl)::text FROM ledger_orders WHERE realized_pnl IS NOT NULL GROUP BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("aggregate realized pnl: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol, sum string
		if err := rows.Scan(&symbol, &sum); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, fmt.Errorf("realized pnl for %s: %w", symbol, err)
		}
		out[symbol] = d
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertBundle(ctx context.Context, bundle *core.Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle %s: %w", bundle.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_bundles (id, created_at, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data,
		    updated_at = now()`,
		bundle.ID, bundle.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("write bundle %s: %w", bundle.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetBundle(ctx context.Context, id string) (*core.Bundle, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM ledger_bundles WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read bundle %s: %w", id, err)
	}
	var b core.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBundles(ctx context.Context) ([]*core.Bundle, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM ledger_bundles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()

	var out []*core.Bundle
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b core.Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode bundle: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBundle(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ledger_bundles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bundle %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertBars(ctx context.Context, key core.ContractKey, bars []core.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range bars {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode bar: %w", err)
		}
		batch.Queue(`
			INSERT INTO ledger_price_bars (contract_key, bar_day, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (contract_key, bar_day) DO UPDATE
			SET data = EXCLUDED.data`,
			key.String(), dayKey(b.Time), data)
	}
	return s.execBatch(ctx, batch)
}

func (s *PostgresStore) BarsSince(ctx context.Context, key core.ContractKey, since time.Time) ([]core.Bar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM ledger_price_bars WHERE contract_key = $1 AND bar_day > $2 ORDER BY bar_day`,
		key.String(), dayKey(since))
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b core.Bar
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode bar: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestBarDate(ctx context.Context, key core.ContractKey) (*time.Time, error) {
	var day *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(bar_day) FROM ledger_price_bars WHERE contract_key = $1`, key.String()).Scan(&day)
	if err != nil {
		return nil, fmt.Errorf("read latest bar: %w", err)
	}
	if day == nil {
		return nil, nil
	}
	t := dayKey(*day)
	return &t, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) execBatch(ctx context.Context, batch *pgx.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
