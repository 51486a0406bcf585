package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"position_ledger/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore persists each row as a JSON document with a sha256 checksum
// alongside the indexed columns used for lookups.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindOrder(ctx context.Context, orderID int64) (*core.AggregatedOrder, error) {
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM orders WHERE order_id = ?`, orderID).Scan(&data, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read order %d: %w", orderID, err)
	}

	var order core.AggregatedOrder
	if err := decodeVerified(data, checksum, &order); err != nil {
		return nil, fmt.Errorf("order %d: %w", orderID, err)
	}
	return &order, nil
}

func (s *SQLiteStore) UpsertOrder(ctx context.Context, order *core.AggregatedOrder) error {
	return s.BulkUpsertOrders(ctx, []*core.AggregatedOrder{order})
}

const upsertOrderSQLite = `INSERT OR REPLACE INTO orders
	(order_id, contract_key, symbol, status, bundle_id, trade_date, realized_pnl, data, checksum, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) BulkUpsertOrders(ctx context.Context, orders []*core.AggregatedOrder) error {
	if len(orders) == 0 {
		return nil
	}

	// Start transaction with serializable isolation
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, upsertOrderSQLite)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, o := range orders {
		data, checksum, err := encodeChecksummed(o)
		if err != nil {
			return fmt.Errorf("order %d: %w", o.OrderID, err)
		}
		var pnl sql.NullString
		if o.TotalRealizedPnL.Valid {
			pnl = sql.NullString{String: o.TotalRealizedPnL.Decimal.String(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			o.OrderID, o.Contract.String(), o.Contract.Symbol, string(o.Status), o.BundleID,
			o.TradeDate.UnixNano(), pnl, data, checksum, now,
		); err != nil {
			return fmt.Errorf("failed to write order %d: %w", o.OrderID, err)
		}
	}

	// Atomic commit
	return tx.Commit()
}

func (s *SQLiteStore) OrdersByContract(ctx context.Context, key core.ContractKey, statuses ...core.OrderStatus) ([]*core.AggregatedOrder, error) {
	if key.IsUnknown() {
		return nil, nil
	}
	query := `SELECT data, checksum FROM orders WHERE contract_key = ?`
	args := []any{key.String()}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY trade_date, order_id`
	return s.queryOrders(ctx, query, args...)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]*core.AggregatedOrder, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		where = append(where, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Symbol != "" {
		where = append(where, `symbol = ?`)
		args = append(args, filter.Symbol)
	}
	if filter.BundleID != "" {
		where = append(where, `bundle_id = ?`)
		args = append(args, filter.BundleID)
	}

	query := `SELECT data, checksum FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY trade_date, order_id`
	return s.queryOrders(ctx, query, args...)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]*core.AggregatedOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*core.AggregatedOrder
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, err
		}
		var o core.AggregatedOrder
		if err := decodeVerified(data, checksum, &o); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountOrdersByStatus(ctx context.Context) (map[core.OrderStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[core.OrderStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) RealizedPnLBySymbol(ctx context.Context) (map[string]decimal.Decimal, error) {
	// summed in Go: SQLite would add the TEXT column as floating point
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, realized_pnl FROM orders WHERE realized_pnl IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate realized pnl: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol, pnl string
		if err := rows.Scan(&symbol, &pnl); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(pnl)
		if err != nil {
			return nil, fmt.Errorf("realized pnl for %s: %w", symbol, err)
		}
		out[symbol] = out[symbol].Add(d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertBundle(ctx context.Context, bundle *core.Bundle) error {
	data, checksum, err := encodeChecksummed(bundle)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", bundle.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bundles (id, created_at, data, checksum, updated_at) VALUES (?, ?, ?, ?, ?)`,
		bundle.ID, bundle.CreatedAt.UnixNano(), data, checksum, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write bundle %s: %w", bundle.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*core.Bundle, error) {
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM bundles WHERE id = ?`, id).Scan(&data, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read bundle %s: %w", id, err)
	}
	var b core.Bundle
	if err := decodeVerified(data, checksum, &b); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", id, err)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBundles(ctx context.Context) ([]*core.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, checksum FROM bundles ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	defer rows.Close()

	var out []*core.Bundle
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, err
		}
		var b core.Bundle
		if err := decodeVerified(data, checksum, &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBundle(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bundle %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertBars(ctx context.Context, key core.ContractKey, bars []core.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO price_bars (contract_key, bar_day, data, checksum) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		data, checksum, err := encodeChecksummed(b)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, key.String(), dayKey(b.Time).Unix(), data, checksum); err != nil {
			return fmt.Errorf("failed to write bar: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) BarsSince(ctx context.Context, key core.ContractKey, since time.Time) ([]core.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM price_bars WHERE contract_key = ? AND bar_day > ? ORDER BY bar_day`,
		key.String(), since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		var data string
		var checksum []byte
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, err
		}
		var b core.Bar
		if err := decodeVerified(data, checksum, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestBarDate(ctx context.Context, key core.ContractKey) (*time.Time, error) {
	var day sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(bar_day) FROM price_bars WHERE contract_key = ?`, key.String()).Scan(&day)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest bar: %w", err)
	}
	if !day.Valid {
		return nil, nil
	}
	t := time.Unix(day.Int64, 0).UTC()
	return &t, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeChecksummed(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal: %w", err)
	}
	checksum := sha256.Sum256(data)
	return string(data), checksum[:], nil
}

func decodeVerified(data string, storedChecksum []byte, v any) error {
	computed := sha256.Sum256([]byte(data))
	if !bytes.Equal(storedChecksum, computed[:]) {
		return fmt.Errorf("checksum verification failed: data corruption detected")
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}
