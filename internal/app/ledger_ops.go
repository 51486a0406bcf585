package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"position_ledger/internal/contract"
	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	"position_ledger/internal/ledger"
	"position_ledger/internal/marketdata"
)

// RejectedFill is a raw execution that could not be converted into a fill
type RejectedFill struct {
	ExecID  string `json:"exec_id"`
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// ImportReport is the ledger import result plus the rows rejected before it
type ImportReport struct {
	*ledger.ImportResult
	Rejected []RejectedFill `json:"rejected,omitempty"`
}

// DecodeExecutions reads a JSON array of gateway executions
func DecodeExecutions(r io.Reader) ([]gateway.ExecutionRow, error) {
	var rows []gateway.ExecutionRow
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return rows, nil
}

// ImportFills converts raw executions into fills and imports them. Rows that
// cannot be converted are reported, not imported. Live positions are
// re-linked to the ledger afterwards.
func (s *Service) ImportFills(ctx context.Context, raw []gateway.ExecutionRow) (*ImportReport, error) {
	fills := make([]core.Fill, 0, len(raw))
	var rejected []RejectedFill
	for _, row := range raw {
		f, err := row.ToFill()
		if err != nil {
			rejected = append(rejected, RejectedFill{ExecID: row.ExecID, OrderID: row.OrderID, Reason: err.Error()})
			continue
		}
		fills = append(fills, f)
	}
	if len(rejected) > 0 {
		s.logger.Warn("Rejected malformed executions", "count", len(rejected))
	}

	res, err := s.ledger.ImportFills(ctx, fills)
	if err != nil {
		return nil, err
	}
	s.refreshLinks(ctx)
	return &ImportReport{ImportResult: res, Rejected: rejected}, nil
}

// SyncExecutions requests the executions reported since the given time from
// the gateway and imports them
func (s *Service) SyncExecutions(ctx context.Context, since time.Time) (*ImportReport, error) {
	res, err := s.link.Call(ctx, gateway.KindExecutions, gateway.ExecutionsRequest{Account: s.cfg.Account, Since: since})
	if err != nil {
		return nil, fmt.Errorf("request executions: %w", err)
	}

	rows := make([]gateway.ExecutionRow, 0, len(res.Rows))
	for _, r := range res.Rows {
		row, ok := r.(gateway.ExecutionRow)
		if !ok {
			s.logger.Warn("Unexpected execution row", "type", fmt.Sprintf("%T", r))
			continue
		}
		rows = append(rows, row)
	}
	return s.ImportFills(ctx, rows)
}

// BundleRequest is the wire form of a bundle command. Positions are
// position key strings ("<contract key>|BUY" or "<contract key>|SELL").
type BundleRequest struct {
	Name      string   `json:"name"`
	Positions []string `json:"positions"`
}

// TagRequest is the wire form of a single-leg tag command
type TagRequest struct {
	Position string   `json:"position"`
	Tag      core.Tag `json:"tag"`
}

// CreateBundleFromRequest parses the request's position keys and creates the
// bundle. A malformed key fails the whole request.
func (s *Service) CreateBundleFromRequest(ctx context.Context, req BundleRequest) (*core.Bundle, error) {
	keys := make([]core.PositionKey, 0, len(req.Positions))
	for _, raw := range req.Positions {
		pk, err := contract.ParsePositionKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	return s.CreateBundle(ctx, req.Name, keys)
}

// TagFromRequest parses the request's position key and tags it
func (s *Service) TagFromRequest(ctx context.Context, req TagRequest) (*core.AggregatedOrder, error) {
	pk, err := contract.ParsePositionKey(req.Position)
	if err != nil {
		return nil, err
	}
	return s.TagSingle(ctx, pk, req.Tag)
}

// CreateBundle groups at least two OPEN positions under one bundle id
func (s *Service) CreateBundle(ctx context.Context, name string, keys []core.PositionKey) (*core.Bundle, error) {
	return s.ledger.CreateBundle(ctx, name, keys)
}

// TagSingle marks the OPEN order of key as plus or minus
func (s *Service) TagSingle(ctx context.Context, key core.PositionKey, tag core.Tag) (*core.AggregatedOrder, error) {
	return s.ledger.TagSingle(ctx, key, tag)
}

// ClearTag removes a single-leg tag
func (s *Service) ClearTag(ctx context.Context, key core.PositionKey) (*core.AggregatedOrder, error) {
	return s.ledger.ClearTag(ctx, key)
}

func (s *Service) GetBundle(ctx context.Context, id string) (*core.Bundle, error) {
	return s.ledger.GetBundle(ctx, id)
}

func (s *Service) ListBundles(ctx context.Context) ([]*core.Bundle, error) {
	return s.ledger.ListBundles(ctx)
}

// DeleteBundle dissolves a bundle and clears its members' tags
func (s *Service) DeleteBundle(ctx context.Context, id string) error {
	return s.ledger.DeleteBundle(ctx, id)
}

// GetAnalysisSummary returns the ledger-wide performance report
func (s *Service) GetAnalysisSummary(ctx context.Context) (*ledger.AnalysisSummary, error) {
	return s.ledger.Summary(ctx)
}

// Replay recomputes every order status from history and re-links the live
// positions
func (s *Service) Replay(ctx context.Context) ([]ledger.Transition, error) {
	transitions, err := s.ledger.Replay(ctx)
	if err != nil {
		return nil, err
	}
	s.refreshLinks(ctx)
	return transitions, nil
}

// History returns the cached daily bars of key after topping the cache up
// from the gateway
func (s *Service) History(ctx context.Context, key core.ContractKey) ([]core.Bar, error) {
	return s.history.History(ctx, key)
}

// HistoryBatch runs History for many contracts with bounded concurrency
func (s *Service) HistoryBatch(ctx context.Context, keys []core.ContractKey) map[core.ContractKey]marketdata.BatchResult {
	return s.history.HistoryBatch(ctx, keys)
}
