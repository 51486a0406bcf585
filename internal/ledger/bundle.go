package ledger

import (
	"context"
	"errors"
	"fmt"

	"position_ledger/internal/core"
	"position_ledger/internal/store"
	apperrors "position_ledger/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateBundle resolves each position key to the oldest OPEN order of that
// contract and side not already in a bundle, and groups the resolved orders
// under a new bundle id. Keys that resolve to nothing are skipped; fewer than
// two resolved orders fails with ErrInsufficientMembers.
func (l *Ledger) CreateBundle(ctx context.Context, name string, keys []core.PositionKey) (*core.Bundle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	taken := make(map[int64]bool)
	var members []*core.AggregatedOrder
	for _, key := range keys {
		o, err := l.resolvePosition(ctx, key, func(o *core.AggregatedOrder) bool {
			return o.BundleID == "" && !taken[o.OrderID]
		})
		if err != nil {
			if errors.Is(err, apperrors.ErrPositionNotFound) {
				l.logger.Warn("Bundle member did not resolve", "position", key.String())
				continue
			}
			return nil, err
		}
		taken[o.OrderID] = true
		members = append(members, o)
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("bundle %q resolved %d of %d positions: %w",
			name, len(members), len(keys), apperrors.ErrInsufficientMembers)
	}

	bundle := &core.Bundle{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: l.now().UTC(),
	}
	for _, o := range members {
		o.Tag = core.TagBundle
		o.BundleID = bundle.ID
		bundle.MemberOrderIDs = append(bundle.MemberOrderIDs, o.OrderID)
	}
	summarizeBundle(bundle, members)

	if err := l.store.BulkUpsertOrders(ctx, members); err != nil {
		return nil, fmt.Errorf("tag bundle members: %w", err)
	}
	if err := l.store.UpsertBundle(ctx, bundle); err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	l.logger.Info("Bundle created",
		"bundle_id", bundle.ID,
		"name", name,
		"members", bundle.MemberOrderIDs)
	return bundle, nil
}

// TagSingle marks the oldest unbundled OPEN order of a position with a
// single-leg tag
func (l *Ledger) TagSingle(ctx context.Context, key core.PositionKey, tag core.Tag) (*core.AggregatedOrder, error) {
	if !tag.IsSingleLeg() {
		return nil, fmt.Errorf("tag %q: %w", tag, apperrors.ErrInvalidTag)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.resolvePosition(ctx, key, func(o *core.AggregatedOrder) bool { return o.BundleID == "" })
	if err != nil {
		return nil, err
	}
	o.Tag = tag
	if err := l.store.UpsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("store tag: %w", err)
	}
	l.logger.Info("Position tagged", "order_id", o.OrderID, "position", key.String(), "tag", tag)
	return o, nil
}

// ClearTag removes a single-leg tag from the oldest OPEN order of a position
// that carries one
func (l *Ledger) ClearTag(ctx context.Context, key core.PositionKey) (*core.AggregatedOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.resolvePosition(ctx, key, func(o *core.AggregatedOrder) bool { return o.Tag.IsSingleLeg() })
	if err != nil {
		return nil, err
	}
	o.Tag = core.TagNone
	if err := l.store.UpsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("store tag: %w", err)
	}
	l.logger.Info("Position tag cleared", "order_id", o.OrderID, "position", key.String())
	return o, nil
}

// GetBundle returns one bundle
func (l *Ledger) GetBundle(ctx context.Context, id string) (*core.Bundle, error) {
	b, err := l.store.GetBundle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("bundle %s: %w", id, apperrors.ErrBundleNotFound)
	}
	return b, err
}

// ListBundles returns every bundle, oldest first
func (l *Ledger) ListBundles(ctx context.Context) ([]*core.Bundle, error) {
	return l.store.ListBundles(ctx)
}

// DeleteBundle dissolves a bundle and clears the bundle tag from its members
func (l *Ledger) DeleteBundle(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.store.GetBundle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("bundle %s: %w", id, apperrors.ErrBundleNotFound)
	}
	if err != nil {
		return err
	}

	var members []*core.AggregatedOrder
	for _, orderID := range b.MemberOrderIDs {
		o, err := l.store.FindOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load bundle member %d: %w", orderID, err)
		}
		if o.BundleID != id {
			continue
		}
		o.BundleID = ""
		o.Tag = core.TagNone
		members = append(members, o)
	}
	if err := l.store.BulkUpsertOrders(ctx, members); err != nil {
		return fmt.Errorf("untag bundle members: %w", err)
	}
	if err := l.store.DeleteBundle(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("bundle %s: %w", id, apperrors.ErrBundleNotFound)
		}
		return err
	}
	l.logger.Info("Bundle deleted", "bundle_id", id, "members", len(members))
	return nil
}

// refreshBundle recomputes the status and totals of a bundle from its
// current member orders
func (l *Ledger) refreshBundle(ctx context.Context, id string) error {
	b, err := l.store.GetBundle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load bundle %s: %w", id, err)
	}

	members := make([]*core.AggregatedOrder, 0, len(b.MemberOrderIDs))
	for _, orderID := range b.MemberOrderIDs {
		o, err := l.store.FindOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load bundle member %d: %w", orderID, err)
		}
		members = append(members, o)
	}

	prev := b.Status
	summarizeBundle(b, members)
	if err := l.store.UpsertBundle(ctx, b); err != nil {
		return fmt.Errorf("store bundle %s: %w", id, err)
	}
	if prev != b.Status {
		l.logger.Info("Bundle status changed", "bundle_id", id, "from", prev, "to", b.Status)
	}
	return nil
}

// resolvePosition finds the oldest OPEN order of a contract and side that
// passes accept
func (l *Ledger) resolvePosition(ctx context.Context, key core.PositionKey, accept func(*core.AggregatedOrder) bool) (*core.AggregatedOrder, error) {
	if key.Contract.IsUnknown() {
		return nil, fmt.Errorf("position %s: %w", key, apperrors.ErrPositionNotFound)
	}
	open, err := l.store.OrdersByContract(ctx, key.Contract, core.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("load open orders for %s: %w", key.Contract, err)
	}
	for _, o := range open {
		if o.Side == key.Side && accept(o) {
			return o, nil
		}
	}
	return nil, fmt.Errorf("position %s: %w", key, apperrors.ErrPositionNotFound)
}

// summarizeBundle sets the aggregate totals and derived status of a bundle.
// The bundle is CLOSED only once every member is CLOSED or EXPIRED.
func summarizeBundle(b *core.Bundle, members []*core.AggregatedOrder) {
	var qty, cost, pnl decimal.Decimal
	closed := len(members) > 0
	for _, o := range members {
		qty = qty.Add(o.TotalQuantity)
		cost = cost.Add(o.Cost())
		if o.TotalRealizedPnL.Valid {
			pnl = pnl.Add(o.TotalRealizedPnL.Decimal)
		}
		if !o.Status.IsTerminal() {
			closed = false
		}
	}

	b.TotalQuantity = qty
	b.TotalRealizedPnL = pnl
	b.AvgPrice = decimal.Zero
	if !qty.IsZero() {
		b.AvgPrice = cost.Div(qty)
	}
	b.Status = core.StatusOpen
	if closed {
		b.Status = core.StatusClosed
	}
}
