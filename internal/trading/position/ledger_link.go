package position

import (
	"context"

	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
)

// refreshLedgerLinkLocked looks up the ledger side of one position in the
// background. Must be called with m.mu held.
func (m *Manager) refreshLedgerLinkLocked(id positionID) {
	if m.ledger == nil || !m.running {
		return
	}
	t := m.positions[id]
	if t == nil || t.pos.Contract.IsUnknown() {
		return
	}
	key := t.pos.Contract
	ctx := m.runCtx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		orders, err := m.ledger.OpenOrders(ctx, key)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("Ledger lookup failed", "contract", key.String(), "error", err)
			}
			return
		}

		m.mu.Lock()
		t := m.positions[id]
		if t == nil || !m.running {
			m.mu.Unlock()
			return
		}
		applyLedger(&t.pos, orders)
		snapshot := m.snapshotLocked()
		m.mu.Unlock()

		m.broadcast(Update{Type: UpdatePositions, Positions: snapshot})
	}()
}

// RefreshLedger re-links every live position to the ledger. Call it after
// fills are imported.
func (m *Manager) RefreshLedger(ctx context.Context) error {
	if m.ledger == nil {
		return nil
	}

	m.mu.RLock()
	keys := make(map[positionID]core.ContractKey, len(m.positions))
	for id, t := range m.positions {
		if !t.pos.Contract.IsUnknown() {
			keys[id] = t.pos.Contract
		}
	}
	m.mu.RUnlock()

	found := make(map[positionID][]*core.AggregatedOrder, len(keys))
	for id, key := range keys {
		orders, err := m.ledger.OpenOrders(ctx, key)
		if err != nil {
			return err
		}
		found[id] = orders
	}

	m.mu.Lock()
	for id, orders := range found {
		if t := m.positions[id]; t != nil {
			applyLedger(&t.pos, orders)
		}
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if len(found) > 0 {
		m.broadcast(Update{Type: UpdatePositions, Positions: snapshot})
	}
	return nil
}

// applyLedger sets the ledger fields of pos from its OPEN orders
func applyLedger(pos *core.LivePosition, orders []*core.AggregatedOrder) {
	ids := make([]int64, 0, len(orders))
	net := decimal.Zero
	for _, o := range orders {
		ids = append(ids, o.OrderID)
		net = net.Add(o.SignedQuantity())
	}
	pos.LedgerOrderIDs = ids
	pos.LedgerQuantity = net
	pos.Reconciled = pos.Quantity.Equal(net)
}
