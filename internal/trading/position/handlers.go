package position

import (
	"time"

	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	apperrors "position_ledger/pkg/errors"

	"github.com/shopspring/decimal"
)

// handlePositionEvent consumes the position stream
func (m *Manager) handlePositionEvent(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventRow, gateway.EventTick:
		row, ok := ev.Payload.(gateway.PositionRow)
		if !ok {
			m.logger.Warn("Unexpected position payload", "req_id", ev.ReqID)
			return
		}
		m.applyPositionRow(row)
	case gateway.EventEnd:
		m.mu.RLock()
		n := len(m.positions)
		m.mu.RUnlock()
		m.logger.Debug("Position snapshot complete", "positions", n)
	case gateway.EventError:
		m.handleSubscriptionError("", ev.Err)
	case gateway.EventDisconnected:
		m.markStale()
	}
}

func (m *Manager) applyPositionRow(row gateway.PositionRow) {
	key := row.Key()
	id := idFor(row.Account, row.Contract.ConID, key)
	if key.IsUnknown() {
		m.logger.Warn("Position with unresolved contract", "con_id", row.Contract.ConID, "local_symbol", row.Contract.LocalSymbol)
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	t, exists := m.positions[id]

	if row.Position.IsZero() {
		if !exists {
			m.mu.Unlock()
			return
		}
		sub := t.sub
		if sub != nil {
			delete(m.bySubID, sub.ID())
		}
		delete(m.positions, id)
		m.metrics.RemoveUnrealizedPnL(key.String())
		m.updateGauges()
		snapshot := m.snapshotLocked()
		ctx := m.runCtx
		m.mu.Unlock()

		if sub != nil {
			if err := sub.Cancel(ctx); err != nil {
				m.logger.Warn("Failed to cancel PnL subscription", "contract", key.String(), "req_id", sub.ID(), "error", err)
			}
		}
		m.logger.Info("Position closed", "contract", key.String())
		m.broadcast(Update{Type: UpdatePositions, Positions: snapshot})
		return
	}

	if !exists {
		t = &tracked{pos: core.LivePosition{
			Account:  row.Account,
			Contract: key,
			ConID:    row.Contract.ConID,
		}}
		m.positions[id] = t
		m.logger.Info("Position opened", "contract", key.String(), "quantity", row.Position.String())
	}
	qtyChanged := !t.pos.Quantity.Equal(row.Position)
	t.pos.Quantity = row.Position
	t.pos.AvgCost = row.AvgCost
	t.pos.DerivedMark = derivedMark(t.pos.MarketValue, t.pos.Quantity, key)
	t.pos.UpdatedAt = time.Now()
	m.updateGauges()

	if m.accountSub == nil || (t.sub == nil && !t.subBusy && t.pos.ConID != 0) {
		m.scheduleRoundLocked()
	}
	if qtyChanged {
		m.refreshLedgerLinkLocked(id)
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.broadcast(Update{Type: UpdatePositions, Positions: snapshot})
}

// handleSinglePnL consumes a per-position PnL subscription. Ticks are routed
// by subscription request id.
func (m *Manager) handleSinglePnL(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventTick, gateway.EventValue, gateway.EventRow:
		tick, ok := ev.Payload.(gateway.PnLTick)
		if !ok {
			m.logger.Warn("Unexpected PnL payload", "req_id", ev.ReqID)
			return
		}

		m.mu.Lock()
		id, ok := m.bySubID[ev.ReqID]
		t := m.positions[id]
		if !ok || t == nil {
			m.mu.Unlock()
			m.logger.Debug("PnL tick for untracked subscription", "req_id", ev.ReqID)
			return
		}
		applyTick(&t.pos, tick)
		pos := clonePosition(t.pos)
		m.mu.Unlock()

		if pos.UnrealizedPnL.Valid {
			m.metrics.SetUnrealizedPnL(pos.Contract.String(), pos.UnrealizedPnL.Decimal.InexactFloat64())
		}
		m.broadcast(Update{Type: UpdatePnL, Position: &pos})

	case gateway.EventError:
		m.mu.RLock()
		id := m.bySubID[ev.ReqID]
		var key string
		if t := m.positions[id]; t != nil {
			key = t.pos.Contract.String()
		}
		m.mu.RUnlock()
		m.handleSubscriptionError(key, ev.Err)

	case gateway.EventDisconnected:
		m.markStale()
	}
}

// handleAccountPnL consumes the account level PnL subscription
func (m *Manager) handleAccountPnL(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventTick, gateway.EventValue, gateway.EventRow:
		tick, ok := ev.Payload.(gateway.PnLTick)
		if !ok {
			m.logger.Warn("Unexpected account PnL payload", "req_id", ev.ReqID)
			return
		}

		m.mu.Lock()
		m.account.DailyPnL = gateway.NullDecimal(tick.DailyPnL)
		m.account.UnrealizedPnL = gateway.NullDecimal(tick.UnrealizedPnL)
		m.account.RealizedPnL = gateway.NullDecimal(tick.RealizedPnL)
		m.account.MarketOpen = isMarketOpen(m.account.DailyPnL)
		m.account.UpdatedAt = time.Now()
		account := m.account
		m.mu.Unlock()

		if account.DailyPnL.Valid {
			m.metrics.SetDailyPnL(account.Account, account.DailyPnL.Decimal.InexactFloat64())
		}
		m.broadcast(Update{Type: UpdatePnL, Account: &account})

	case gateway.EventError:
		m.handleSubscriptionError("account", ev.Err)

	case gateway.EventDisconnected:
		m.markStale()
	}
}

// handleSubscriptionError swallows permission errors after logging them once
// per contract. Connection level codes are reported through
// handleConnectionError by the correlator.
func (m *Manager) handleSubscriptionError(contract string, ge *apperrors.GatewayError) {
	if ge == nil {
		return
	}
	switch {
	case apperrors.IsPermissionCode(ge.Code):
		m.mu.Lock()
		logged := m.permissionLogged[contract]
		m.permissionLogged[contract] = true
		m.mu.Unlock()
		if !logged {
			m.logger.Warn("No PnL permission for contract", "contract", contract, "code", ge.Code, "msg", ge.Message)
		}
	case apperrors.IsConnectionCode(ge.Code):
		m.logger.Debug("Subscription saw connection error", "contract", contract, "code", ge.Code)
	default:
		m.logger.Warn("Subscription error", "contract", contract, "req_id", ge.ReqID, "code", ge.Code, "msg", ge.Message)
	}
}

// handleConnectionError relays connection loss to listeners. Nothing is
// retried; reconnecting is up to the caller.
func (m *Manager) handleConnectionError(ge *apperrors.GatewayError) {
	m.logger.Error("Gateway connection error", "code", ge.Code, "msg", ge.Message)
	m.broadcast(Update{Type: UpdateConnectionError, Err: ge})
}

// markStale drops every subscription reference after a disconnect so the
// next Start subscribes afresh
func (m *Manager) markStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	for _, t := range m.positions {
		t.sub = nil
	}
	m.bySubID = make(map[int64]positionID)
	m.accountSub = nil
	m.positionsSub = nil
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	m.running = false
	m.cancelRun()
	m.updateGauges()
}

func applyTick(pos *core.LivePosition, tick gateway.PnLTick) {
	pos.DailyPnL = gateway.NullDecimal(tick.DailyPnL)
	pos.UnrealizedPnL = gateway.NullDecimal(tick.UnrealizedPnL)
	pos.RealizedPnL = gateway.NullDecimal(tick.RealizedPnL)
	pos.MarketValue = gateway.NullDecimal(tick.Value)
	pos.DerivedMark = derivedMark(pos.MarketValue, pos.Quantity, pos.Contract)
	pos.UpdatedAt = time.Now()
}

// derivedMark is |value| / (|quantity| * multiplier)
func derivedMark(value decimal.NullDecimal, qty decimal.Decimal, key core.ContractKey) decimal.NullDecimal {
	if !value.Valid || qty.IsZero() {
		return decimal.NullDecimal{}
	}
	units := qty.Abs().Mul(key.Multiplier())
	return decimal.NewNullDecimal(value.Decimal.Abs().Div(units))
}

// isMarketOpen treats a nonzero account daily PnL as a live market
func isMarketOpen(daily decimal.NullDecimal) bool {
	return daily.Valid && !daily.Decimal.IsZero()
}
