package position

import (
	"time"

	"position_ledger/internal/gateway"
)

// scheduleRoundLocked arms the settle timer. Rows arriving while it is armed
// join the same round. Must be called with m.mu held.
func (m *Manager) scheduleRoundLocked() {
	if m.settleTimer != nil || !m.running {
		return
	}
	m.settleTimer = time.AfterFunc(m.cfg.SettleDelay, m.runRound)
}

// runRound subscribes account PnL once and PnL for every position that has
// no subscription yet, pacing the per-contract calls.
func (m *Manager) runRound() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.settleTimer = nil
	ctx := m.runCtx
	m.wg.Add(1)
	defer m.wg.Done()

	if m.accountSub == nil {
		sub, err := m.gw.Subscribe(ctx, gateway.KindAccountPnL, gateway.AccountPnLRequest{
			Account:   m.cfg.Account,
			ModelCode: m.cfg.ModelCode,
		}, m.handleAccountPnL)
		if err != nil {
			m.logger.Warn("Failed to subscribe account PnL", "error", err)
		} else {
			m.accountSub = sub
		}
	}

	var pending []positionID
	for id, t := range m.positions {
		if t.sub != nil || t.subBusy {
			continue
		}
		if t.pos.ConID == 0 {
			m.logger.Debug("No contract id, skipping PnL subscription", "contract", t.pos.Contract.String())
			continue
		}
		t.subBusy = true
		pending = append(pending, id)
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	m.logger.Debug("Subscription round", "contracts", len(pending))

	for i, id := range pending {
		if err := m.limiter.Wait(ctx); err != nil {
			m.releaseBusy(pending[i:])
			return
		}
		m.subscribeSingle(id)
	}
}

// subscribeSingle holds m.mu across Subscribe so the first tick cannot be
// dispatched before its request id is registered
func (m *Manager) subscribeSingle(id positionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.positions[id]
	if !m.running || t == nil {
		return
	}
	t.subBusy = false
	if t.sub != nil {
		return
	}

	account := t.pos.Account
	if account == "" {
		account = m.cfg.Account
	}
	sub, err := m.gw.Subscribe(m.runCtx, gateway.KindSinglePnL, gateway.SinglePnLRequest{
		Account:   account,
		ConID:     t.pos.ConID,
		ModelCode: m.cfg.ModelCode,
	}, m.handleSinglePnL)
	if err != nil {
		m.logger.Warn("Failed to subscribe position PnL", "contract", t.pos.Contract.String(), "error", err)
		return
	}
	t.sub = sub
	m.bySubID[sub.ID()] = id
	m.updateGauges()
	m.logger.Debug("Subscribed position PnL", "contract", t.pos.Contract.String(), "req_id", sub.ID())
}

func (m *Manager) releaseBusy(ids []positionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t := m.positions[id]; t != nil {
			t.subBusy = false
		}
	}
}
