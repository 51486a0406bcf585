package ledger

import (
	"testing"
	"time"

	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func order(id int64, key core.ContractKey, side core.Side, qty int64, at time.Time) *core.AggregatedOrder {
	return &core.AggregatedOrder{
		OrderID:          id,
		Contract:         key,
		Side:             side,
		TotalQuantity:    decimal.NewFromInt(qty),
		WeightedAvgPrice: decimal.NewFromInt(1),
		TradeDate:        at,
		Status:           core.StatusOpen,
	}
}

func TestMatch_FIFOCloseAndExpiry(t *testing.T) {
	a := order(1, optX, core.SideBuy, 10, onDay(1))
	b := order(2, optX, core.SideSell, 4, onDay(2))
	c := order(3, optX, core.SideSell, 6, onDay(3))

	// optX expires 2025-01-17
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	transitions := Match([]*core.AggregatedOrder{c, a, b}, now)

	assert.Equal(t, core.StatusClosed, a.Status)
	require.NotNil(t, a.CloseDate)
	assert.True(t, a.CloseDate.Equal(onDay(3)), "closed by the candidate that completed it")

	expiry := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	for _, o := range []*core.AggregatedOrder{b, c} {
		assert.Equal(t, core.StatusExpired, o.Status, "order %d", o.OrderID)
		require.NotNil(t, o.CloseDate)
		assert.True(t, o.CloseDate.Equal(expiry))
	}
	assert.Len(t, transitions, 3)
	assert.Equal(t, int64(1), transitions[0].OrderID)
}

func TestMatch_BeforeExpiryStaysOpen(t *testing.T) {
	a := order(1, optX, core.SideBuy, 10, onDay(1))
	b := order(2, optX, core.SideSell, 4, onDay(2))

	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	transitions := Match([]*core.AggregatedOrder{a, b}, now)

	assert.Empty(t, transitions)
	assert.Equal(t, core.StatusOpen, a.Status)
	assert.Equal(t, core.StatusOpen, b.Status)
}

func TestMatch_ExpiryDayIsStillLive(t *testing.T) {
	a := order(1, optX, core.SideBuy, 1, onDay(1))
	now := time.Date(2025, 1, 17, 20, 0, 0, 0, time.UTC)

	Match([]*core.AggregatedOrder{a}, now)
	assert.Equal(t, core.StatusOpen, a.Status)

	Match([]*core.AggregatedOrder{a}, now.Add(24*time.Hour))
	assert.Equal(t, core.StatusExpired, a.Status)
}

func TestMatch_IgnoresOlderCandidates(t *testing.T) {
	sell := order(1, stk, core.SideSell, 5, onDay(1))
	buy := order(2, stk, core.SideBuy, 5, onDay(2))

	Match([]*core.AggregatedOrder{sell, buy}, onDay(5))

	assert.Equal(t, core.StatusClosed, sell.Status, "sell closes against the later buy")
	assert.Equal(t, core.StatusOpen, buy.Status, "buy has no later sell")
}

func TestMatch_CandidateQuantityIsNotReused(t *testing.T) {
	a1 := order(1, stk, core.SideBuy, 5, onDay(1))
	a2 := order(2, stk, core.SideBuy, 5, onDay(1))
	s := order(3, stk, core.SideSell, 5, onDay(2))

	Match([]*core.AggregatedOrder{a1, a2, s}, onDay(5))

	assert.Equal(t, core.StatusClosed, a1.Status)
	assert.Equal(t, core.StatusOpen, a2.Status)
}

func TestMatch_SeparatesContractsAndUnknown(t *testing.T) {
	a := order(1, optX, core.SideBuy, 1, onDay(1))
	b := order(2, optY, core.SideSell, 1, onDay(2))
	u1 := order(3, core.UnknownContract, core.SideBuy, 1, onDay(1))
	u2 := order(4, core.UnknownContract, core.SideSell, 1, onDay(2))

	Match([]*core.AggregatedOrder{a, b, u1, u2}, onDay(5))

	for _, o := range []*core.AggregatedOrder{a, b, u1, u2} {
		assert.Equal(t, core.StatusOpen, o.Status, "order %d", o.OrderID)
	}
}

func TestMatch_Idempotent(t *testing.T) {
	orders := []*core.AggregatedOrder{
		order(1, optX, core.SideBuy, 10, onDay(1)),
		order(2, optX, core.SideSell, 10, onDay(2)),
	}
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	first := Match(orders, now)
	second := Match(orders, now)

	assert.NotEmpty(t, first)
	assert.Empty(t, second)
}

func TestReplay_RecomputesFromHistory(t *testing.T) {
	a := order(1, stk, core.SideBuy, 10, onDay(1))
	b := order(2, stk, core.SideSell, 10, onDay(2))

	// a stale status written by an earlier run
	stale := onDay(9)
	b.Status = core.StatusClosed
	b.CloseDate = &stale

	transitions := Replay([]*core.AggregatedOrder{a, b}, onDay(10))

	assert.Equal(t, core.StatusClosed, a.Status)
	assert.Equal(t, core.StatusOpen, b.Status)
	assert.Len(t, transitions, 2)

	again := Replay([]*core.AggregatedOrder{a, b}, onDay(10))
	assert.Empty(t, again)
}
