package ledger

import (
	"context"
	"testing"
	"time"

	"position_ledger/internal/core"
	"position_ledger/internal/store"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, now time.Time) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	l := New(st, logging.NewNop())
	l.SetClock(func() time.Time { return now })
	return l, st
}

func TestLedger_ImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, onDay(10))

	fills := []core.Fill{
		fill(1, stk, "5", "20", onDay(1)),
		fill(1, stk, "5", "22", onDay(1)),
		fill(2, stk, "-3", "25", onDay(2)),
	}

	first, err := l.ImportFills(ctx, fills)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, first.Imported)
	assert.Empty(t, first.Skipped)

	second, err := l.ImportFills(ctx, fills)
	require.NoError(t, err)
	assert.Empty(t, second.Imported)
	assert.ElementsMatch(t, []int64{1, 2}, second.Skipped)

	all, err := st.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	o, err := l.Order(ctx, 1)
	require.NoError(t, err)
	assert.True(t, o.WeightedAvgPrice.Equal(decimal.NewFromInt(21)))
	assert.Equal(t, core.SideBuy, o.Side)
}

func TestLedger_ImportRunsMatcher(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))

	var seen []Transition
	l.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	res, err := l.ImportFills(ctx, []core.Fill{
		fill(1, optX, "10", "2.00", onDay(1)),
		fill(2, optX, "-4", "2.50", onDay(2)),
		fill(3, optX, "-6", "2.60", onDay(3)),
	})
	require.NoError(t, err)
	assert.Len(t, res.Transitions, 3)
	assert.Len(t, seen, 3)

	a, err := l.Order(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, a.Status)
	require.NotNil(t, a.CloseDate)
	assert.True(t, a.CloseDate.Equal(onDay(3)))

	for _, id := range []int64{2, 3} {
		o, err := l.Order(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.StatusExpired, o.Status)
	}
}

func TestLedger_IncrementalImportCloses(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{fill(1, stk, "10", "20", onDay(1))})
	require.NoError(t, err)

	res, err := l.ImportFills(ctx, []core.Fill{fill(2, stk, "-10", "21", onDay(2))})
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, int64(1), res.Transitions[0].OrderID)
	assert.Equal(t, core.StatusClosed, res.Transitions[0].To)
}

func TestLedger_BackfilledOrderMatchesLikeReplay(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{
		fill(1, stk, "10", "20", onDay(1)),
		fill(2, stk, "-4", "21", onDay(3)),
		fill(3, stk, "-6", "22", onDay(4)),
	})
	require.NoError(t, err)

	// an older buy arriving late must not close against sells order 1 used
	_, err = l.ImportFills(ctx, []core.Fill{fill(4, stk, "5", "19", onDay(2))})
	require.NoError(t, err)

	statuses := func() map[int64]core.OrderStatus {
		out := make(map[int64]core.OrderStatus)
		for id := int64(1); id <= 4; id++ {
			o, err := l.Order(ctx, id)
			require.NoError(t, err)
			out[id] = o.Status
		}
		return out
	}
	incremental := statuses()
	assert.Equal(t, core.StatusClosed, incremental[1])
	assert.Equal(t, core.StatusOpen, incremental[4])

	transitions, err := l.Replay(ctx)
	require.NoError(t, err)
	assert.Empty(t, transitions)
	assert.Equal(t, incremental, statuses())
}

func TestLedger_BundleClosesWhenAllMembersClose(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{
		fill(1, optX, "2", "3.00", onDay(1)),
		fill(2, optY, "-2", "1.00", onDay(1)),
	})
	require.NoError(t, err)

	b, err := l.CreateBundle(ctx, "hedge", []core.PositionKey{
		{Contract: optX, Side: core.SideBuy},
		{Contract: optY, Side: core.SideSell},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, core.StatusOpen, b.Status)
	assert.True(t, b.TotalQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, b.AvgPrice.Equal(decimal.NewFromInt(2)), b.AvgPrice.String())

	member, err := l.Order(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.TagBundle, member.Tag)
	assert.Equal(t, b.ID, member.BundleID)

	// close the first leg only
	_, err = l.ImportFills(ctx, []core.Fill{fill(3, optX, "-2", "3.50", onDay(2))})
	require.NoError(t, err)
	got, err := l.GetBundle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusOpen, got.Status)

	// close the second leg
	_, err = l.ImportFills(ctx, []core.Fill{fill(4, optY, "2", "0.50", onDay(3))})
	require.NoError(t, err)
	got, err = l.GetBundle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, got.Status)
}

func TestLedger_BundleRequiresTwoMembers(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{fill(1, optX, "2", "3.00", onDay(1))})
	require.NoError(t, err)

	_, err = l.CreateBundle(ctx, "lonely", []core.PositionKey{
		{Contract: optX, Side: core.SideBuy},
		{Contract: optX, Side: core.SideBuy},
		{Contract: optY, Side: core.SideSell},
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientMembers)

	bundles, err := l.ListBundles(ctx)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestLedger_DeleteBundle(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{
		fill(1, optX, "2", "3.00", onDay(1)),
		fill(2, optX, "3", "3.00", onDay(2)),
	})
	require.NoError(t, err)

	b, err := l.CreateBundle(ctx, "ladder", []core.PositionKey{
		{Contract: optX, Side: core.SideBuy},
		{Contract: optX, Side: core.SideBuy},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, b.MemberOrderIDs)

	require.NoError(t, l.DeleteBundle(ctx, b.ID))
	assert.ErrorIs(t, l.DeleteBundle(ctx, b.ID), apperrors.ErrBundleNotFound)
	_, err = l.GetBundle(ctx, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrBundleNotFound)

	o, err := l.Order(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, core.TagNone, o.Tag)
	assert.Empty(t, o.BundleID)
}

func TestLedger_TagSingle(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{fill(1, optX, "2", "3.00", onDay(1))})
	require.NoError(t, err)
	key := core.PositionKey{Contract: optX, Side: core.SideBuy}

	o, err := l.TagSingle(ctx, key, core.TagPlus)
	require.NoError(t, err)
	assert.Equal(t, core.TagPlus, o.Tag)

	_, err = l.TagSingle(ctx, key, core.TagBundle)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTag)

	_, err = l.TagSingle(ctx, core.PositionKey{Contract: optX, Side: core.SideSell}, core.TagMinus)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)

	_, err = l.TagSingle(ctx, core.PositionKey{Contract: core.UnknownContract, Side: core.SideBuy}, core.TagMinus)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)

	cleared, err := l.ClearTag(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, core.TagNone, cleared.Tag)

	_, err = l.ClearTag(ctx, key)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestLedger_ReplayRestoresPureState(t *testing.T) {
	ctx := context.Background()
	l, st := newTestLedger(t, onDay(10))

	_, err := l.ImportFills(ctx, []core.Fill{
		fill(1, stk, "10", "20", onDay(1)),
		fill(2, stk, "-10", "21", onDay(2)),
	})
	require.NoError(t, err)

	// corrupt a status behind the ledger's back
	o, err := st.FindOrder(ctx, 1)
	require.NoError(t, err)
	o.Status = core.StatusOpen
	o.CloseDate = nil
	require.NoError(t, st.UpsertOrder(ctx, o))

	transitions, err := l.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, transitions, 1)

	o, err = l.Order(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, o.Status)
}

func TestLedger_Summary(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, onDay(10))

	win := fill(2, stk, "-10", "25", onDay(2))
	win.RealizedPnL = decimal.NewNullDecimal(decimal.NewFromInt(50))
	win.Commission = decimal.NewFromInt(1)
	open := fill(3, optY, "2", "1.50", onDay(3))
	open.Commission = decimal.RequireFromString("2.60")

	_, err := l.ImportFills(ctx, []core.Fill{
		fill(1, stk, "10", "20", onDay(1)),
		win,
		open,
	})
	require.NoError(t, err)

	s, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalOrders)
	assert.Equal(t, 2, s.OrdersByStatus[core.StatusOpen])
	assert.Equal(t, 1, s.OrdersByStatus[core.StatusClosed])
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 0, s.Losses)
	assert.True(t, s.WinRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, s.TotalRealizedPnL.Equal(decimal.NewFromInt(50)))
	assert.True(t, s.TotalCommission.Equal(decimal.RequireFromString("3.6")))
	assert.True(t, s.PnLByUnderlying["AAPL"].Equal(decimal.NewFromInt(50)))

	require.Len(t, s.OpenPositions, 2)
	var optPos *OpenPosition
	for i := range s.OpenPositions {
		if s.OpenPositions[i].Order.OrderID == 3 {
			optPos = &s.OpenPositions[i]
		}
	}
	require.NotNil(t, optPos)
	// 1.50 + 2.60 / (2 * 100)
	assert.True(t, optPos.BreakEven.Equal(decimal.RequireFromString("1.513")), optPos.BreakEven.String())
}

func TestBreakEven_Sell(t *testing.T) {
	o := order(1, stk, core.SideSell, 10, onDay(1))
	o.WeightedAvgPrice = decimal.NewFromInt(20)
	o.TotalCommission = decimal.NewFromInt(2)
	assert.True(t, BreakEven(o).Equal(decimal.RequireFromString("19.8")))
}
