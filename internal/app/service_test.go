package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"position_ledger/internal/contract"
	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	"position_ledger/internal/mock"
	"position_ledger/internal/store"
	"position_ledger/internal/trading/position"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/liveserver"
	"position_ledger/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	testifymock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	spyPut540 = contract.Descriptor{ConID: 101, Symbol: "SPY", SecType: "OPT", LastTradeDate: "20250718", Strike: 540, Right: "P"}
	spyPut530 = contract.Descriptor{ConID: 102, Symbol: "SPY", SecType: "OPT", LastTradeDate: "250718", Strike: 530, Right: "P"}
	today     = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
)

type published struct {
	Type string
	Data any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(msgType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{Type: msgType, Data: data})
}

func (p *recordingPublisher) ofType(msgType string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type mockAlerter struct {
	testifymock.Mock
}

func (m *mockAlerter) ConnectionLost(ctx context.Context, code int, message string) bool {
	return m.Called(ctx, code, message).Bool(0)
}

type harness struct {
	svc      *Service
	pub      *recordingPublisher
	alerter  *mockAlerter
	mu       sync.Mutex
	gateways []*mock.Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{pub: &recordingPublisher{}, alerter: &mockAlerter{}}

	dial := func(context.Context) (gateway.Conn, error) {
		gw := mock.NewGateway()
		h.mu.Lock()
		h.gateways = append(h.gateways, gw)
		h.mu.Unlock()
		return gw, nil
	}

	h.svc = NewService(Config{
		Account: "DU123",
		Position: position.Config{
			SettleDelay:     10 * time.Millisecond,
			SubscribePacing: time.Millisecond,
		},
	}, dial, store.NewMemoryStore(), h.pub, h.alerter, logging.NewNop(), noop.NewMeterProvider().Meter("test"))
	h.svc.SetClock(func() time.Time { return today })

	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = h.svc.Run(ctx)
	})
	return h
}

func (h *harness) gw(t *testing.T) *mock.Gateway {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.gateways)
	return h.gateways[len(h.gateways)-1]
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.gateways)
}

func (h *harness) pushPosition(t *testing.T, d contract.Descriptor, qty int64) {
	t.Helper()
	gw := h.gw(t)
	sent := gw.SentOfKind(gateway.KindPositions)
	require.NotEmpty(t, sent)
	gw.PushRow(sent[len(sent)-1].ID, gateway.PositionRow{
		Account:  "DU123",
		Contract: d,
		Position: decimal.NewFromInt(qty),
		AvgCost:  decimal.NewFromInt(150),
	})
}

func execution(execID string, orderID int64, d contract.Descriptor, side string, shares, price string) gateway.ExecutionRow {
	return gateway.ExecutionRow{
		ExecID:     execID,
		OrderID:    orderID,
		Account:    "DU123",
		Contract:   d,
		Side:       side,
		Shares:     decimal.RequireFromString(shares),
		Price:      decimal.RequireFromString(price),
		Time:       "20250602 10:00:00",
		Commission: decimal.RequireFromString("1.30"),
	}
}

func TestStartMonitoring_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.StartMonitoring(ctx))
	require.NoError(t, h.svc.StartMonitoring(ctx))

	assert.Equal(t, 1, h.dials())
	assert.Len(t, h.gw(t).SentOfKind(gateway.KindPositions), 1)
	assert.True(t, h.svc.IsMonitoring())

	started := h.pub.ofType(liveserver.TypeMonitoringStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "DU123", started[0].Data.(liveserver.MonitoringData).Account)
}

func TestPositionChangesArePublished(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	h.pushPosition(t, spyPut540, -2)

	require.Eventually(t, func() bool {
		return len(h.pub.ofType(liveserver.TypePositionsUpdated)) > 0
	}, waitFor, tick)

	msgs := h.pub.ofType(liveserver.TypePositionsUpdated)
	positions := msgs[len(msgs)-1].Data.([]core.LivePosition)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(-2)))
	assert.Len(t, h.svc.GetCurrentPositions(), 1)
}

func TestStopMonitoring_CancelsAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartMonitoring(ctx))
	gw := h.gw(t)
	positionsID := gw.SentOfKind(gateway.KindPositions)[0].ID

	h.pushPosition(t, spyPut540, -2)
	require.Eventually(t, func() bool { return len(h.svc.GetCurrentPositions()) == 1 }, waitFor, tick)

	require.NoError(t, h.svc.StopMonitoring(ctx))
	require.NoError(t, h.svc.StopMonitoring(ctx))

	assert.Equal(t, 1, gw.CancelCount(positionsID))
	assert.False(t, h.svc.IsMonitoring())
	assert.Empty(t, h.svc.GetCurrentPositions())

	stopped := h.pub.ofType(liveserver.TypeMonitoringStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, 1, stopped[0].Data.(liveserver.MonitoringData).Positions)

	// a deliberate stop is not a connection error
	assert.Empty(t, h.pub.ofType(liveserver.TypeConnectionError))
	h.alerter.AssertNotCalled(t, "ConnectionLost", testifymock.Anything, testifymock.Anything, testifymock.Anything)
}

func TestConnectionErrorAlertsAndRestartRedials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.alerter.On("ConnectionLost", testifymock.Anything, 504, "socket closed").Return(true).Once()

	require.NoError(t, h.svc.StartMonitoring(ctx))
	h.gw(t).PushError(-1, 504, "socket closed")

	require.Eventually(t, func() bool {
		return len(h.pub.ofType(liveserver.TypeConnectionError)) == 1
	}, waitFor, tick)
	data := h.pub.ofType(liveserver.TypeConnectionError)[0].Data.(liveserver.ConnectionErrorData)
	assert.Equal(t, 504, data.Code)
	assert.False(t, h.svc.Connected())
	h.alerter.AssertExpectations(t)

	require.NoError(t, h.svc.StartMonitoring(ctx))
	assert.Equal(t, 2, h.dials())
	assert.True(t, h.svc.IsMonitoring())
	assert.Len(t, h.gw(t).SentOfKind(gateway.KindPositions), 1)
	assert.Len(t, h.pub.ofType(liveserver.TypeConnectionError), 1)
}

func TestImportFills_LinksLivePositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartMonitoring(ctx))

	h.pushPosition(t, spyPut540, -2)
	// row broadcast, then the background ledger lookup
	require.Eventually(t, func() bool {
		return len(h.pub.ofType(liveserver.TypePositionsUpdated)) >= 2
	}, waitFor, tick)
	assert.False(t, h.svc.GetCurrentPositions()[0].Reconciled)

	bad := execution("e9", 9, spyPut540, "SHORT", "1", "1.00")
	report, err := h.svc.ImportFills(ctx, []gateway.ExecutionRow{
		execution("e1", 7, spyPut540, "SLD", "1", "1.50"),
		execution("e2", 7, spyPut540, "SLD", "1", "1.70"),
		bad,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, report.Imported)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "e9", report.Rejected[0].ExecID)
	assert.Contains(t, report.Rejected[0].Reason, "unknown side")

	pos := h.svc.GetCurrentPositions()[0]
	assert.True(t, pos.Reconciled)
	assert.Equal(t, []int64{7}, pos.LedgerOrderIDs)
	assert.True(t, pos.LedgerQuantity.Equal(decimal.NewFromInt(-2)))

	again, err := h.svc.ImportFills(ctx, []gateway.ExecutionRow{execution("e1", 7, spyPut540, "SLD", "1", "1.50")})
	require.NoError(t, err)
	assert.Empty(t, again.Imported)
	assert.Equal(t, []int64{7}, again.Skipped)
}

func TestSyncExecutions_ImportsGatewayRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartMonitoring(ctx))

	h.gw(t).OnSend(func(g *mock.Gateway, req gateway.Request) {
		if req.Kind != gateway.KindExecutions {
			return
		}
		g.PushRow(req.ID, execution("e1", 7, spyPut540, "SLD", "2", "1.50"))
		g.PushRow(req.ID, execution("e2", 8, spyPut530, "BOT", "2", "0.80"))
		g.PushEnd(req.ID)
	})

	report, err := h.svc.SyncExecutions(ctx, today.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{7, 8}, report.Imported)

	req := h.gw(t).SentOfKind(gateway.KindExecutions)[0].Payload.(gateway.ExecutionsRequest)
	assert.Equal(t, "DU123", req.Account)
}

func TestSyncExecutions_RequiresSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SyncExecutions(context.Background(), today)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	_, err = h.svc.History(context.Background(), contract.FromDescriptor(spyPut540))
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestBundleAndSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ImportFills(ctx, []gateway.ExecutionRow{
		execution("e1", 7, spyPut540, "SLD", "2", "1.50"),
		execution("e2", 8, spyPut530, "BOT", "2", "0.80"),
	})
	require.NoError(t, err)

	short := core.PositionKey{Contract: contract.FromDescriptor(spyPut540), Side: core.SideSell}
	long := core.PositionKey{Contract: contract.FromDescriptor(spyPut530), Side: core.SideBuy}

	_, err = h.svc.CreateBundle(ctx, "lonely", []core.PositionKey{short})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientMembers)

	b, err := h.svc.CreateBundle(ctx, "put spread", []core.PositionKey{short, long})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{7, 8}, b.MemberOrderIDs)
	assert.Equal(t, core.StatusOpen, b.Status)

	bundles, err := h.svc.ListBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, bundles, 1)

	summary, err := h.svc.GetAnalysisSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalOrders)
	assert.Equal(t, 2, summary.OrdersByStatus[core.StatusOpen])
	assert.Equal(t, 1, summary.OpenBundles)

	require.NoError(t, h.svc.DeleteBundle(ctx, b.ID))
	assert.ErrorIs(t, h.svc.DeleteBundle(ctx, b.ID), apperrors.ErrBundleNotFound)

	o, err := h.svc.TagSingle(ctx, long, core.TagPlus)
	require.NoError(t, err)
	assert.Equal(t, core.TagPlus, o.Tag)

	missing := core.PositionKey{Contract: contract.FromDescriptor(spyPut530), Side: core.SideSell}
	_, err = h.svc.TagSingle(ctx, missing, core.TagMinus)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestBundleAndTagFromRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ImportFills(ctx, []gateway.ExecutionRow{
		execution("e1", 7, spyPut540, "SLD", "2", "1.50"),
		execution("e2", 8, spyPut530, "BOT", "2", "0.80"),
	})
	require.NoError(t, err)

	short := core.PositionKey{Contract: contract.FromDescriptor(spyPut540), Side: core.SideSell}
	long := core.PositionKey{Contract: contract.FromDescriptor(spyPut530), Side: core.SideBuy}

	_, err = h.svc.CreateBundleFromRequest(ctx, BundleRequest{Name: "bad", Positions: []string{short.String(), "SPY|OPT|20250718|530|P|HOLD"}})
	assert.ErrorIs(t, err, apperrors.ErrMalformedIdentity)

	b, err := h.svc.CreateBundleFromRequest(ctx, BundleRequest{Name: "put spread", Positions: []string{short.String(), long.String()}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{7, 8}, b.MemberOrderIDs)
	require.NoError(t, h.svc.DeleteBundle(ctx, b.ID))

	o, err := h.svc.TagFromRequest(ctx, TagRequest{Position: long.String(), Tag: core.TagMinus})
	require.NoError(t, err)
	assert.Equal(t, int64(8), o.OrderID)
	assert.Equal(t, core.TagMinus, o.Tag)

	_, err = h.svc.TagFromRequest(ctx, TagRequest{Position: "not a key", Tag: core.TagPlus})
	assert.ErrorIs(t, err, apperrors.ErrMalformedIdentity)
}

func TestDecodeExecutions(t *testing.T) {
	rows, err := DecodeExecutions(strings.NewReader(`[
		{"exec_id":"e1","order_id":7,"account":"DU123",
		 "contract":{"symbol":"SPY","sec_type":"OPT","last_trade_date":"20250718","strike":540,"right":"P"},
		 "side":"SLD","shares":"2","price":"1.5","time":"20250602 10:00:00","commission":"1.3"}
	]`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].OrderID)

	_, err = DecodeExecutions(strings.NewReader(`{"not":"an array"}`))
	assert.Error(t, err)
}
