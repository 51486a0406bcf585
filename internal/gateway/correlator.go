package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"position_ledger/internal/core"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/telemetry"
)

// pendingRequest is one outstanding request awaiting settlement
type pendingRequest struct {
	id        int64
	kind      Kind
	createdAt time.Time
	rows      []any
	resolved  bool
	timer     *time.Timer

	done   chan struct{}
	result Result
	err    error
}

// Handle is the awaitable side of a submitted request
type Handle struct {
	id int64
	p  *pendingRequest
}

// ID returns the request id
func (h *Handle) ID() int64 { return h.id }

// Wait blocks until the request settles or ctx is done
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.p.done:
		return h.p.result, h.p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed once the request settles
func (h *Handle) Done() <-chan struct{} { return h.p.done }

// Correlator owns the gateway connection and its pending request table
type Correlator struct {
	conn     Conn
	logger   core.ILogger
	timeouts Timeouts
	metrics  *telemetry.MetricsHolder

	nextID    atomic.Int64
	connected atomic.Bool

	mu        sync.Mutex
	pending   map[int64]*pendingRequest
	subs      map[int64]*Subscription
	onConnErr []func(*apperrors.GatewayError)
}

// NewCorrelator creates a correlator over an established connection
func NewCorrelator(conn Conn, timeouts Timeouts, logger core.ILogger) *Correlator {
	c := &Correlator{
		conn:     conn,
		logger:   logger.WithField("component", "correlator"),
		timeouts: timeouts,
		metrics:  telemetry.GetGlobalMetrics(),
		pending:  make(map[int64]*pendingRequest),
		subs:     make(map[int64]*Subscription),
	}
	c.connected.Store(true)
	c.metrics.SetGatewayConnected(true)
	return c
}

// NextID allocates a request id. Ids are monotonic for the process lifetime.
func (c *Correlator) NextID() int64 {
	return c.nextID.Add(1)
}

// IsConnected reports whether the gateway link is believed to be up
func (c *Correlator) IsConnected() bool {
	return c.connected.Load()
}

// OnConnectionError registers a listener for connection-level gateway errors
// (codes 500-599 and disconnects). Listeners run on the dispatch goroutine.
func (c *Correlator) OnConnectionError(fn func(*apperrors.GatewayError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnErr = append(c.onConnErr, fn)
}

// Submit issues a request and returns a handle settled by the matching event,
// a gateway error or the kind's timeout.
func (c *Correlator) Submit(ctx context.Context, kind Kind, payload any) (*Handle, error) {
	if !c.connected.Load() {
		return nil, apperrors.ErrNotConnected
	}

	id := c.NextID()
	p := &pendingRequest{
		id:        id,
		kind:      kind,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	timeout := c.timeouts.For(kind)
	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.Reject(id, fmt.Errorf("%w: %s request %d after %s", apperrors.ErrTimeout, kind, id, timeout)) {
			c.metrics.RecordTimeout(context.Background(), string(kind))
			c.logger.Warn("Request timed out", "req_id", id, "kind", kind, "timeout", timeout)
		}
	})
	c.updatePendingGauge(kind)
	c.mu.Unlock()

	if err := c.conn.Send(ctx, Request{ID: id, Kind: kind, Payload: payload}); err != nil {
		c.Reject(id, fmt.Errorf("send %s request: %w", kind, err))
		return nil, fmt.Errorf("send %s request: %w", kind, err)
	}

	return &Handle{id: id, p: p}, nil
}

// Call submits a request and waits for its result
func (c *Correlator) Call(ctx context.Context, kind Kind, payload any) (Result, error) {
	h, err := c.Submit(ctx, kind, payload)
	if err != nil {
		return Result{}, err
	}
	return h.Wait(ctx)
}

// Resolve settles a pending request successfully. It returns false when the
// request is unknown or already settled.
func (c *Correlator) Resolve(id int64, result Result) bool {
	return c.settle(id, result, nil)
}

// Reject settles a pending request with err. It returns false when the
// request is unknown or already settled.
func (c *Correlator) Reject(id int64, err error) bool {
	return c.settle(id, Result{}, err)
}

func (c *Correlator) settle(id int64, result Result, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.resolved {
		c.mu.Unlock()
		return false
	}
	p.resolved = true
	delete(c.pending, id)
	c.updatePendingGauge(p.kind)
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	if f, ok := c.conn.(Forgetter); ok {
		f.Forget(id)
	}
	p.result = result
	p.err = err
	close(p.done)

	c.metrics.RecordLatency(context.Background(), string(p.kind), float64(time.Since(p.createdAt).Milliseconds()))
	return true
}

// accumulate appends a row to a pending request; rows arriving after
// settlement are dropped.
func (c *Correlator) accumulate(id int64, row any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.resolved {
		return false
	}
	p.rows = append(p.rows, row)
	return true
}

// PendingCount returns the number of outstanding requests
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether id is still awaiting settlement
func (c *Correlator) IsPending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Disconnect marks the link down and synchronously rejects every pending
// request with cause. Active subscriptions receive an EventDisconnected and
// are dropped.
func (c *Correlator) Disconnect(cause error) {
	if cause == nil {
		cause = apperrors.ErrConnectionLost
	}
	wasConnected := c.connected.Swap(false)
	c.metrics.SetGatewayConnected(false)

	c.mu.Lock()
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for id, s := range c.subs {
		subs = append(subs, s)
		delete(c.subs, id)
	}
	listeners := append([]func(*apperrors.GatewayError){}, c.onConnErr...)
	c.mu.Unlock()

	for _, id := range ids {
		c.Reject(id, cause)
	}
	for _, s := range subs {
		s.markStale()
		c.safeHandle(s, Event{ReqID: s.id, Type: EventDisconnected})
	}

	if wasConnected {
		c.logger.Warn("Gateway disconnected", "rejected", len(ids), "subscriptions", len(subs), "cause", cause)
		ge := &apperrors.GatewayError{ReqID: -1, Code: 504, Message: cause.Error()}
		for _, fn := range listeners {
			c.safeListener(fn, ge)
		}
	}
}

// Close rejects everything pending and closes the connection
func (c *Correlator) Close() error {
	c.Disconnect(apperrors.ErrConnectionLost)
	return c.conn.Close()
}

// Run is the single dispatch loop. It consumes inbound events until ctx is
// done or the connection's event channel closes.
func (c *Correlator) Run(ctx context.Context) error {
	events := c.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.Disconnect(apperrors.ErrConnectionLost)
				return nil
			}
			c.dispatch(ev)
		}
	}
}

func (c *Correlator) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in event handler", "req_id", ev.ReqID, "type", ev.Type, "panic", r)
		}
	}()

	if ev.Type == EventDisconnected {
		c.Disconnect(apperrors.ErrConnectionLost)
		return
	}

	if ev.Type == EventError {
		if c.handleError(ev) {
			return
		}
	}

	c.mu.Lock()
	sub := c.subs[ev.ReqID]
	c.mu.Unlock()
	if sub != nil {
		c.safeHandle(sub, ev)
		return
	}

	switch ev.Type {
	case EventRow:
		if !c.accumulate(ev.ReqID, ev.Payload) {
			c.logger.Debug("Row for unknown request", "req_id", ev.ReqID)
		}
	case EventEnd:
		c.mu.Lock()
		var rows []any
		if p, ok := c.pending[ev.ReqID]; ok {
			rows = p.rows
		}
		c.mu.Unlock()
		c.Resolve(ev.ReqID, Result{Rows: rows})
	case EventValue:
		c.mu.Lock()
		var rows []any
		if p, ok := c.pending[ev.ReqID]; ok {
			rows = p.rows
		}
		c.mu.Unlock()
		c.Resolve(ev.ReqID, Result{Rows: rows, Value: ev.Payload})
	case EventError:
		if ev.Err != nil && !c.Reject(ev.ReqID, ev.Err) {
			c.logger.Warn("Gateway error", "req_id", ev.ReqID, "code", ev.Err.Code, "msg", ev.Err.Message)
		}
	case EventTick:
		c.logger.Debug("Tick for unknown subscription", "req_id", ev.ReqID)
	}
}

// handleError filters informational notices and fans out connection-level
// codes. It returns true when the event is fully handled.
func (c *Correlator) handleError(ev Event) bool {
	if ev.Err == nil {
		return true
	}
	if apperrors.IsInformationalCode(ev.Err.Code) {
		c.logger.Debug("Gateway notice", "code", ev.Err.Code, "msg", ev.Err.Message)
		return true
	}
	if apperrors.IsConnectionCode(ev.Err.Code) {
		c.connected.Store(false)
		c.metrics.SetGatewayConnected(false)

		c.mu.Lock()
		listeners := append([]func(*apperrors.GatewayError){}, c.onConnErr...)
		c.mu.Unlock()
		for _, fn := range listeners {
			c.safeListener(fn, ev.Err)
		}
		if ev.ReqID < 0 {
			return true
		}
	}
	return false
}

func (c *Correlator) safeHandle(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in subscription handler", "req_id", s.id, "kind", s.kind, "panic", r)
		}
	}()
	s.handler(ev)
}

func (c *Correlator) safeListener(fn func(*apperrors.GatewayError), ge *apperrors.GatewayError) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in connection error listener", "panic", r)
		}
	}()
	fn(ge)
}

// updatePendingGauge must be called with c.mu held
func (c *Correlator) updatePendingGauge(kind Kind) {
	var n int64
	for _, p := range c.pending {
		if p.kind == kind {
			n++
		}
	}
	c.metrics.SetPendingRequests(string(kind), n)
}

// Subscription is a streaming request whose events are delivered to a handler
// instead of settling a handle
type Subscription struct {
	id      int64
	kind    Kind
	c       *Correlator
	handler func(Event)

	once  sync.Once
	stale atomic.Bool
}

// ID returns the subscription request id
func (s *Subscription) ID() int64 { return s.id }

// Kind returns the subscribed protocol kind
func (s *Subscription) Kind() Kind { return s.kind }

// Stale reports whether the subscription was dropped by a disconnect
func (s *Subscription) Stale() bool { return s.stale.Load() }

func (s *Subscription) markStale() { s.stale.Store(true) }

// Cancel stops the subscription. Only the first call reaches the gateway;
// later calls are no-ops.
func (s *Subscription) Cancel(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.c.mu.Lock()
		delete(s.c.subs, s.id)
		s.c.mu.Unlock()

		if s.stale.Load() || !s.c.connected.Load() {
			return
		}
		if cerr := s.c.conn.Cancel(ctx, s.id, s.kind); cerr != nil {
			err = fmt.Errorf("cancel %s subscription %d: %w", s.kind, s.id, cerr)
		}
	})
	return err
}

// Subscribe opens a streaming request. handler runs on the dispatch goroutine
// and must not block.
func (c *Correlator) Subscribe(ctx context.Context, kind Kind, payload any, handler func(Event)) (*Subscription, error) {
	if !c.connected.Load() {
		return nil, apperrors.ErrNotConnected
	}

	s := &Subscription{id: c.NextID(), kind: kind, c: c, handler: handler}
	c.mu.Lock()
	c.subs[s.id] = s
	c.mu.Unlock()

	if err := c.conn.Send(ctx, Request{ID: s.id, Kind: kind, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	return s, nil
}

// IsTimeout reports whether err is a correlator timeout
func IsTimeout(err error) bool {
	return errors.Is(err, apperrors.ErrTimeout)
}
