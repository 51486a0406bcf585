package mock

import (
	"context"
	"sync"

	"position_ledger/internal/gateway"
	apperrors "position_ledger/pkg/errors"
)

// Gateway is a scripted in-memory gateway connection. It records outbound
// requests and cancellations and lets tests push inbound events.
type Gateway struct {
	mu       sync.Mutex
	events   chan gateway.Event
	sent     []gateway.Request
	canceled []int64
	sendErr  error
	closed   bool
	onSend   func(g *Gateway, req gateway.Request)
}

// NewGateway creates a scripted gateway with a buffered event channel
func NewGateway() *Gateway {
	return &Gateway{events: make(chan gateway.Event, 1024)}
}

// Send implements gateway.Conn
func (g *Gateway) Send(ctx context.Context, req gateway.Request) error {
	g.mu.Lock()
	if g.sendErr != nil {
		err := g.sendErr
		g.mu.Unlock()
		return err
	}
	if g.closed {
		g.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	g.sent = append(g.sent, req)
	hook := g.onSend
	g.mu.Unlock()

	if hook != nil {
		hook(g, req)
	}
	return nil
}

// Cancel implements gateway.Conn
func (g *Gateway) Cancel(ctx context.Context, id int64, kind gateway.Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, id)
	return nil
}

// Events implements gateway.Conn
func (g *Gateway) Events() <-chan gateway.Event {
	return g.events
}

// Close implements gateway.Conn
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.events)
	}
	return nil
}

// OnSend installs an auto-responder invoked for every successful Send
func (g *Gateway) OnSend(fn func(g *Gateway, req gateway.Request)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSend = fn
}

// SetSendError makes subsequent Sends fail with err
func (g *Gateway) SetSendError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendErr = err
}

// Push delivers an inbound event
func (g *Gateway) Push(ev gateway.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.events <- ev
}

func (g *Gateway) PushRow(id int64, payload any) {
	g.Push(gateway.Event{ReqID: id, Type: gateway.EventRow, Payload: payload})
}

func (g *Gateway) PushEnd(id int64) {
	g.Push(gateway.Event{ReqID: id, Type: gateway.EventEnd})
}

func (g *Gateway) PushValue(id int64, payload any) {
	g.Push(gateway.Event{ReqID: id, Type: gateway.EventValue, Payload: payload})
}

func (g *Gateway) PushTick(id int64, payload any) {
	g.Push(gateway.Event{ReqID: id, Type: gateway.EventTick, Payload: payload})
}

func (g *Gateway) PushError(id int64, code int, msg string) {
	g.Push(gateway.Event{
		ReqID: id,
		Type:  gateway.EventError,
		Err:   &apperrors.GatewayError{ReqID: id, Code: code, Message: msg},
	})
}

// Disconnect pushes a disconnect event
func (g *Gateway) Disconnect() {
	g.Push(gateway.Event{ReqID: -1, Type: gateway.EventDisconnected})
}

// Sent returns a copy of every recorded request
func (g *Gateway) Sent() []gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Request, len(g.sent))
	copy(out, g.sent)
	return out
}

// SentOfKind returns the recorded requests of one kind
func (g *Gateway) SentOfKind(kind gateway.Kind) []gateway.Request {
	var out []gateway.Request
	for _, r := range g.Sent() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Canceled returns the canceled request ids in call order
func (g *Gateway) Canceled() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, len(g.canceled))
	copy(out, g.canceled)
	return out
}

// CancelCount returns how often id was canceled
func (g *Gateway) CancelCount(id int64) int {
	n := 0
	for _, c := range g.Canceled() {
		if c == id {
			n++
		}
	}
	return n
}
