// Package gateway correlates asynchronous gateway protocol events with the
// requests that caused them.
package gateway

import (
	"context"
	"time"

	apperrors "position_ledger/pkg/errors"
)

// Kind identifies the protocol call a request was issued for
type Kind string

const (
	KindPositions       Kind = "positions"
	KindContractDetails Kind = "contract_details"
	KindHistoricalData  Kind = "historical_data"
	KindAccountPnL      Kind = "pnl"
	KindSinglePnL       Kind = "pnl_single"
	KindExecutions      Kind = "executions"
	KindMarketSnapshot  Kind = "market_snapshot"
)

// Timeouts holds the per-kind request deadlines
type Timeouts struct {
	Snapshot   time.Duration
	Historical time.Duration
}

// DefaultTimeouts returns 10s for snapshot style lookups and 30s for bulk
// historical fetches
func DefaultTimeouts() Timeouts {
	return Timeouts{Snapshot: 10 * time.Second, Historical: 30 * time.Second}
}

// For returns the deadline applied to a request of kind k
func (t Timeouts) For(k Kind) time.Duration {
	if k == KindHistoricalData || k == KindExecutions {
		return t.Historical
	}
	return t.Snapshot
}

// EventType classifies inbound protocol events
type EventType string

const (
	// EventRow is one snapshot row; more rows or an EventEnd follow
	EventRow EventType = "row"
	// EventEnd terminates a row sequence
	EventEnd EventType = "end"
	// EventValue is a single terminal value
	EventValue EventType = "value"
	// EventError carries a numeric gateway code
	EventError EventType = "error"
	// EventTick is a streaming update for a subscription
	EventTick EventType = "tick"
	// EventDisconnected reports that the link to the gateway dropped
	EventDisconnected EventType = "disconnected"
)

// Event is a typed inbound protocol event. ReqID is -1 for events not bound
// to a request.
type Event struct {
	ReqID   int64
	Type    EventType
	Payload any
	Err     *apperrors.GatewayError
}

// Request is an outbound protocol call
type Request struct {
	ID      int64
	Kind    Kind
	Payload any
}

// Result is the settled outcome of a request. Rows holds accumulated snapshot
// rows in receipt order; Value holds the payload of a terminal value event.
type Result struct {
	Rows  []any
	Value any
}

// Conn is the handle to a single gateway connection. Send and Cancel are plain
// outbound calls; every inbound event arrives on Events, which is closed when
// the connection terminates.
type Conn interface {
	Send(ctx context.Context, req Request) error
	Cancel(ctx context.Context, id int64, kind Kind) error
	Events() <-chan Event
	Close() error
}

// Forgetter is implemented by connections that keep per-request state. The
// correlator calls Forget once a request settles, including on timeout.
type Forgetter interface {
	Forget(id int64)
}
