package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"position_ledger/internal/core"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/retry"
	"position_ledger/pkg/websocket"
)

// envelope is the JSON frame exchanged with the gateway bridge process
type envelope struct {
	ReqID   int64           `json:"req_id"`
	Type    string          `json:"type"`
	Kind    Kind            `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

const (
	frameHello   = "hello"
	frameRequest = "request"
	frameCancel  = "cancel"
)

// BridgeConfig configures the websocket transport to the gateway bridge
type BridgeConfig struct {
	URL          string
	ClientID     int
	PingInterval time.Duration
	PongWait     time.Duration
	DialPolicy   retry.RetryPolicy
}

// Bridge is a Conn speaking JSON envelopes over a websocket to a process that
// fronts the broker gateway
type Bridge struct {
	client *websocket.Client
	logger core.ILogger
	events chan Event

	mu    sync.Mutex
	kinds map[int64]Kind

	closeOnce sync.Once
}

// DialBridge connects to the bridge and performs the hello handshake.
// Dropped connections are reported as EventDisconnected; reconnecting is left
// to the caller.
func DialBridge(ctx context.Context, cfg BridgeConfig, logger core.ILogger) (*Bridge, error) {
	b := &Bridge{
		logger: logger.WithField("component", "gateway_bridge"),
		events: make(chan Event, 4096),
		kinds:  make(map[int64]Kind),
	}

	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = 3 * cfg.PingInterval
	}
	b.client = websocket.NewClient(websocket.Options{
		URL:          cfg.URL,
		Handler:      b.handleMessage,
		PingInterval: cfg.PingInterval,
		PongWait:     pongWait,
		DialPolicy:   cfg.DialPolicy,
		OnDisconnected: func(err error) {
			b.logger.Warn("Gateway bridge connection dropped", "error", err)
			b.events <- Event{ReqID: -1, Type: EventDisconnected}
			b.closeEvents()
		},
	}, b.logger)

	if err := b.client.Dial(ctx); err != nil {
		return nil, err
	}

	hello, _ := json.Marshal(map[string]int{"client_id": cfg.ClientID})
	if err := b.client.Send(envelope{ReqID: -1, Type: frameHello, Data: hello}); err != nil {
		b.client.Stop()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}
	return b, nil
}

// Send implements Conn
func (b *Bridge) Send(ctx context.Context, req Request) error {
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", req.Kind, err)
	}

	b.mu.Lock()
	b.kinds[req.ID] = req.Kind
	b.mu.Unlock()

	if err := b.client.Send(envelope{ReqID: req.ID, Type: frameRequest, Kind: req.Kind, Data: data}); err != nil {
		b.Forget(req.ID)
		return fmt.Errorf("%w: %v", apperrors.ErrNotConnected, err)
	}
	return nil
}

// Cancel implements Conn
func (b *Bridge) Cancel(ctx context.Context, id int64, kind Kind) error {
	b.Forget(id)
	return b.client.Send(envelope{ReqID: id, Type: frameCancel, Kind: kind})
}

// Events implements Conn
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Close implements Conn
func (b *Bridge) Close() error {
	b.client.Stop()
	b.closeEvents()
	return nil
}

func (b *Bridge) closeEvents() {
	b.closeOnce.Do(func() { close(b.events) })
}

// Forget implements Forgetter
func (b *Bridge) Forget(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kinds, id)
}

func (b *Bridge) handleMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("Dropping undecodable bridge frame", "error", err)
		return
	}

	b.mu.Lock()
	kind, known := b.kinds[env.ReqID]
	if known && !isStreaming(kind) && (env.Type == string(EventEnd) || env.Type == string(EventValue) || env.Type == string(EventError)) {
		delete(b.kinds, env.ReqID)
	}
	b.mu.Unlock()

	ev, err := decodeEvent(env, kind)
	if err != nil {
		b.logger.Warn("Dropping bridge frame", "req_id", env.ReqID, "type", env.Type, "kind", kind, "error", err)
		return
	}
	b.events <- ev
}

func isStreaming(k Kind) bool {
	return k == KindPositions || k == KindAccountPnL || k == KindSinglePnL
}

// decodeEvent turns an envelope into a typed Event. Payloads are decoded by
// the kind of the originating request.
func decodeEvent(env envelope, kind Kind) (Event, error) {
	ev := Event{ReqID: env.ReqID, Type: EventType(env.Type)}

	switch ev.Type {
	case EventEnd, EventDisconnected:
		return ev, nil
	case EventError:
		ev.Err = &apperrors.GatewayError{ReqID: env.ReqID, Code: env.Code, Message: env.Message}
		return ev, nil
	case EventRow, EventValue, EventTick:
	default:
		return Event{}, fmt.Errorf("unknown frame type %q", env.Type)
	}

	payload, err := decodePayload(kind, env.Data)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	return ev, nil
}

func decodePayload(kind Kind, data json.RawMessage) (any, error) {
	var target any
	switch kind {
	case KindPositions:
		target = &PositionRow{}
	case KindAccountPnL, KindSinglePnL:
		target = &PnLTick{}
	case KindHistoricalData:
		target = &BarRow{}
	case KindExecutions:
		target = &ExecutionRow{}
	case KindContractDetails:
		target = &ContractDetailsRow{}
	case KindMarketSnapshot:
		target = &SnapshotValue{}
	default:
		return nil, fmt.Errorf("frame for unknown request kind %q", kind)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}

	switch v := target.(type) {
	case *PositionRow:
		return *v, nil
	case *PnLTick:
		return *v, nil
	case *BarRow:
		return *v, nil
	case *ExecutionRow:
		return *v, nil
	case *ContractDetailsRow:
		return *v, nil
	case *SnapshotValue:
		return *v, nil
	}
	return target, nil
}
