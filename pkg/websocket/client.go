// Package websocket is a JSON websocket client with heartbeats, retried dials
// and optional reconnection
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"position_ledger/internal/core"
	"position_ledger/pkg/retry"
	"position_ledger/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConnected is returned by Send while no connection is up
var ErrNotConnected = errors.New("websocket not connected")

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// Options configures a Client. Zero durations take the defaults of
// DefaultOptions; a zero PingInterval disables heartbeats.
type Options struct {
	URL     string
	Handler MessageHandler

	PingInterval time.Duration
	// PingWait bounds the write of one ping frame
	PingWait time.Duration
	// PongWait is the read deadline refreshed by every pong
	PongWait time.Duration

	Reconnect     bool
	ReconnectWait time.Duration
	DialPolicy    retry.RetryPolicy

	OnConnected    func()
	OnDisconnected func(error)
}

// DefaultOptions returns reconnecting options with a 30s heartbeat
func DefaultOptions(url string, handler MessageHandler) Options {
	return Options{
		URL:           url,
		Handler:       handler,
		PingInterval:  30 * time.Second,
		PingWait:      10 * time.Second,
		PongWait:      60 * time.Second,
		Reconnect:     true,
		ReconnectWait: 5 * time.Second,
		DialPolicy:    retry.DefaultPolicy,
	}
}

type instruments struct {
	tracer   trace.Tracer
	messages metric.Int64Counter
	dials    metric.Int64Counter
	handling metric.Float64Histogram
}

func newInstruments() instruments {
	meter := telemetry.GetMeter("ws-client")
	messages, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("WebSocket messages received"))
	dials, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("WebSocket connections initiated"))
	handling, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Time spent in the message handler"))
	return instruments{tracer: telemetry.GetTracer("ws-client"), messages: messages, dials: dials, handling: handling}
}

// Client owns at most one connection at a time. Writes are serialised.
type Client struct {
	opts   Options
	logger core.ILogger
	inst   instruments

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(opts Options, logger core.ILogger) *Client {
	def := DefaultOptions(opts.URL, opts.Handler)
	if opts.PingWait <= 0 {
		opts.PingWait = def.PingWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = def.ReconnectWait
	}
	if opts.DialPolicy.MaxAttempts == 0 {
		opts.DialPolicy = def.DialPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: logger.WithField("url", opts.URL),
		inst:   newInstruments(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send writes message as one JSON text frame
func (c *Client) Send(message interface{}) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(message)
}

// Start connects in the background and keeps reading until Stop
func (c *Client) Start() {
	c.wg.Add(1)
	go c.loop(false)
}

// Dial connects synchronously under the dial policy, then reads in the
// background
func (c *Client) Dial(ctx context.Context) error {
	err := retry.Do(ctx, c.opts.DialPolicy, retry.Always, func() error {
		err := c.connect()
		if err != nil {
			c.logger.Warn("WebSocket dial attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.wg.Add(1)
	go c.loop(true)
	return nil
}

// Stop closes the connection and waits up to five seconds for the loops
func (c *Client) Stop() {
	c.cancel()
	c.drop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket loops did not exit within timeout")
	}
}

func (c *Client) loop(connected bool) {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		if !connected {
			if err := c.connect(); err != nil {
				c.logger.Error("WebSocket connect failed", "error", err)
				if !c.sleep(c.opts.ReconnectWait) {
					return
				}
				continue
			}
		}
		connected = false

		if c.opts.OnConnected != nil {
			c.opts.OnConnected()
		}

		hbCtx, hbCancel := context.WithCancel(c.ctx)
		if c.opts.PingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(hbCtx)
		}
		readErr := c.read()
		hbCancel()

		if c.ctx.Err() != nil {
			return
		}
		if c.opts.OnDisconnected != nil {
			c.opts.OnDisconnected(readErr)
		}
		if !c.opts.Reconnect || !c.sleep(c.opts.ReconnectWait) {
			return
		}
	}
}

// sleep waits d and reports false if the client was stopped meanwhile
func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.current()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.PingWait))
			c.writeMu.Unlock()
			if err != nil {
				// unblocks read, which ends the session
				c.drop()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.inst.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.opts.URL)),
	)
	defer span.End()
	c.inst.dials.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	pongWait := c.opts.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) read() error {
	defer c.drop()

	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.inst.messages.Add(c.ctx, 1)
		if c.opts.Handler != nil {
			start := time.Now()
			c.opts.Handler(message)
			c.inst.handling.Record(c.ctx, time.Since(start).Seconds())
		}
	}
}
