package liveserver

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var droppedClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "liveserver_dropped_clients_total",
	Help: "Clients disconnected because they could not keep up with broadcasts",
})

func init() {
	prometheus.MustRegister(droppedClientsTotal)
}

// DefaultClientBuffer is the per-client queue length
const DefaultClientBuffer = 256

// Client is one broadcast consumer, a websocket connection or an in-process
// listener
type Client struct {
	id     string
	send   chan Message
	types  map[string]bool
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with the given queue length. With no types the
// client receives every message type.
func NewClient(id string, buffer int, types ...string) *Client {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	c := &Client{id: id, send: make(chan Message, buffer)}
	if len(types) > 0 {
		c.types = make(map[string]bool, len(types))
		for _, t := range types {
			c.types[t] = true
		}
	}
	return c
}

// Wants reports whether the client subscribed to msgType
func (c *Client) Wants(msgType string) bool {
	return c.types == nil || c.types[msgType]
}

// ID returns the client id
func (c *Client) ID() string { return c.id }

// Send queues msg without blocking. It returns false when the queue is full
// or the client is closed.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Messages is closed once the hub drops the client
func (c *Client) Messages() <-chan Message {
	return c.send
}

// Close closes the client queue
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Logger is the subset of core.ILogger the package needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// Hub fans broadcast messages out to every registered client. Delivery is
// best effort: a client whose queue is full is dropped, never waited on.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	seq      atomic.Uint64
	retained map[string]Message
	retainMu sync.RWMutex

	logger Logger
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		retained:   make(map[string]Message),
		logger:     logger,
	}
}

// Run is the hub loop. It closes every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.replay(client)
			if h.logger != nil {
				h.logger.Info("Client registered", "client_id", client.id, "total_clients", total)
			}

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clientList := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clientList = append(clientList, client)
			}
			h.mu.RUnlock()

			for _, client := range clientList {
				if !client.Wants(message.Type) {
					continue
				}
				if !client.Send(message) {
					droppedClientsTotal.Inc()
					if h.logger != nil {
						h.logger.Warn("Dropping slow client", "client_id", client.id, "type", message.Type)
					}
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok && h.logger != nil {
		h.logger.Info("Client unregistered", "client_id", client.id, "total_clients", total)
	}
}

// replay sends the retained messages to a new client, oldest first
func (h *Hub) replay(client *Client) {
	h.retainMu.RLock()
	msgs := make([]Message, 0, len(h.retained))
	for _, m := range h.retained {
		msgs = append(msgs, m)
	}
	h.retainMu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	for _, m := range msgs {
		if client.Wants(m.Type) {
			client.Send(m)
		}
	}
}

// Register adds a client. After the hub stopped the client is closed
// instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast stamps msg and queues it for every client. When the hub queue is
// full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	msg.Seq = h.seq.Add(1)
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	if retained(msg.Type) {
		h.retainMu.Lock()
		if msg.Type == TypeMonitoringStopped {
			delete(h.retained, TypePositionsUpdated)
			delete(h.retained, TypeMonitoringStarted)
		}
		if msg.Type == TypeMonitoringStarted {
			delete(h.retained, TypeMonitoringStopped)
		}
		h.retained[msg.Type] = msg
		h.retainMu.Unlock()
	}

	select {
	case h.broadcast <- msg:
	default:
		if h.logger != nil {
			h.logger.Warn("Broadcast channel full, dropping message", "type", msg.Type, "seq", msg.Seq)
		}
	}
}

// Publish is Broadcast(NewMessage(msgType, data))
func (h *Hub) Publish(msgType string, data any) {
	h.Broadcast(NewMessage(msgType, data))
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
