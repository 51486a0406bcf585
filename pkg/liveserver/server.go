package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liveserver_active_connections",
		Help: "Current number of broadcast websocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveserver_rejected_total",
		Help: "Total number of rejected broadcast websocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ServerConfig controls the broadcast endpoint
type ServerConfig struct {
	AllowedOrigins []string
	Production     bool
	MaxConnections int
	// RateLimit is new connections per second per remote IP
	RateLimit    float64
	RateBurst    int
	ClientBuffer int
}

// DefaultServerConfig allows 1000 connections and 10 new connections per
// second per IP with a burst of 20
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 1000,
		RateLimit:      10,
		RateBurst:      20,
		ClientBuffer:   DefaultClientBuffer,
	}
}

// HealthFunc reports component health for the /health endpoint
type HealthFunc func(ctx context.Context) (healthy bool, details map[string]any)

// Server exposes the hub over websocket at /ws together with /health and
// /metrics
type Server struct {
	hub      *Hub
	srv      *http.Server
	logger   Logger
	cfg      ServerConfig
	upgrader websocket.Upgrader
	health   HealthFunc
	mu       sync.Mutex

	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter
}

func NewServer(hub *Hub, cfg ServerConfig, logger Logger) *Server {
	def := DefaultServerConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}

	s := &Server{
		hub:           hub,
		logger:        logger,
		cfg:           cfg,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetHealth installs the /health check
func (s *Server) SetHealth(fn HealthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = fn
}

// checkOrigin accepts exact scheme://host matches from AllowedOrigins. A "*"
// entry allows any origin outside production.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.warn("Rejected connection with missing Origin header", "remote_addr", r.RemoteAddr)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.warn("Rejected connection with invalid Origin", "origin", origin, "error", err)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			if s.cfg.Production {
				s.warn("Rejected wildcard origin in production mode", "origin", origin, "remote_addr", r.RemoteAddr)
				websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.warn("Rejected connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting live server", "addr", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("Stopping live server")
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.warn("IP rate limit exceeded", "ip", ip)
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.Dec()
		}()
	default:
		s.warn("Max connections reached", "max", s.cfg.MaxConnections)
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String(), s.cfg.ClientBuffer, requestedTypes(r)...)
	s.hub.Register(client)
	if s.logger != nil {
		s.logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	_ = conn.Close()
	if s.logger != nil {
		s.logger.Info("Client disconnected", "client_id", client.id)
	}
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				// unblock the read pump
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.warn("Write error", "client_id", client.id, "error", err)
				_ = conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// readPump only services pongs and close frames; clients never send data
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	check := s.health
	s.mu.Unlock()

	healthy := true
	details := map[string]any{}
	if check != nil {
		healthy, details = check(r.Context())
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"clients": s.hub.ClientCount(),
		"checks":  details,
		"time":    time.Now().Unix(),
	})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) warn(msg string, kv ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, kv...)
	}
}

// requestedTypes reads the optional ?types=a,b filter
func requestedTypes(r *http.Request) []string {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// remoteIP uses RemoteAddr only; forwarded headers are spoofable
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limit := rate.Inf
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(limit, s.cfg.RateBurst))
	return actual.(*rate.Limiter)
}
