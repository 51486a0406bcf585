package liveserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"position_ledger/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *Hub, string) {
	t.Helper()
	hub, _ := runHub(t)
	server := NewServer(hub, cfg, logging.NewNop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, hub, ts.URL
}

func dial(t *testing.T, base, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	return dialPath(t, base, "/ws", origin)
}

func dialPath(t *testing.T, base, path, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+path, header)
}

func TestServer_ClientReceivesBroadcast(t *testing.T) {
	_, hub, url := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	ws, _, err := dial(t, url, "http://localhost:3000")
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(TypeConnectionError, ConnectionErrorData{Code: 504, Message: "gateway down"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type string              `json:"type"`
		Seq  uint64              `json:"seq"`
		Data ConnectionErrorData `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, TypeConnectionError, got.Type)
	assert.Equal(t, 504, got.Data.Code)
	assert.NotZero(t, got.Seq)
}

func TestServer_TypesQueryFiltersBroadcasts(t *testing.T) {
	_, hub, url := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	ws, _, err := dialPath(t, url, "/ws?types=connectionError,%20pnlUpdated", "http://localhost:3000")
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(TypePositionsUpdated, []string{"SPY"})
	hub.Publish(TypeConnectionError, ConnectionErrorData{Code: 1100, Message: "lost"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, TypeConnectionError, got.Type)
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	_, hub, url := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	ws, _, err := dial(t, url, "http://localhost:3000")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_OriginValidation(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		prod    bool
		origin  string
		ok      bool
	}{
		{"ExactMatch", []string{"http://localhost:3000"}, false, "http://localhost:3000", true},
		{"PathIgnored", []string{"http://localhost:3000"}, false, "http://localhost:3000/app", true},
		{"Unauthorized", []string{"http://localhost:3000"}, false, "http://evil.com", false},
		{"Missing", []string{"http://localhost:3000"}, false, "", false},
		{"SecondOfMany", []string{"http://a.local", "https://b.local"}, false, "https://b.local", true},
		{"WildcardDev", []string{"*"}, false, "http://anything.local", true},
		{"WildcardProduction", []string{"*"}, true, "http://anything.local", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, url := newTestServer(t, ServerConfig{AllowedOrigins: tt.allowed, Production: tt.prod})

			ws, resp, err := dial(t, url, tt.origin)
			if tt.ok {
				require.NoError(t, err)
				ws.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestServer_GlobalConnectionLimit(t *testing.T) {
	_, _, url := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}, MaxConnections: 2})

	for i := 0; i < 2; i++ {
		ws, _, err := dial(t, url, "http://localhost")
		require.NoError(t, err)
		defer ws.Close()
	}

	_, resp, err := dial(t, url, "http://localhost")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_IPRateLimit(t *testing.T) {
	_, _, url := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}, RateLimit: 1, RateBurst: 1})

	ws, _, err := dial(t, url, "http://localhost")
	require.NoError(t, err)
	defer ws.Close()

	_, resp, err := dial(t, url, "http://localhost")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	server, _, url := newTestServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	get := func() (int, map[string]any) {
		resp, err := http.Get(url + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	server.SetHealth(func(context.Context) (bool, map[string]any) {
		return false, map[string]any{"gateway": "disconnected"}
	})
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "disconnected", body["checks"].(map[string]any)["gateway"])
}

func TestServer_StartAndStop(t *testing.T) {
	hub, _ := runHub(t)
	server := NewServer(hub, DefaultServerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, server.Stop(context.Background()))
}
