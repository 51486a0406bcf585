package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"position_ledger/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAlertChannel struct {
	name string
	sent []AlertPayload
	mu   sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(_ context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertManager_FansOut(t *testing.T) {
	am := NewAlertManager(logging.NewNop(), 0)
	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	assert.True(t, am.Alert(context.Background(), "Test Alert", "This is a test", Info, map[string]string{"key": "value"}))
	am.Wait()

	require.Len(t, ch1.getSent(), 1)
	require.Len(t, ch2.getSent(), 1)
	payload := ch1.getSent()[0]
	assert.Equal(t, "Test Alert", payload.Title)
	assert.Equal(t, Info, payload.Level)
	assert.Equal(t, "value", payload.Fields["key"])
}

func TestAlertManager_ThrottlesRepeats(t *testing.T) {
	am := NewAlertManager(logging.NewNop(), time.Minute)
	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	ctx := context.Background()
	assert.True(t, am.ConnectionLost(ctx, 504, "socket closed"))
	assert.False(t, am.ConnectionLost(ctx, 504, "socket closed"))
	assert.True(t, am.Alert(ctx, "Other", "different title", Warning, nil))

	now = now.Add(2 * time.Minute)
	assert.True(t, am.ConnectionLost(ctx, 1100, "link lost"))
	am.Wait()

	sent := ch.getSent()
	require.Len(t, sent, 3)
	var codes []string
	for _, p := range sent {
		if p.Title == "Gateway connection lost" {
			assert.Equal(t, Critical, p.Level)
			codes = append(codes, p.Fields["code"])
		}
	}
	assert.ElementsMatch(t, []string{"504", "1100"}, codes)
}

func TestSlackChannel_PostsAttachment(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	err := ch.Send(context.Background(), AlertPayload{
		Level:     Critical,
		Title:     "Gateway connection lost",
		Message:   "socket closed",
		Timestamp: time.Unix(1700000000, 0),
		Fields:    map[string]string{"code": "504"},
	})
	require.NoError(t, err)

	attachments := body["attachments"].([]any)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]any)
	assert.Equal(t, "#8b0000", att["color"])
	assert.Equal(t, "[CRITICAL] Gateway connection lost", att["pretext"])
	assert.Equal(t, "socket closed", att["text"])
}

func TestSlackChannel_NoWebhookIsNoop(t *testing.T) {
	assert.NoError(t, NewSlackChannel("").Send(context.Background(), AlertPayload{Title: "x"}))
}

func TestTelegramChannel_SendsMarkdown(t *testing.T) {
	var path string
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer server.Close()

	ch := NewTelegramChannel("token", "42")
	ch.baseURL = server.URL
	err := ch.Send(context.Background(), AlertPayload{
		Level:   Warning,
		Title:   "Stale",
		Message: "no ticks",
		Fields:  map[string]string{"b": "2", "a": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/bottoken/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "*[WARNING] Stale*\n\nno ticks\n\n- *a*: 1\n- *b*: 2", body["text"])
}

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel(logging.NewNop())
	assert.Equal(t, "log", ch.Name())
	assert.NoError(t, ch.Send(context.Background(), AlertPayload{Level: Error, Title: "t", Fields: map[string]string{"k": "v"}}))
}
