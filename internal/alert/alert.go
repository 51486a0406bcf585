// Package alert fans operational events such as gateway connection loss out
// to notification channels.
package alert

import (
	"context"
	"strconv"
	"sync"
	"time"

	"position_ledger/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager delivers each alert to every channel concurrently. Alert does
// not wait for delivery.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
	wg       sync.WaitGroup

	// throttle suppresses repeats of one title inside the window
	throttle time.Duration
	lastSent map[string]time.Time
	now      func() time.Time
}

func NewAlertManager(logger core.ILogger, throttle time.Duration) *AlertManager {
	return &AlertManager{
		logger:   logger.WithField("component", "alert_manager"),
		throttle: throttle,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert sends the alert unless the same title fired within the throttle
// window. It reports whether the alert was dispatched.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) bool {
	now := am.now()

	am.mu.Lock()
	if last, ok := am.lastSent[title]; ok && am.throttle > 0 && now.Sub(last) < am.throttle {
		am.mu.Unlock()
		am.logger.Debug("Alert throttled", "title", title)
		return false
	}
	am.lastSent[title] = now
	channels := append([]AlertChannel(nil), am.channels...)
	am.mu.Unlock()

	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Fields:    fields,
	}
	am.logger.Info("Triggering alert", "title", title, "level", level)

	for _, ch := range channels {
		am.wg.Add(1)
		go func(c AlertChannel) {
			defer am.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	return true
}

// Wait blocks until every in-flight delivery finished
func (am *AlertManager) Wait() {
	am.wg.Wait()
}

// LogChannel writes alerts to the application log
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, a AlertPayload) error {
	kv := make([]interface{}, 0, 4+2*len(a.Fields))
	kv = append(kv, "title", a.Title, "message", a.Message)
	for k, v := range a.Fields {
		kv = append(kv, k, v)
	}
	switch a.Level {
	case Error, Critical:
		l.logger.Error("ALERT", kv...)
	case Warning:
		l.logger.Warn("ALERT", kv...)
	default:
		l.logger.Info("ALERT", kv...)
	}
	return nil
}

// ConnectionLost raises the gateway connection alert, throttled like any
// other title
func (am *AlertManager) ConnectionLost(ctx context.Context, code int, message string) bool {
	return am.Alert(ctx, "Gateway connection lost", message, Critical, map[string]string{
		"code": strconv.Itoa(code),
	})
}
