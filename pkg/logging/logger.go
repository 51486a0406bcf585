// Package logging adapts zap, teed into the OTel log bridge, to core.ILogger
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"position_ledger/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log levels
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "INFO"
	}
	return levelNames[l]
}

func (l Level) zap() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a case-insensitive level name
func ParseLevel(level string) (Level, error) {
	upper := strings.ToUpper(strings.TrimSpace(level))
	for i, name := range levelNames {
		if name == upper {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("invalid log level: %s", level)
}

// Options configures NewLogger
type Options struct {
	// Service is the OTel instrumentation scope
	Service string
	Level   string
	// JSON switches the local sink from console to JSON lines
	JSON   bool
	Output io.Writer
}

// ZapLogger implements core.ILogger on top of zap
type ZapLogger struct {
	logger *zap.Logger
}

// NewLogger builds a logger writing to Output (stdout by default) and to the
// global OTel logger provider
func NewLogger(opts Options) (*ZapLogger, error) {
	lvl := InfoLevel
	if opts.Level != "" {
		var err error
		if lvl, err = ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}
	if opts.Service == "" {
		opts.Service = "position_ledger"
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	local := zapcore.NewCore(enc, zapcore.AddSync(out), lvl.zap())
	bridge := otelzap.NewCore(opts.Service, otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(local, bridge), zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// NewFromZap wraps an existing zap logger
func NewFromZap(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// NewNop returns a logger that discards everything
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// fields turns alternating key/value pairs into zap fields. A trailing key
// without a value is dropped.
func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, fields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, fields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, fields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, fields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, fields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(kv map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var (
	globalMu     sync.RWMutex
	globalLogger core.ILogger = NewNop()
)

// SetGlobalLogger installs the process-wide logger returned by Global
func SetGlobalLogger(logger core.ILogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Global returns the process-wide logger, a no-op logger until one is set
func Global() core.ILogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}
