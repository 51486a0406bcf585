// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// GatewayConfig describes the link to the broker gateway bridge
type GatewayConfig struct {
	URL               string `yaml:"url" validate:"required"`
	ClientID          int    `yaml:"client_id"`
	Account           string `yaml:"account"`
	SnapshotTimeout   int    `yaml:"snapshot_timeout" validate:"min=1,max=300"`   // seconds
	HistoricalTimeout int    `yaml:"historical_timeout" validate:"min=1,max=600"` // seconds
	ReconnectDelay    int    `yaml:"reconnect_delay" validate:"min=1,max=300"`    // seconds
	PingInterval      int    `yaml:"ping_interval" validate:"min=1,max=300"`      // seconds
	DialAttempts      int    `yaml:"dial_attempts" validate:"min=1,max=100"`
}

// MonitoringConfig controls live position subscriptions
type MonitoringConfig struct {
	ModelCode       string `yaml:"model_code"`
	SettleDelay     int    `yaml:"settle_delay_ms" validate:"min=0,max=60000"`
	SubscribePacing int    `yaml:"subscribe_pacing_ms" validate:"min=0,max=10000"`
	PermissionCodes []int  `yaml:"permission_codes"` // added to the built-in set
}

// MarketDataConfig controls batched historical fetches
type MarketDataConfig struct {
	BatchConcurrency int `yaml:"batch_concurrency" validate:"min=1,max=50"`
	BatchPause       int `yaml:"batch_pause_ms" validate:"min=0,max=60000"`
}

// StorageConfig selects the ledger persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	Path   string `yaml:"path"` // sqlite
	DSN    Secret `yaml:"dsn"`  // postgres
}

// ServerConfig configures the broadcast websocket server
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Production     bool     `yaml:"production"`
	MaxConnections int      `yaml:"max_connections"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig configures connection-loss notifications
type AlertsConfig struct {
	SlackWebhook   Secret `yaml:"slack_webhook"`
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	Throttle       int    `yaml:"throttle_seconds"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Values absent from the file keep their DefaultConfig value.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateGatewayConfig,
		c.validateMonitoringConfig,
		c.validateMarketDataConfig,
		c.validateStorageConfig,
		c.validateServerConfig,
		c.validateAlertsConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateGatewayConfig() error {
	if c.Gateway.URL == "" {
		return ValidationError{
			Field:   "gateway.url",
			Message: "gateway bridge URL is required",
		}
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return ValidationError{
			Field:   "gateway.url",
			Value:   c.Gateway.URL,
			Message: "must be a ws:// or wss:// URL",
		}
	}
	if c.Gateway.SnapshotTimeout <= 0 {
		return ValidationError{
			Field:   "gateway.snapshot_timeout",
			Value:   c.Gateway.SnapshotTimeout,
			Message: "snapshot timeout must be positive",
		}
	}
	if c.Gateway.HistoricalTimeout < c.Gateway.SnapshotTimeout {
		return ValidationError{
			Field:   "gateway.historical_timeout",
			Value:   c.Gateway.HistoricalTimeout,
			Message: "historical timeout must not be shorter than the snapshot timeout",
		}
	}
	if c.Gateway.PingInterval <= 0 {
		return ValidationError{
			Field:   "gateway.ping_interval",
			Value:   c.Gateway.PingInterval,
			Message: "ping interval must be positive",
		}
	}
	return nil
}

func (c *Config) validateMonitoringConfig() error {
	if c.Monitoring.SettleDelay < 0 {
		return ValidationError{
			Field:   "monitoring.settle_delay_ms",
			Value:   c.Monitoring.SettleDelay,
			Message: "settle delay must not be negative",
		}
	}
	if c.Monitoring.SubscribePacing < 0 {
		return ValidationError{
			Field:   "monitoring.subscribe_pacing_ms",
			Value:   c.Monitoring.SubscribePacing,
			Message: "subscribe pacing must not be negative",
		}
	}
	for _, code := range c.Monitoring.PermissionCodes {
		if code >= 500 && code <= 599 {
			return ValidationError{
				Field:   "monitoring.permission_codes",
				Value:   code,
				Message: "connection codes (500-599) cannot be treated as permission errors",
			}
		}
	}
	return nil
}

func (c *Config) validateMarketDataConfig() error {
	if c.MarketData.BatchConcurrency <= 0 {
		return ValidationError{
			Field:   "market_data.batch_concurrency",
			Value:   c.MarketData.BatchConcurrency,
			Message: "batch concurrency must be positive",
		}
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	validDrivers := []string{"memory", "sqlite", "postgres"}
	if !contains(validDrivers, c.Storage.Driver) {
		return ValidationError{
			Field:   "storage.driver",
			Value:   c.Storage.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "port must be between 1 and 65535",
		}
	}
	if c.Server.Production && contains(c.Server.AllowedOrigins, "*") {
		return ValidationError{
			Field:   "server.allowed_origins",
			Message: "wildcard origin is not allowed in production",
		}
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.MetricsPort == c.Server.Port {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   c.Telemetry.MetricsPort,
			Message: "metrics port must differ from the server port",
		}
	}
	return nil
}

func (c *Config) validateAlertsConfig() error {
	if c.Alerts.TelegramToken.IsSet() && c.Alerts.TelegramChatID == "" {
		return ValidationError{
			Field:   "alerts.telegram_chat_id",
			Message: "chat id is required when a telegram token is set",
		}
	}
	if c.Alerts.Throttle < 0 {
		return ValidationError{
			Field:   "alerts.throttle_seconds",
			Value:   c.Alerts.Throttle,
			Message: "throttle must not be negative",
		}
	}
	return nil
}

// SnapshotTimeoutDuration returns the snapshot request deadline
func (g GatewayConfig) SnapshotTimeoutDuration() time.Duration {
	return time.Duration(g.SnapshotTimeout) * time.Second
}

// HistoricalTimeoutDuration returns the bulk historical request deadline
func (g GatewayConfig) HistoricalTimeoutDuration() time.Duration {
	return time.Duration(g.HistoricalTimeout) * time.Second
}

func (g GatewayConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(g.ReconnectDelay) * time.Second
}

func (g GatewayConfig) PingIntervalDuration() time.Duration {
	return time.Duration(g.PingInterval) * time.Second
}

func (m MonitoringConfig) SettleDelayDuration() time.Duration {
	return time.Duration(m.SettleDelay) * time.Millisecond
}

func (m MonitoringConfig) SubscribePacingDuration() time.Duration {
	return time.Duration(m.SubscribePacing) * time.Millisecond
}

func (m MarketDataConfig) BatchPauseDuration() time.Duration {
	return time.Duration(m.BatchPause) * time.Millisecond
}

func (a AlertsConfig) ThrottleDuration() time.Duration {
	return time.Duration(a.Throttle) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Gateway.URL = maskURLCredentials(configCopy.Gateway.URL)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// maskURLCredentials hides user info embedded in a URL
func maskURLCredentials(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return u
	}
	return scheme + "://" + strings.Repeat("*", 8) + rest[at:]
}

// DefaultConfig returns a configuration usable without a file: in-memory
// storage and a local bridge
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "position_ledger",
			LogLevel: "INFO",
		},
		Gateway: GatewayConfig{
			URL:               "ws://127.0.0.1:4002/bridge",
			ClientID:          1,
			SnapshotTimeout:   10,
			HistoricalTimeout: 30,
			ReconnectDelay:    5,
			PingInterval:      20,
			DialAttempts:      5,
		},
		Monitoring: MonitoringConfig{
			SettleDelay:     500,
			SubscribePacing: 50,
		},
		MarketData: MarketDataConfig{
			BatchConcurrency: 3,
			BatchPause:       1000,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Port:           8081,
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxConnections: 100,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Alerts: AlertsConfig{
			Throttle: 300,
		},
	}
}
