package bootstrap

import (
	"position_ledger/internal/core"
	"position_ledger/pkg/logging"
)

// InitLogger builds the zap logger for the configured level and installs it
// as the global logger. Production deployments log JSON lines.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewLogger(logging.Options{
		Service: cfg.App.Name,
		Level:   cfg.App.LogLevel,
		JSON:    cfg.Server.Production,
	})
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
