package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"position_ledger/internal/alert"
	"position_ledger/internal/app"
	"position_ledger/internal/bootstrap"
	"position_ledger/internal/config"
	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	"position_ledger/internal/infrastructure/health"
	"position_ledger/internal/infrastructure/metrics"
	"position_ledger/internal/marketdata"
	"position_ledger/internal/store"
	"position_ledger/internal/trading/position"
	"position_ledger/pkg/liveserver"
	"position_ledger/pkg/retry"
	"position_ledger/pkg/telemetry"
)

type options struct {
	configPath string
	importPath string
	monitor    bool
}

func run(opts options) error {
	a, err := bootstrap.NewApp(opts.configPath)
	if err != nil {
		return err
	}
	cfg := a.Cfg
	logger := a.Logger

	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName:    cfg.App.Name,
		DisableMetrics: !cfg.Telemetry.EnableMetrics,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(context.Background(), store.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN.Reveal(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hub := liveserver.NewHub(logger)
	alerts := newAlertManager(cfg, logger)

	svc := app.NewService(serviceConfig(cfg), bridgeDialer(cfg, logger), st, hub, alerts, logger, telemetry.GetMeter("position_ledger"))

	if opts.importPath != "" {
		if err := importFile(svc, opts.importPath, logger); err != nil {
			return err
		}
	}

	hm := health.NewHealthManager(logger, 2*time.Second)
	hm.Register("gateway", health.GatewayCheck(svc.Connected))
	hm.Register("store", health.StoreCheck(st))

	server := liveserver.NewServer(hub, liveserver.ServerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Production:     cfg.Server.Production,
		MaxConnections: cfg.Server.MaxConnections,
		RateLimit:      liveserver.DefaultServerConfig().RateLimit,
	}, logger)
	server.SetHealth(hm.Report)

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return server.Start(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
		}),
		svc,
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, logger))
	}
	if opts.monitor {
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			superviseMonitoring(ctx, svc, cfg.Gateway.ReconnectDelayDuration(), logger)
			return nil
		}))
	}

	logger.Info("live_server starting",
		"version", version,
		"storage", cfg.Storage.Driver,
		"gateway", cfg.Gateway.URL,
		"port", cfg.Server.Port)

	err = a.Run(runners...)
	alerts.Wait()
	return err
}

func serviceConfig(cfg *config.Config) app.Config {
	md := marketdata.DefaultConfig()
	md.BatchConcurrency = cfg.MarketData.BatchConcurrency
	md.BatchPause = cfg.MarketData.BatchPauseDuration()

	return app.Config{
		Account: cfg.Gateway.Account,
		Timeouts: gateway.Timeouts{
			Snapshot:   cfg.Gateway.SnapshotTimeoutDuration(),
			Historical: cfg.Gateway.HistoricalTimeoutDuration(),
		},
		Position: position.Config{
			Account:         cfg.Gateway.Account,
			ModelCode:       cfg.Monitoring.ModelCode,
			SettleDelay:     cfg.Monitoring.SettleDelayDuration(),
			SubscribePacing: cfg.Monitoring.SubscribePacingDuration(),
		},
		MarketData: md,
	}
}

func bridgeDialer(cfg *config.Config, logger core.ILogger) app.Dialer {
	bc := gateway.BridgeConfig{
		URL:          cfg.Gateway.URL,
		ClientID:     cfg.Gateway.ClientID,
		PingInterval: cfg.Gateway.PingIntervalDuration(),
		DialPolicy: retry.RetryPolicy{
			MaxAttempts:    cfg.Gateway.DialAttempts,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     cfg.Gateway.ReconnectDelayDuration(),
		},
	}
	return func(ctx context.Context) (gateway.Conn, error) {
		b, err := gateway.DialBridge(ctx, bc, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func newAlertManager(cfg *config.Config, logger core.ILogger) *alert.AlertManager {
	am := alert.NewAlertManager(logger, cfg.Alerts.ThrottleDuration())
	am.AddChannel(alert.NewLogChannel(logger))
	if cfg.Alerts.SlackWebhook.IsSet() {
		am.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhook.Reveal()))
	}
	if cfg.Alerts.TelegramToken.IsSet() {
		am.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramToken.Reveal(), cfg.Alerts.TelegramChatID))
	}
	return am
}

func importFile(svc *app.Service, path string, logger core.ILogger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	rows, err := app.DecodeExecutions(f)
	if err != nil {
		return err
	}
	report, err := svc.ImportFills(context.Background(), rows)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	logger.Info("Imported executions",
		"file", path,
		"orders", len(report.Imported),
		"skipped", len(report.Skipped),
		"rejected", len(report.Rejected),
		"transitions", len(report.Transitions))
	return nil
}

// superviseMonitoring starts monitoring and restarts it whenever the session
// goes stale, waiting delay between attempts
func superviseMonitoring(ctx context.Context, svc *app.Service, delay time.Duration, logger core.ILogger) {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		if !svc.IsMonitoring() {
			if err := svc.StartMonitoring(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Monitoring start failed, will retry", "error", err, "retry_in", delay)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
