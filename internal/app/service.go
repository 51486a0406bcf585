// Package app is the command surface of the position ledger: live position
// monitoring against the gateway plus the ledger, bundle and history
// operations.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"position_ledger/internal/core"
	"position_ledger/internal/gateway"
	"position_ledger/internal/ledger"
	"position_ledger/internal/marketdata"
	"position_ledger/internal/store"
	"position_ledger/internal/trading/position"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/liveserver"

	"go.opentelemetry.io/otel/metric"
)

// Dialer opens a fresh gateway connection
type Dialer func(ctx context.Context) (gateway.Conn, error)

// Publisher is satisfied by *liveserver.Hub
type Publisher interface {
	Publish(msgType string, data any)
}

// Alerter is satisfied by *alert.AlertManager
type Alerter interface {
	ConnectionLost(ctx context.Context, code int, message string) bool
}

// Config wires the service components
type Config struct {
	Account    string
	Timeouts   gateway.Timeouts
	Position   position.Config
	MarketData marketdata.Config
}

// PnLUpdate is the payload of a pnlUpdated event
type PnLUpdate struct {
	Position *core.LivePosition `json:"position,omitempty"`
	Account  *core.AccountPnL   `json:"account,omitempty"`
}

type session struct {
	corr   *gateway.Correlator
	cancel context.CancelFunc
	done   chan struct{}
}

// Service owns the ledger and, while monitoring, one gateway session
type Service struct {
	cfg       Config
	dial      Dialer
	store     store.Store
	ledger    *ledger.Ledger
	link      *gatewayLink
	positions *position.Manager
	history   *marketdata.Fetcher
	publisher Publisher
	alerter   Alerter
	logger    core.ILogger

	mu      sync.Mutex
	session *session
}

// NewService builds the service. publisher and alerter may be nil.
func NewService(cfg Config, dial Dialer, st store.Store, publisher Publisher, alerter Alerter, logger core.ILogger, meter metric.Meter) *Service {
	if cfg.Timeouts == (gateway.Timeouts{}) {
		cfg.Timeouts = gateway.DefaultTimeouts()
	}
	if cfg.Position.Account == "" {
		cfg.Position.Account = cfg.Account
	}

	s := &Service{
		cfg:       cfg,
		dial:      dial,
		store:     st,
		ledger:    ledger.New(st, logger),
		link:      &gatewayLink{},
		publisher: publisher,
		alerter:   alerter,
		logger:    logger.WithField("component", "service"),
	}
	s.positions = position.NewManager(s.link, s.ledger, cfg.Position, logger, meter)
	s.positions.OnUpdate(s.publishUpdate)
	s.history = marketdata.NewFetcher(s.link, st, cfg.MarketData, logger)
	return s
}

// SetClock replaces the time source of the ledger and the history cache
func (s *Service) SetClock(now func() time.Time) {
	s.ledger.SetClock(now)
	s.history.SetClock(now)
}

// Ledger exposes the underlying ledger
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Run blocks until ctx is done, then stops monitoring and releases workers
func (s *Service) Run(ctx context.Context) error {
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.StopMonitoring(stopCtx)
	s.history.Stop()
	return err
}

// StartMonitoring connects to the gateway and subscribes to positions and
// PnL. It is a no-op while a healthy session is active; a session left stale
// by a connection loss is torn down and replaced.
func (s *Service) StartMonitoring(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.session != nil {
		if s.session.corr.IsConnected() && s.positions.IsRunning() {
			return nil
		}
		s.logger.Info("Replacing stale gateway session")
		if err := s.teardownLocked(ctx); err != nil {
			s.logger.Warn("Stale session teardown failed", "error", err)
		}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}

	corr := gateway.NewCorrelator(conn, s.cfg.Timeouts, s.logger)
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{corr: corr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sess.done)
		if err := corr.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Gateway dispatch loop failed", "error", err)
		}
	}()
	s.link.attach(corr)
	s.session = sess

	if err := s.positions.Start(ctx); err != nil {
		_ = s.teardownLocked(ctx)
		return fmt.Errorf("start monitoring: %w", err)
	}

	s.logger.Info("Monitoring started", "account", s.cfg.Account)
	s.publish(liveserver.TypeMonitoringStarted, liveserver.MonitoringData{Account: s.cfg.Account})
	return nil
}

// StopMonitoring cancels every subscription and closes the gateway session.
// It is a no-op when not monitoring.
func (s *Service) StopMonitoring(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}
	count := len(s.positions.Positions())
	err := s.teardownLocked(ctx)

	s.logger.Info("Monitoring stopped", "account", s.cfg.Account, "positions", count)
	s.publish(liveserver.TypeMonitoringStopped, liveserver.MonitoringData{Account: s.cfg.Account, Positions: count})
	return err
}

// teardownLocked must be called with s.mu held
func (s *Service) teardownLocked(ctx context.Context) error {
	sess := s.session
	s.session = nil

	err := s.positions.Stop(ctx)
	s.link.detach(sess.corr)
	_ = sess.corr.Close()
	sess.cancel()

	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// IsMonitoring reports whether a session is active and connected
func (s *Service) IsMonitoring() bool {
	return s.positions.IsRunning() && s.link.IsConnected()
}

// Connected reports whether the gateway link is up
func (s *Service) Connected() bool {
	return s.link.IsConnected()
}

// GetCurrentPositions returns a snapshot of the live positions
func (s *Service) GetCurrentPositions() []core.LivePosition {
	return s.positions.Positions()
}

// AccountPnL returns the latest account-level PnL
func (s *Service) AccountPnL() core.AccountPnL {
	return s.positions.AccountPnL()
}

func (s *Service) publishUpdate(u position.Update) {
	switch u.Type {
	case position.UpdatePositions:
		s.publish(liveserver.TypePositionsUpdated, u.Positions)
	case position.UpdatePnL:
		s.publish(liveserver.TypePnLUpdated, PnLUpdate{Position: u.Position, Account: u.Account})
	case position.UpdateConnectionError:
		data := liveserver.ConnectionErrorData{}
		if u.Err != nil {
			data.Code = u.Err.Code
			data.Message = u.Err.Message
		}
		if s.alerter != nil && apperrors.IsConnectionCode(data.Code) {
			s.alerter.ConnectionLost(context.Background(), data.Code, data.Message)
		}
		s.publish(liveserver.TypeConnectionError, data)
	}
}

func (s *Service) publish(msgType string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(msgType, data)
	}
}

// refreshLinks re-reads the ledger side of every live position after the
// ledger changed
func (s *Service) refreshLinks(ctx context.Context) {
	if !s.positions.IsRunning() {
		return
	}
	if err := s.positions.RefreshLedger(ctx); err != nil {
		s.logger.Warn("Ledger link refresh failed", "error", err)
	}
}
