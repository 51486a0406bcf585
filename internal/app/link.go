package app

import (
	"context"
	"sync"

	"position_ledger/internal/gateway"
	apperrors "position_ledger/pkg/errors"
)

// gatewayLink forwards to the correlator of the current monitoring session so
// the position manager and history fetcher outlive individual connections.
// Connection errors from a detached correlator are not forwarded.
type gatewayLink struct {
	mu        sync.RWMutex
	corr      *gateway.Correlator
	listeners []func(*apperrors.GatewayError)
}

func (l *gatewayLink) attach(c *gateway.Correlator) {
	l.mu.Lock()
	l.corr = c
	l.mu.Unlock()

	c.OnConnectionError(func(ge *apperrors.GatewayError) {
		l.mu.RLock()
		current := l.corr == c
		listeners := append([]func(*apperrors.GatewayError){}, l.listeners...)
		l.mu.RUnlock()
		if !current {
			return
		}
		for _, fn := range listeners {
			fn(ge)
		}
	})
}

// detach drops c if it is still the current correlator
func (l *gatewayLink) detach(c *gateway.Correlator) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.corr == c {
		l.corr = nil
	}
}

func (l *gatewayLink) current() (*gateway.Correlator, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.corr == nil {
		return nil, apperrors.ErrNotConnected
	}
	return l.corr, nil
}

func (l *gatewayLink) Subscribe(ctx context.Context, kind gateway.Kind, payload any, handler func(gateway.Event)) (*gateway.Subscription, error) {
	c, err := l.current()
	if err != nil {
		return nil, err
	}
	return c.Subscribe(ctx, kind, payload, handler)
}

func (l *gatewayLink) Call(ctx context.Context, kind gateway.Kind, payload any) (gateway.Result, error) {
	c, err := l.current()
	if err != nil {
		return gateway.Result{}, err
	}
	return c.Call(ctx, kind, payload)
}

func (l *gatewayLink) OnConnectionError(fn func(*apperrors.GatewayError)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *gatewayLink) IsConnected() bool {
	c, err := l.current()
	return err == nil && c.IsConnected()
}
