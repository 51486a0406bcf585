// Package core defines the shared types and interfaces of the position ledger
package core

import "context"

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func(ctx context.Context) error)
	GetStatus(ctx context.Context) map[string]string
	IsHealthy(ctx context.Context) bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
