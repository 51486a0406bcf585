// Package retry runs operations under a failsafe-go retry policy
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Always treats every error as transient
func Always(error) bool { return true }

// Build converts the policy into a failsafe retry policy
func (p RetryPolicy) Build(isTransient IsTransientFunc) retrypolicy.RetryPolicy[any] {
	if isTransient == nil {
		isTransient = Always
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(p.InitialBackoff, p.MaxBackoff).
		WithJitterFactor(0.5).
		WithMaxAttempts(attempts).
		ReturnLastFailure().
		Build()
}

// Do executes a function with retries according to the policy. Non-transient
// errors and context cancellation stop retrying immediately.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	return failsafe.With[any](policy.Build(isTransient)).
		WithContext(ctx).
		Run(fn)
}
