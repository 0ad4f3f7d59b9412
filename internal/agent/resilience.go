package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerSettings tunes the per-agent circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Failures before the circuit opens (default 5)
	OpenTimeout         time.Duration // Time spent open before probing (default 30s)
	HalfOpenRequests    uint32        // Probe requests allowed when half-open (default 3)
}

// BreakerRegistry manages one circuit breaker per agent.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	logger   *zap.Logger
	breakers map[ID]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. Zero settings take defaults.
func NewBreakerRegistry(settings BreakerSettings, logger *zap.Logger) *BreakerRegistry {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[ID]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for id, creating it on first use.
func (r *BreakerRegistry) Get(id ID) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[id]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(id),
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("agent", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Don't count caller cancellation against the agent
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[id] = cb
	return cb
}

// State reports the breaker state for id without creating one.
func (r *BreakerRegistry) State(id ID) (gobreaker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[id]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// runProtected executes fn through the optional breaker and optional retry policy.
func runProtected(ctx context.Context, fn func() (string, error), cb *gobreaker.CircuitBreaker, retryCfg *RetryConfig) (string, error) {
	call := func() (string, error) {
		if cb == nil {
			return fn()
		}
		result, err := cb.Execute(func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			return "", err
		}
		return result.(string), nil
	}

	if retryCfg == nil {
		return call()
	}

	var out string
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := call()
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return out, err
}
