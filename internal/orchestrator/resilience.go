package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskforge/internal/errors"
	"github.com/aristath/taskforge/internal/logging"
)

// RetryConfig configures exponential backoff between stage attempts.
type RetryConfig struct {
	MaxAttempts         int           // Total attempts per stage, including the first (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 500ms)
	MaxInterval         time.Duration // Maximum retry interval (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	// Attempts bound the retries, not wall time.
	b.MaxElapsedTime = 0

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry runs op until it succeeds, returns an error not marked retryable,
// or the attempt budget is spent.
func retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, stage string, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("retrying stage",
			logging.KeyStage, stage,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
	return backoff.RetryNotify(operation, cfg.policy(ctx), notify)
}

// BreakerRegistry manages per-class circuit breakers around generation.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logging.OrNop(logger).With("component", "breaker"),
	}
}

// Get returns the circuit breaker for class, creating it on first use.
func (r *BreakerRegistry) Get(class string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[class]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        class,
		MaxRequests: 3,                // Allow 3 test requests in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				logging.KeyClass, name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the backend.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[class] = cb
	return cb
}

// State reports the breaker state for class without creating one.
func (r *BreakerRegistry) State(class string) (gobreaker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[class]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// guard runs fn through cb. A failing fn's partial result is passed back
// along with its error.
func guard[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	v, _ := result.(T)
	return v, err
}
