package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

// Options bound and retry provider calls.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a ProviderUnavailable failure.
	MaxRetries int
	// InitialBackoff is the delay before the first retry. It grows exponentially.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	return o
}

// Guard wraps provider calls with a per-attempt timeout, a circuit breaker and
// exponential backoff. Only ProviderUnavailable failures are retried or count
// against the breaker. Calls made with RunFor get a breaker per key, so one
// failing endpoint does not open the circuit for the others.
type Guard struct {
	provider models.Provider
	name     string
	breaker  *gobreaker.CircuitBreaker
	opts     Options
	logger   *zap.Logger

	mu    sync.Mutex
	keyed map[string]*gobreaker.CircuitBreaker
}

// NewGuard creates the guard for one provider's API.
func NewGuard(provider models.Provider, opts Options, logger *zap.Logger) *Guard {
	return newGuard(provider, string(provider)+"-api", opts, logger)
}

// NewTokenGuard creates the guard for one provider's token endpoint.
func NewTokenGuard(provider models.Provider, opts Options, logger *zap.Logger) *Guard {
	return newGuard(provider, string(provider)+"-token", opts, logger)
}

func newGuard(provider models.Provider, name string, opts Options, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		provider: provider,
		name:     name,
		opts:     opts.withDefaults(),
		logger:   logger,
		keyed:    make(map[string]*gobreaker.CircuitBreaker),
	}
	g.breaker = g.newBreaker(name)
	return g
}

func (g *Guard) newBreaker(name string) *gobreaker.CircuitBreaker {
	logger := g.logger
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(mailerr.Retryable(err) || errors.Is(err, context.DeadlineExceeded))
		},
	})
}

func (g *Guard) breakerFor(key string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.keyed[key]
	if !ok {
		b = g.newBreaker(g.name + ":" + key)
		g.keyed[key] = b
	}
	return b
}

// State reports the shared breaker state, for health output.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// StateFor reports the state of the breaker for key.
func (g *Guard) StateFor(key string) string {
	return g.breakerFor(key).State().String()
}

// Run executes fn under the guard. operation labels metrics and logs.
func (g *Guard) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return g.run(ctx, operation, g.breaker, fn)
}

// RunFor executes fn under the breaker for key, typically one remote host.
func (g *Guard) RunFor(ctx context.Context, key, operation string, fn func(ctx context.Context) error) error {
	return g.run(ctx, operation, g.breakerFor(key), fn)
}

// RunUnbroken executes fn with the timeout and retry rules but no breaker.
// Failures are neither blocked by nor counted against any circuit.
func (g *Guard) RunUnbroken(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return g.run(ctx, operation, nil, fn)
}

func (g *Guard) run(ctx context.Context, operation string, breaker *gobreaker.CircuitBreaker, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := g.attempt(ctx, operation, breaker, fn)
		if err == nil {
			return nil
		}
		if mailerr.Retryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialBackoff
	b.MaxInterval = g.opts.MaxBackoff
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		g.logger.Warn("provider call failed, retrying",
			zap.String("provider", string(g.provider)),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.MaxRetries)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}

func (g *Guard) attempt(ctx context.Context, operation string, breaker *gobreaker.CircuitBreaker, fn func(ctx context.Context) error) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	var err error
	if breaker == nil {
		err = fn(callCtx)
	} else {
		_, err = breaker.Execute(func() (interface{}, error) {
			return nil, fn(callCtx)
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = &mailerr.ProviderUnavailableError{Provider: string(g.provider), Err: err}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !mailerr.Retryable(err):
		err = &mailerr.ProviderUnavailableError{Provider: string(g.provider), Err: err}
	}

	metrics.RecordProviderCall(string(g.provider), operation, err, time.Since(start))
	return err
}
