// internal/llmclient/retry.go
package llmclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/repoagent/internal/config"
)

// RetryPolicy is the retry and rate-limit policy shared by every client and
// every work unit in a process. It is safe for concurrent use: the limiter is
// shared, and each call gets its own backoff state.
type RetryPolicy struct {
	logger         *zap.Logger
	limiter        *rate.Limiter
	maxRetries     uint64
	backoffFactory func() backoff.BackOff
	onRetry        func()
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithOnRetry registers a hook invoked before every retry, e.g. a metrics counter.
func WithOnRetry(fn func()) RetryOption {
	return func(p *RetryPolicy) { p.onRetry = fn }
}

// WithBackoffFactory overrides how per-call backoff state is built.
func WithBackoffFactory(fn func() backoff.BackOff) RetryOption {
	return func(p *RetryPolicy) { p.backoffFactory = fn }
}

// NewRetryPolicy builds a policy from the backoff section of the config.
// A non-positive RequestsPerSecond disables rate limiting.
func NewRetryPolicy(cfg config.BackoffConfig, logger *zap.Logger, opts ...RetryOption) *RetryPolicy {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	p := &RetryPolicy{
		logger:     logger.Named("retry"),
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: uint64(max(cfg.MaxRetries, 0)),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if cfg.InitialInterval > 0 {
				b.InitialInterval = cfg.InitialInterval
			}
			if cfg.MaxInterval > 0 {
				b.MaxInterval = cfg.MaxInterval
			}
			b.MaxElapsedTime = cfg.MaxElapsed
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs op until it succeeds, fails permanently, exhausts the retry budget or
// ctx ends. Each attempt waits on the shared limiter first. Errors that are not
// retryable TransportErrors stop the loop immediately.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Model request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if p.onRetry != nil {
			p.onRetry()
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backoffFactory(), p.maxRetries), ctx)
	return backoff.RetryNotify(operation, b, notify)
}
