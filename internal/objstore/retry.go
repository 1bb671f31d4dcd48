package objstore

import (
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy defines how transient storage errors are retried
type RetryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       bool
	logger       *zap.Logger
}

// RetryOption configures retry behavior
type RetryOption func(*RetryPolicy)

func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) { p.maxAttempts = n }
}

func WithInitialDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.initialDelay = d }
}

func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.maxDelay = d }
}

// WithJitter spreads retries to prevent thundering herd
func WithJitter(enabled bool) RetryOption {
	return func(p *RetryPolicy) { p.jitter = enabled }
}

func WithLogger(logger *zap.Logger) RetryOption {
	return func(p *RetryPolicy) { p.logger = logger }
}

func NewRetryPolicy(opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:  5,
		initialDelay: 200 * time.Millisecond,
		maxDelay:     30 * time.Second,
		multiplier:   2.0,
		jitter:       true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs fn until it succeeds or attempts exhaust
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := fn(); err == nil {
			if attempt > 0 {
				p.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("maxAttempts", p.maxAttempts))
			}
			return nil
		} else {
			lastErr = err
		}

		if attempt == p.maxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)
		p.logger.Debug("operation failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", p.maxAttempts),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.logger.Warn("operation failed after all retries",
		zap.Error(lastErr),
		zap.Int("attempts", p.maxAttempts))

	return lastErr
}

func (p *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(p.initialDelay) * math.Pow(p.multiplier, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if p.jitter {
		// between 0.5x and 1.5x
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// RetryableDriver wraps a driver with retry logic. Chunk writes are
// write-once keys, so retrying a Put is safe.
type RetryableDriver struct {
	driver Driver
	policy *RetryPolicy
}

func NewRetryableDriver(driver Driver, policy *RetryPolicy) *RetryableDriver {
	return &RetryableDriver{driver: driver, policy: policy}
}

func (r *RetryableDriver) Name() string { return r.driver.Name() }

func (r *RetryableDriver) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	var result io.ReadCloser
	err := r.policy.Execute(ctx, func() error {
		var err error
		result, err = r.driver.Get(ctx, bucket, key)
		return err
	})
	return result, err
}

func (r *RetryableDriver) Put(ctx context.Context, bucket, key string, data io.Reader) error {
	return r.policy.Execute(ctx, func() error {
		if seeker, ok := data.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		return r.driver.Put(ctx, bucket, key, data)
	})
}

func (r *RetryableDriver) Delete(ctx context.Context, bucket, key string) error {
	return r.policy.Execute(ctx, func() error {
		return r.driver.Delete(ctx, bucket, key)
	})
}

func (r *RetryableDriver) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var result []string
	err := r.policy.Execute(ctx, func() error {
		var err error
		result, err = r.driver.List(ctx, bucket, prefix)
		return err
	})
	return result, err
}

func (r *RetryableDriver) Exists(ctx context.Context, bucket, key string) (bool, error) {
	var result bool
	err := r.policy.Execute(ctx, func() error {
		var err error
		result, err = r.driver.Exists(ctx, bucket, key)
		return err
	})
	return result, err
}
