// Package retry wraps remote operations with bounded, classified retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/manuscript/internal/metrics"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; later retries double it.
	BaseDelay time.Duration
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
}

// DefaultConfig returns three attempts with a two second base delay.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Option customises an Invoker.
type Option func(*Invoker)

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(i *Invoker) { i.newTimer = newTimer }
}

// WithJitter replaces the jitter source. The returned value is clamped to [0, base).
func WithJitter(jitter func(base time.Duration) time.Duration) Option {
	return func(i *Invoker) { i.jitter = jitter }
}

// WithMetrics records every attempt into the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(i *Invoker) { i.metrics = c }
}

// Invoker runs operations with exponential backoff between attempts.
// It is safe for concurrent use.
type Invoker struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	newTimer func() backoff.Timer
	jitter   func(time.Duration) time.Duration
}

// New creates an Invoker. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Invoker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Invoker{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// MaxAttempts returns the configured attempt bound.
func (i *Invoker) MaxAttempts() int {
	return i.cfg.MaxAttempts
}

// Do calls fn until it succeeds, fails without a retryable class, or runs
// out of attempts. A fatal failure returns a *FatalError; running out of
// attempts returns an *ExhaustedError. An unclassified failure is returned
// wrapped with op after one attempt and is not fatal. Cancelling ctx stops
// retrying and returns ctx.Err().
func (i *Invoker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0
	var last error
	var lastClass Class

	operation := func() error {
		attempts++
		attemptCtx, cancel := i.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		err := fn(attemptCtx)
		if err == nil {
			i.metrics.RecordAttempt(op, time.Since(start), nil, false)
			return nil
		}

		class := Classify(err)
		if ctx.Err() != nil {
			class = ClassFatal
		}
		last, lastClass = err, class
		more := class.Retryable() && attempts < i.cfg.MaxAttempts
		i.metrics.RecordAttempt(op, time.Since(start), err, more)

		attrs := []any{"op", op, "attempt", attempts, "max_attempts", i.cfg.MaxAttempts, "error", err}
		switch class {
		case ClassEmptyPayload:
			i.logger.Warn("empty payload from remote call", attrs...)
			return err
		case ClassRetryable:
			if more {
				i.logger.Warn("remote call failed, will retry", attrs...)
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, delay time.Duration) {
		i.logger.Debug("backing off", "op", op, "attempt", attempts, "delay", delay)
	}

	var timer backoff.Timer
	if i.newTimer != nil {
		timer = i.newTimer()
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialJitter(i.cfg.BaseDelay, i.jitter), uint64(i.cfg.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if last == nil {
		last = err
	}
	switch {
	case lastClass.Retryable():
		i.logger.Error("remote call exhausted retries", "op", op, "attempts", attempts, "error", last)
		return &ExhaustedError{Op: op, Attempts: attempts, Last: last}
	case lastClass == ClassUnknown:
		i.logger.Error("remote call failed with unclassified error", "op", op, "attempts", attempts, "error", last)
		return fmt.Errorf("%s: %w", op, last)
	}
	i.logger.Error("remote call failed", "op", op, "attempts", attempts, "error", last)
	return &FatalError{Op: op, Err: last}
}

func (i *Invoker) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.cfg.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.cfg.AttemptTimeout)
}

// Invoke is Do for operations that produce a value.
func Invoke[T any](ctx context.Context, inv *Invoker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := inv.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// InvokeText is Invoke for text-producing calls. Blank output counts as an
// empty payload and is retried.
func InvokeText(ctx context.Context, inv *Invoker, op string, fn func(ctx context.Context) (string, error)) (string, error) {
	return Invoke(ctx, inv, op, func(ctx context.Context) (string, error) {
		text, err := fn(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", ErrEmptyPayload
		}
		return text, nil
	})
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhaustedRetries)
}
