// Package retry classifies errors and re-runs failed operations with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/nidhogg/overseer/internal/guard"
	"go.uber.org/zap"
)

// Category buckets an error by how it should be handled.
type Category string

const (
	CategoryNetwork   Category = "network"
	CategoryRateLimit Category = "rate_limit"
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
)

// Config controls retry count and backoff shape.
type Config struct {
	MaxRetries      int           `json:"max_retries"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	ExponentialBase float64       `json:"exponential_base"`
	Jitter          bool          `json:"jitter"`
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// permanentMarkers are message fragments that indicate a non-retryable error.
var permanentMarkers = []string{
	"validation",
	"invalid",
	"malformed",
	"unauthorized",
	"forbidden",
	"permission denied",
	"not found",
	"bad request",
	"unsupported",
}

// networkMarkers are message fragments that indicate a network-level error.
var networkMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"network is unreachable",
	"i/o timeout",
	"eof",
}

// rateLimitMarkers are message fragments that indicate throttling.
var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"429",
}

// Classify maps an error to a Category using its type and message.
// It is a pure function; nil classifies as transient but callers should
// never pass nil.
func Classify(err error) Category {
	if err == nil {
		return CategoryTransient
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429:
			return CategoryRateLimit
		case status == 408:
			return CategoryNetwork
		case status >= 500:
			return CategoryTransient
		case status >= 400:
			return CategoryPermanent
		}
	}

	var timeoutErr *guard.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return CategoryRateLimit
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return CategoryNetwork
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return CategoryPermanent
		}
	}
	return CategoryTransient
}

// ShouldRetry reports whether another attempt is allowed after err on the
// given zero-based attempt number. Permanent errors are never retried.
func ShouldRetry(err error, attempt, maxRetries int) bool {
	if attempt >= maxRetries {
		return false
	}
	return Classify(err) != CategoryPermanent
}

// Delay computes the backoff before the given zero-based attempt:
// min(base * exp^attempt, max). With jitter enabled the result is uniformly
// randomized within ±50%, clamped to [0, max].
func Delay(attempt int, cfg Config) time.Duration {
	base := cfg.ExponentialBase
	if base <= 1 {
		base = 2.0
	}
	d := float64(cfg.BaseDelay) * math.Pow(base, float64(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d = d * (0.5 + rand.Float64()) // uniform in [0.5d, 1.5d)
		if d > float64(cfg.MaxDelay) {
			d = float64(cfg.MaxDelay)
		}
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Executor retries operations according to a Config.
type Executor struct {
	cfg    Config
	logger *zap.Logger
}

// NewExecutor creates a retry executor.
func NewExecutor(cfg Config, logger *zap.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger}
}

// Do runs op, retrying retryable failures with backoff until MaxRetries is
// exhausted. Backoff sleeps honor ctx cancellation. The last error is
// returned on exhaustion.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !ShouldRetry(lastErr, attempt, e.cfg.MaxRetries) {
			if Classify(lastErr) == CategoryPermanent {
				e.logger.Debug("permanent error, not retrying", zap.Error(lastErr))
			}
			return lastErr
		}

		delay := Delay(attempt, e.cfg)
		e.logger.Debug("retrying after backoff",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("category", string(Classify(lastErr))),
			zap.Error(lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
}

// DoWithFallback behaves like Do but invokes fallback instead of returning
// the last error once retries are exhausted.
func (e *Executor) DoWithFallback(ctx context.Context, op, fallback func(ctx context.Context) error) error {
	err := e.Do(ctx, op)
	if err == nil || fallback == nil {
		return err
	}
	e.logger.Info("retries exhausted, invoking fallback", zap.Error(err))
	return fallback(ctx)
}
