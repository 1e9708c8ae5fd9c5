// Package retry implements the bounded linear-backoff policy the
// Broker Gateway applies to transient failures. A generic
// `Do(ctx, cfg, classify, fn)` executor lets any caller wrap a broker call with a
// custom policy.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config bounds a retry policy.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Linear, when true, grows the backoff by InitialBackoff each
	// attempt; when false the backoff grows by a factor of 1.5. Jitter
	// is added in both modes.
	Linear bool
}

// GatewayConfig is the Broker Gateway's bounded retry policy: linear
// backoff, at most two retries.
var GatewayConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     3 * time.Second,
	Linear:         true,
}

// Do runs fn, retrying up to cfg.MaxRetries times when classify(err)
// reports the failure as transient. It never retries a non-transient
// error or a context cancellation/deadline.
func Do(ctx context.Context, cfg Config, classify func(error) bool, fn func(ctx context.Context) error) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: context done before attempt %d: %w", attempt+1, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || !classify(err) {
			break
		}

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return fmt.Errorf("retry: context done during backoff: %w", ctx.Err())
		}

		if cfg.Linear {
			backoff += cfg.InitialBackoff
		} else {
			backoff = time.Duration(float64(backoff) * 1.5)
		}
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("retry: exhausted after %d attempt(s): %w", cfg.MaxRetries+1, lastErr)
}

// jitter adds up to 25% random jitter, using crypto/rand rather than
// math/rand so the engine has no global PRNG state to seed.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// IsTransientHTTP classifies an HTTP-layer error or status code as
// transient: timeouts and 5xx are retried; 4xx responses are surfaced
// as typed errors and never retried.
func IsTransientHTTP(statusCode int, err error) bool {
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	if statusCode >= 400 && statusCode < 500 {
		return false
	}
	if err == nil {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return IsTransientText(err.Error())
}

// IsTransientText classifies raw error text, kept only for the one
// case where the broker leaves no structured signal.
func IsTransientText(errText string) bool {
	lower := strings.ToLower(errText)
	patterns := []string{
		"timeout", "i/o timeout", "connection refused", "connection reset",
		"temporary failure", "temporarily unavailable", "server error",
		"rate limit", "429", "502", "503", "504", "network", "dns", "tcp",
		"no such host", "deadline exceeded", "tls handshake", "broken pipe", "eof",
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
