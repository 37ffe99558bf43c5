// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryConfig defines the backoff used while the database is unreachable.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 means no retries)
	MaxRetries int
	// InitialBackoff is the initial backoff duration before the first retry
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration between retries
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff is multiplied after each retry
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the backoff used at startup.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// OpenWithRetry calls Open until it succeeds, fails with an error other than
// ErrUnavailable, or runs out of attempts.
func OpenWithRetry(ctx context.Context, opts Options, cfg RetryConfig, logger *zap.Logger) (*Store, error) {
	backoff := cfg.InitialBackoff
	for attempt := 0; ; attempt++ {
		s, err := Open(ctx, opts, logger)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrUnavailable) || attempt >= cfg.MaxRetries {
			return nil, err
		}

		logger.Warn("audit database unavailable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
