// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// RetryPolicy bounds retries of one network operation
type RetryPolicy struct {
	MaxRetries       int           // attempts including the first one
	InitialDelay     time.Duration // delay after the first failure
	MaxDelay         time.Duration
	Multiplier       float64
	RequestTimeout   time.Duration // per-attempt timeout while the server is warm
	ColdStartTimeout time.Duration // per-attempt timeout after a connectivity failure
}

// DefaultRetryPolicy returns the policy used when Config.Retry is left empty
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       3,
		InitialDelay:     time.Second,
		MaxDelay:         30 * time.Second,
		Multiplier:       2,
		RequestTimeout:   15 * time.Second,
		ColdStartTimeout: 60 * time.Second,
	}
}

// RetryController runs network calls with bounded exponential backoff.
//
// A connectivity failure sets the cold-start flag: the next attempts get the longer
// ColdStartTimeout, since an idle backend may need tens of seconds for its first
// response. The first success clears it.
type RetryController struct {
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu                  sync.Mutex
	coldStartDetected   bool
	consecutiveFailures int
}

// NewRetryController creates a controller for the policy
func NewRetryController(policy RetryPolicy, logger *slog.Logger) *RetryController {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultRetryPolicy()
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = d.MaxRetries
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = d.Multiplier
	}
	if policy.RequestTimeout <= 0 {
		policy.RequestTimeout = d.RequestTimeout
	}
	if policy.ColdStartTimeout < policy.RequestTimeout {
		policy.ColdStartTimeout = policy.RequestTimeout
	}
	return &RetryController{policy: policy, logger: logger, sleep: sleepCtx}
}

// Execute calls fn until it succeeds, fails with a non-retryable error, or the policy
// is exhausted. The error returned is classified into the terminal taxonomy.
//
// Each attempt runs on a context detached from ctx cancellation and bounded by the
// request timeout, so shutdown never aborts a write halfway. ctx still stops the
// waits between attempts.
func (r *RetryController) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Backoff(attempt - 1)
			r.logger.Debug("Retrying after backoff", "op", op, "attempt", attempt+1, "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Timeout())
		err := Classify(op, fn(attemptCtx))
		cancel()

		if err == nil {
			r.recordSuccess()
			return nil
		}
		lastErr = err
		r.recordFailure(err)

		if !IsConnectivity(err) {
			// Auth, validation and item-level failures are decided by the caller
			return err
		}
		r.logger.Warn("Network call failed", "op", op, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// Backoff returns initialDelay*multiplier^attempt capped at MaxDelay
func (r *RetryController) Backoff(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt))
	if r.policy.MaxDelay > 0 && d > float64(r.policy.MaxDelay) {
		return r.policy.MaxDelay
	}
	return time.Duration(d)
}

// Timeout returns the per-attempt timeout for the next call
func (r *RetryController) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coldStartDetected {
		return r.policy.ColdStartTimeout
	}
	return r.policy.RequestTimeout
}

// ColdStartDetected reports whether the last network outcome was a connectivity failure
func (r *RetryController) ColdStartDetected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coldStartDetected
}

// ConsecutiveFailures counts failed attempts since the last success
func (r *RetryController) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}

func (r *RetryController) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coldStartDetected = false
	r.consecutiveFailures = 0
}

func (r *RetryController) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	if IsConnectivity(err) {
		r.coldStartDetected = true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
