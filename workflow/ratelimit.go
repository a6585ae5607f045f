/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"context"
	"sync"
	"time"
)

// RateLimiter bounds planner LLM calls with a sliding window so a runaway
// planning loop cannot hammer the model
type RateLimiter struct {
	maxRequests   int
	periodSeconds int
	requests      []time.Time
	mu            sync.Mutex
}

// NewRateLimiter creates a sliding-window rate limiter
func NewRateLimiter(maxRequests, periodSeconds int) *RateLimiter {
	return &RateLimiter{
		maxRequests:   maxRequests,
		periodSeconds: periodSeconds,
		requests:      make([]time.Time, 0, maxRequests),
	}
}

// prune drops requests that have left the window. Caller holds the lock.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Duration(r.periodSeconds) * time.Second)
	valid := make([]time.Time, 0, len(r.requests))
	for _, t := range r.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.requests = valid
}

// Wait blocks until the window admits a new request or the context is
// cancelled. Returns the time waited.
func (r *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	r.mu.Lock()

	now := time.Now()
	r.prune(now)

	if len(r.requests) < r.maxRequests {
		r.requests = append(r.requests, now)
		r.mu.Unlock()
		return 0, nil
	}

	// Wait for the oldest request to leave the window
	oldest := r.requests[0]
	waitDuration := oldest.Add(time.Duration(r.periodSeconds) * time.Second).Sub(now)
	r.mu.Unlock()

	if waitDuration > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(waitDuration):
		}
	}

	r.mu.Lock()
	now = time.Now()
	r.prune(now)
	r.requests = append(r.requests, now)
	r.mu.Unlock()

	return waitDuration, nil
}

// Available returns how many requests fit in the window right now
func (r *RateLimiter) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return r.maxRequests - len(r.requests)
}
