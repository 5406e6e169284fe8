// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple goroutines at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float64 // tokens per second
	capacity float64
	current  float64
	last     time.Time
}

// New returns a full token bucket that refills at 'rate' tokens per second up
// to 'capacity' tokens.
func New(rate, capacity float64) *TokenBucket {
	return &TokenBucket{rate: rate, capacity: capacity, current: capacity, last: time.Now()}
}

// Wait takes 'n' tokens and sleeps until the balance is no longer negative,
// or until 'ctx' is done.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	d := tb.take(n, time.Now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// take refills the bucket up to 'now', consumes 'n' tokens, possibly going
// negative, and returns how long until the balance is non-negative again.
func (tb *TokenBucket) take(n float64, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.current += tb.rate * now.Sub(tb.last).Seconds()
	tb.last = now
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
	tb.current -= n
	return time.Duration(-tb.current / tb.rate * float64(time.Second))
}

// SetRate changes the rate and capacity.
func (tb *TokenBucket) SetRate(rate, capacity float64) {
	tb.lock.Lock()
	tb.rate, tb.capacity = rate, capacity
	tb.lock.Unlock()
}
