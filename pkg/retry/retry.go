// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task to execute with retries in the Do method. It receives the attempt
// number, starting at zero, and returns true when no retry is needed.
type Task func(attempt int) (done bool)

// Retrier runs a Task until it succeeds with randomized exponential backoff.
type Retrier struct {
	// MinSleep is the initial and shortest sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, bounds the number of attempts.
	MaxNumRetries int
}

// Do runs 'task' until it returns true, the limits are hit, or 'ctx' is done.
// It reports whether the task succeeded and whether 'ctx' ended the loop.
func (r Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	maxSleep := r.MaxSleep
	if maxSleep < r.MinSleep {
		maxSleep = r.MinSleep
	}
	sleep := r.MinSleep
	deadline := time.Now().Add(r.MaxRetry)

	for attempt := 0; ; attempt++ {
		if r.MaxNumRetries > 0 && attempt >= r.MaxNumRetries {
			return false, false
		}
		if r.MaxRetry > 0 && time.Now().Add(sleep).After(deadline) {
			return false, false
		}
		if task(attempt) {
			return true, false
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, true
		}

		sleep = time.Duration(float64(sleep) * (1.75 + 0.5*rand.Float64()))
		if sleep > maxSleep {
			sleep = maxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
