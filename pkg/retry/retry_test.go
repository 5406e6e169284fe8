// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"testing"
	"time"
)

func TestSucceedsEventually(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 5 * time.Millisecond}
	attempts := 0
	ok, cancelled := r.Do(context.Background(), func(i int) bool {
		attempts++
		return i == 3
	})
	if !ok || cancelled || attempts != 4 {
		t.Fatalf("got ok=%t cancelled=%t after %d attempts", ok, cancelled, attempts)
	}
}

func TestMaxNumRetries(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 3}
	attempts := 0
	ok, cancelled := r.Do(context.Background(), func(int) bool {
		attempts++
		return false
	})
	if ok || cancelled || attempts != 3 {
		t.Fatalf("got ok=%t cancelled=%t after %d attempts", ok, cancelled, attempts)
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MinSleep: time.Hour}
	ok, cancelled := r.Do(ctx, func(int) bool {
		cancel()
		return false
	})
	if ok || !cancelled {
		t.Fatalf("got ok=%t cancelled=%t", ok, cancelled)
	}
}
