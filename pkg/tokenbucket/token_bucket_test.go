// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"testing"
	"time"
)

func TestTake(t *testing.T) {
	tb := New(100, 500)
	start := tb.last

	if tb.take(100, start.Add(time.Second)) > 0 {
		t.Errorf("full bucket made us sleep")
	}
	if tb.take(500, start.Add(2*time.Second)) > 0 {
		t.Errorf("refilled bucket made us sleep")
	}
	// 100 refilled, 100 taken: empty, then 50 more cost half a second.
	if s := tb.take(150, start.Add(3*time.Second)); s < 400*time.Millisecond || s > 600*time.Millisecond {
		t.Errorf("expected ~500ms, got %s", s)
	}
}

func TestWaitCanceled(t *testing.T) {
	tb := New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tb.Wait(ctx, 100); err != context.Canceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err := New(1000, 10).Wait(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
}
