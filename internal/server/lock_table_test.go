// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

var BG = context.Background()

func mustLock(t *testing.T, lt *LockTable, no core.RecordNo) core.Cookie {
	c, err := lt.Lock(BG, no)
	if err != core.NoError {
		t.Fatalf("failed to lock %d: %s", no, err)
	}
	if c <= 0 {
		t.Fatalf("cookie should be positive, got %d", c)
	}
	return c
}

// waitForWaiters spins until 'n' callers are queued.
func waitForWaiters(t *testing.T, lt *LockTable, n int) {
	for i := 0; i < 1000; i++ {
		if _, w := lt.Stats(); w == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d waiters", n)
}

func TestUnlockViolations(t *testing.T) {
	lt := NewLockTable(0, 0)
	if err := lt.Unlock(3, 1); err != core.ErrLockViolation {
		t.Fatalf("unlocking an unlocked record should be a violation, got %s", err)
	}
	c := mustLock(t, lt, 3)
	if err := lt.Unlock(3, c+1); err != core.ErrLockViolation {
		t.Fatalf("unlocking with the wrong cookie should be a violation, got %s", err)
	}
	if lt.Validate(3, c) != core.NoError || lt.Validate(3, c+1) != core.ErrLockViolation || lt.Validate(4, c) != core.ErrLockViolation {
		t.Fatalf("validate disagrees with the holder")
	}
	if err := lt.Unlock(3, c); err != core.NoError {
		t.Fatalf("unlock failed: %s", err)
	}
	if err := lt.Unlock(3, c); err != core.ErrLockViolation {
		t.Fatalf("double unlock should be a violation, got %s", err)
	}
	if held, _ := lt.Stats(); held != 0 {
		t.Fatalf("expected no held locks, got %d", held)
	}
}

// Locks on different records don't interfere.
func TestIndependentRecords(t *testing.T) {
	lt := NewLockTable(time.Second, 0)
	a := mustLock(t, lt, 1)
	b := mustLock(t, lt, 2)
	if err := lt.Unlock(2, b); err != core.NoError {
		t.Fatal(err)
	}
	if err := lt.Unlock(1, a); err != core.NoError {
		t.Fatal(err)
	}
}

// N competing lockers all get the lock, never two at once.
func TestMutualExclusion(t *testing.T) {
	lt := NewLockTable(0, 0)
	var inside, total int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := lt.Lock(BG, 7)
				if err != core.NoError {
					t.Errorf("lock failed: %s", err)
					return
				}
				if n := atomic.AddInt32(&inside, 1); n != 1 {
					t.Errorf("%d holders at once", n)
				}
				atomic.AddInt32(&total, 1)
				atomic.AddInt32(&inside, -1)
				if err := lt.Unlock(7, c); err != core.NoError {
					t.Errorf("unlock failed: %s", err)
				}
			}
		}()
	}
	wg.Wait()
	if total != 1000 {
		t.Fatalf("expected 1000 acquisitions, got %d", total)
	}
}

// Waiters are served in arrival order.
func TestFIFO(t *testing.T) {
	lt := NewLockTable(0, 0)
	c := mustLock(t, lt, 0)

	order := make(chan int, 5)
	for i := 0; i < 5; i++ {
		go func(i int) {
			c, err := lt.Lock(BG, 0)
			if err != core.NoError {
				t.Errorf("lock failed: %s", err)
				return
			}
			order <- i
			lt.Unlock(0, c)
		}(i)
		waitForWaiters(t, lt, i+1)
	}
	lt.Unlock(0, c)
	for want := 0; want < 5; want++ {
		if got := <-order; got != want {
			t.Fatalf("waiter %d got the lock, expected %d", got, want)
		}
	}
}

func TestLockTimeout(t *testing.T) {
	lt := NewLockTable(20*time.Millisecond, 0)
	c := mustLock(t, lt, 5)
	if _, err := lt.Lock(BG, 5); err != core.ErrLockTimeout {
		t.Fatalf("expected timeout, got %s", err)
	}
	if _, w := lt.Stats(); w != 0 {
		t.Fatalf("timed out waiter still queued")
	}
	if err := lt.Unlock(5, c); err != core.NoError {
		t.Fatalf("holder lost the lock: %s", err)
	}
	if held, _ := lt.Stats(); held != 0 {
		t.Fatalf("lock should be free")
	}
}

// A canceled waiter leaves the queue and the next one gets the lock.
func TestLockCancel(t *testing.T) {
	lt := NewLockTable(0, 0)
	c := mustLock(t, lt, 1)

	ctx, cancel := context.WithCancel(BG)
	canceled := make(chan core.Error)
	go func() {
		_, err := lt.Lock(ctx, 1)
		canceled <- err
	}()
	waitForWaiters(t, lt, 1)

	got := make(chan core.Cookie)
	go func() {
		c, _ := lt.Lock(BG, 1)
		got <- c
	}()
	waitForWaiters(t, lt, 2)

	cancel()
	if err := <-canceled; err != core.ErrCanceled {
		t.Fatalf("expected canceled, got %s", err)
	}
	lt.Unlock(1, c)
	c2 := <-got
	if c2 == c || lt.Validate(1, c2) != core.NoError {
		t.Fatalf("second waiter didn't get a fresh lock")
	}
}

// A waiter that gives up after the lock was handed to it passes it on.
func TestAbandonAfterHandOff(t *testing.T) {
	lt := NewLockTable(0, 0)
	c := mustLock(t, lt, 9)

	// Queue a waiter by hand so it can be handed the lock without reading it.
	ch := make(chan core.Cookie, 1)
	lt.lock.Lock()
	lt.locks[9].waiters = append(lt.locks[9].waiters, ch)
	lt.lock.Unlock()

	got := make(chan core.Cookie)
	go func() {
		c, _ := lt.Lock(BG, 9)
		got <- c
	}()
	waitForWaiters(t, lt, 2)

	lt.Unlock(9, c)
	if err := lt.abandon(9, ch, core.ErrCanceled); err != core.ErrCanceled {
		t.Fatalf("unexpected abandon result %s", err)
	}
	if c2 := <-got; lt.Validate(9, c2) != core.NoError {
		t.Fatalf("lock was not passed on")
	}
}

// The deadline of the caller's context bounds the wait like the table's
// timeout does.
func TestLockDeadline(t *testing.T) {
	lt := NewLockTable(0, 0)
	c := mustLock(t, lt, 2)
	ctx, cancel := context.WithTimeout(BG, 20*time.Millisecond)
	defer cancel()
	if _, err := lt.Lock(ctx, 2); err != core.ErrLockTimeout {
		t.Fatalf("expected timeout, got %s", err)
	}
	if _, w := lt.Stats(); w != 0 {
		t.Fatalf("expired waiter still queued")
	}
	lt.Unlock(2, c)
}

// An unused lock expires and goes to the next waiter; using it renews it.
func TestLease(t *testing.T) {
	lt := NewLockTable(0, 50*time.Millisecond)
	c := mustLock(t, lt, 6)

	// Keep it alive past several leases.
	for i := 0; i < 6; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := lt.Validate(6, c); err != core.NoError {
			t.Fatalf("lease not renewed by use: %s", err)
		}
	}

	got := make(chan core.Cookie)
	go func() {
		c, _ := lt.Lock(BG, 6)
		got <- c
	}()
	c2 := <-got
	if c2 == c || lt.Validate(6, c) != core.ErrLockViolation {
		t.Fatalf("expired lock still valid")
	}
	if err := lt.Unlock(6, c); err != core.ErrLockViolation {
		t.Fatalf("unlock with expired cookie should be a violation, got %s", err)
	}

	// Without waiters an expired lock is simply released.
	time.Sleep(150 * time.Millisecond)
	if held, _ := lt.Stats(); held != 0 {
		t.Fatalf("expired lock still held")
	}
}
