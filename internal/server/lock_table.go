// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// LockTable provides exclusive access to records. A lock is identified by a
// random cookie that the holder presents to mutate or unlock the record.
//
// Waiters for a record are queued and served in arrival order: Unlock hands
// the lock directly to the oldest waiter.
//
// If the table has a lease, a granted lock expires when its holder neither
// unlocks it nor uses it (Validate) for the lease duration, and is passed on
// as if it had been unlocked.
type LockTable struct {
	// Protects locks.
	lock sync.Mutex

	// Held records. If present, the record is locked.
	locks map[core.RecordNo]*recordLock

	// How long Lock waits before giving up, zero waits forever.
	timeout time.Duration

	// How long a granted lock lives without use, zero never expires.
	lease time.Duration
}

type recordLock struct {
	cookie core.Cookie

	// When the lease of 'cookie' runs out, and the timer checking it. Unused
	// if the table has no lease.
	expires time.Time
	timer   *time.Timer

	// Waiters in arrival order. Each channel has a buffer of one and
	// receives the cookie when the lock is handed over.
	waiters []chan core.Cookie
}

// NewLockTable creates a new LockTable whose waiters give up after 'timeout'
// and whose locks expire after 'lease' without use. Zero disables either.
func NewLockTable(timeout, lease time.Duration) *LockTable {
	return &LockTable{locks: make(map[core.RecordNo]*recordLock), timeout: timeout, lease: lease}
}

// Lock blocks until the caller holds the lock on record 'no' and returns its
// cookie. It fails with ErrLockTimeout if the lock wasn't granted within the
// table's timeout or before the deadline of 'ctx', and with ErrCanceled if
// 'ctx' was canceled first.
//
// If 'ctx' carries a Parker (see WithParking), it is parked while waiting.
func (t *LockTable) Lock(ctx context.Context, no core.RecordNo) (core.Cookie, core.Error) {
	t.lock.Lock()
	rl, held := t.locks[no]
	if !held {
		rl = &recordLock{}
		t.locks[no] = rl
		t.grant(no, rl, 0)
		c := rl.cookie
		t.lock.Unlock()
		return c, core.NoError
	}
	ch := make(chan core.Cookie, 1)
	rl.waiters = append(rl.waiters, ch)
	resume := func() {}
	if p, ok := ctx.Value(parkerKey{}).(Parker); ok {
		// Parked before the waiter is visible in Stats.
		resume = p.Park()
	}
	t.lock.Unlock()
	defer resume()

	var expired <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case c := <-ch:
		return c, core.NoError
	case <-expired:
		return 0, t.abandon(no, ch, core.ErrLockTimeout)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return 0, t.abandon(no, ch, core.ErrLockTimeout)
		}
		return 0, t.abandon(no, ch, core.ErrCanceled)
	}
}

// abandon removes a waiter that gave up. If the lock was handed to it in the
// meantime it is passed on as if the waiter had unlocked it.
func (t *LockTable) abandon(no core.RecordNo, ch chan core.Cookie, why core.Error) core.Error {
	t.lock.Lock()
	defer t.lock.Unlock()
	rl := t.locks[no]
	if rl != nil {
		for i, w := range rl.waiters {
			if w == ch {
				rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
				return why
			}
		}
	}
	// Handed over under t.lock, so the cookie is already buffered.
	<-ch
	t.handOff(no, rl)
	return why
}

// Unlock releases the lock on record 'no'. It fails with ErrLockViolation if
// the record isn't locked or 'cookie' isn't the holder's.
func (t *LockTable) Unlock(no core.RecordNo, cookie core.Cookie) core.Error {
	t.lock.Lock()
	defer t.lock.Unlock()
	rl, ok := t.locks[no]
	if !ok || rl.cookie != cookie {
		return core.ErrLockViolation
	}
	t.handOff(no, rl)
	return core.NoError
}

// grant gives 'rl' a fresh cookie and starts its lease. Must be called with
// t.lock held.
func (t *LockTable) grant(no core.RecordNo, rl *recordLock, prev core.Cookie) {
	rl.cookie = newCookie(prev)
	if t.lease <= 0 {
		return
	}
	rl.expires = time.Now().Add(t.lease)
	cookie := rl.cookie
	rl.timer = time.AfterFunc(t.lease, func() { t.expire(no, cookie) })
}

// expire passes on the lock of record 'no' if 'cookie' still holds it and its
// lease ran out, or checks again when the lease was renewed.
func (t *LockTable) expire(no core.RecordNo, cookie core.Cookie) {
	t.lock.Lock()
	defer t.lock.Unlock()
	rl, ok := t.locks[no]
	if !ok || rl.cookie != cookie {
		return
	}
	if left := time.Until(rl.expires); left > 0 {
		rl.timer = time.AfterFunc(left, func() { t.expire(no, cookie) })
		return
	}
	log.Errorf("lock on record %d expired unused, passing it on", no)
	t.handOff(no, rl)
}

// handOff gives the lock to the next waiter, or releases it. Must be called
// with t.lock held.
func (t *LockTable) handOff(no core.RecordNo, rl *recordLock) {
	if rl.timer != nil {
		rl.timer.Stop()
		rl.timer = nil
	}
	if len(rl.waiters) == 0 {
		delete(t.locks, no)
		return
	}
	next := rl.waiters[0]
	rl.waiters = rl.waiters[1:]
	t.grant(no, rl, rl.cookie)
	next <- rl.cookie
}

// Validate returns NoError if 'cookie' holds the lock on record 'no' and
// ErrLockViolation otherwise. A successful check renews the lease.
func (t *LockTable) Validate(no core.RecordNo, cookie core.Cookie) core.Error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if rl, ok := t.locks[no]; ok && rl.cookie == cookie {
		if t.lease > 0 {
			rl.expires = time.Now().Add(t.lease)
		}
		return core.NoError
	}
	return core.ErrLockViolation
}

// Stats returns the number of held locks and of callers waiting for one.
func (t *LockTable) Stats() (held, waiting int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, rl := range t.locks {
		waiting += len(rl.waiters)
	}
	return len(t.locks), waiting
}

// newCookie returns a random positive cookie different from 'prev'.
func newCookie(prev core.Cookie) core.Cookie {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		c := core.Cookie(binary.BigEndian.Uint64(b[:]) & math.MaxInt64)
		if c != 0 && c != prev {
			return c
		}
	}
}
