// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// Gate decides whether a request may run. Requests are rejected when too
// many are already pending, when they mutate and the server is in read-only
// mode, or when a failure has been injected for their op.
type Gate struct {
	// Semaphore of pending requests, nil if unlimited.
	pending chan struct{}

	// Protects readOnly and failures.
	lock     sync.Mutex
	readOnly bool
	failures map[string]core.Error
}

// NewGate creates a Gate allowing 'maxPending' concurrent requests. If
// maxPending is not positive there is no limit.
func NewGate(maxPending int) *Gate {
	g := &Gate{failures: make(map[string]core.Error)}
	if maxPending > 0 {
		g.pending = make(chan struct{}, maxPending)
	}
	return g
}

// Admit checks whether request 'op' may run and takes a pending slot for it.
// On success the caller must call Release on the returned ticket when the
// request is done.
func (g *Gate) Admit(op string, mutates bool) (*Ticket, core.Error) {
	if err := g.Check(op, mutates); err != core.NoError {
		return nil, err
	}
	if g.pending == nil {
		return &Ticket{}, core.NoError
	}
	select {
	case g.pending <- struct{}{}:
		return &Ticket{pending: g.pending, held: true}, core.NoError
	default:
		return nil, core.ErrTooBusy
	}
}

// Check is like Admit but doesn't take a pending slot. It is used for
// requests that free resources, like Unlock, which must get through when
// the server is busy.
func (g *Gate) Check(op string, mutates bool) core.Error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.failures[op]; err != core.NoError {
		return err
	}
	if mutates && g.readOnly {
		return core.ErrReadOnlyMode
	}
	return core.NoError
}

// Ticket is the pending slot of an admitted request. It is used by the
// request's goroutine only.
type Ticket struct {
	pending chan struct{} // nil if the gate is unlimited
	held    bool
}

// Release gives the slot back.
func (t *Ticket) Release() {
	if t.held {
		<-t.pending
		t.held = false
	}
}

// Park gives the slot back while the request waits on something other than
// the server, such as a record lock held by another client. The returned
// func takes a slot again, waiting for one if needed.
func (t *Ticket) Park() (resume func()) {
	if !t.held {
		return func() {}
	}
	t.Release()
	return func() {
		t.pending <- struct{}{}
		t.held = true
	}
}

// Parker is something that can be parked while a request blocks.
type Parker interface {
	Park() (resume func())
}

type parkerKey struct{}

// WithParking returns a context that makes LockTable.Lock park 'p' while it
// waits for a held record.
func WithParking(ctx context.Context, p Parker) context.Context {
	return context.WithValue(ctx, parkerKey{}, p)
}

// ReadOnly returns whether mutations are rejected.
func (g *Gate) ReadOnly() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.readOnly
}

// SetReadOnly turns read-only mode on or off.
func (g *Gate) SetReadOnly(on bool) {
	g.lock.Lock()
	g.readOnly = on
	g.lock.Unlock()
	log.Infof("set read-only mode to %t", on)
}

// Failure returns the error injected for 'op', if any.
func (g *Gate) Failure(op string) core.Error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.failures[op]
}

// FailureHandler replaces the injected failures with 'config', a JSON object
// mapping op names to error codes. A nil config clears them. It is meant to
// be registered with the failure service.
func (g *Gate) FailureHandler(config json.RawMessage) error {
	failures := make(map[string]core.Error)
	if config != nil {
		if err := json.Unmarshal(config, &failures); err != nil {
			log.Errorf("failed to unmarshal failure config: %s", err)
			return err
		}
	}
	log.Infof("received new failure config: %s", string(config))
	g.lock.Lock()
	g.failures = failures
	g.lock.Unlock()
	return nil
}

// ServeReadOnly implements /readonly. GET returns the current mode, POST with
// ?mode=true or ?mode=false changes it.
func (g *Gate) ServeReadOnly(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	switch r.Method {
	case "GET":
		fmt.Fprintf(w, "%t", g.ReadOnly())
	case "POST":
		mode := r.URL.Query().Get("mode")
		if mode != "true" && mode != "false" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "'mode' param must be 'true' or 'false'")
			return
		}
		g.SetReadOnly(mode == "true")
		fmt.Fprintf(w, "set read-only mode to %s", mode)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprintln(w, "method must be GET or POST")
	}
}
