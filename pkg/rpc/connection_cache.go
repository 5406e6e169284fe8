// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache dials, caches and reuses RPC connections keyed by address.
// Idle connections beyond 'maxConns' are closed in LRU order.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	lock  sync.Mutex
	conns *lru.Cache // addr -> *sharedClient

	dialTimeout time.Duration
	rpcTimeout  time.Duration
	version     int
}

// NewConnectionCache makes a new ConnectionCache for servers speaking protocol
// 'version'. If maxConns is zero, idle connections are never dropped.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns, version int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = func(key lru.Key, val interface{}) {
		log.V(10).Infof("%s evicted from connection cache", key)
		// Called with cc.lock held by whoever touched the LRU.
		val.(*sharedClient).release()
	}
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
		version:     version,
	}
}

// acquire returns a referenced connection to 'addr', dialing one if needed.
// Every successful acquire must be paired with a call to 'finish'.
func (cc *ConnectionCache) acquire(ctx context.Context, addr string) (*sharedClient, error) {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		sc := v.(*sharedClient)
		sc.refs++
		cc.lock.Unlock()
		return sc, nil
	}
	cc.lock.Unlock()

	dctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	clt, err := DialHTTPContext(dctx, addr, cc.version)
	if err != nil {
		log.Infof("error connecting to %s: %s", addr, err)
		return nil, ErrorRPCConnect
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()
	if v, ok := cc.conns.Get(addr); ok {
		// Lost a race with another dialer.
		clt.Close()
		sc := v.(*sharedClient)
		sc.refs++
		return sc, nil
	}
	log.Infof("established connection to %s", addr)
	// One reference for the cache and one for the caller.
	sc := &sharedClient{refs: 2, clt: clt}
	cc.conns.Add(addr, sc)
	return sc, nil
}

// finish drops the caller's reference. A connection that produced a transport
// error is removed from the cache so the next call redials.
func (cc *ConnectionCache) finish(addr string, sc *sharedClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if sc.release() || err == nil {
		return
	}
	if cur, ok := cc.conns.Get(addr); ok && cur == sc {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	}
}

// Send calls 'method' on the server at 'addr', bounded by the cache's RPC
// timeout and by 'ctx'. A connection found to be shut down is redialed once.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	err := cc.send(ctx, addr, method, req, reply)
	if err == rpc.ErrShutdown {
		err = cc.send(ctx, addr, method, req, reply)
	}
	return err
}

func (cc *ConnectionCache) send(ctx context.Context, addr, method string, req, reply interface{}) error {
	sc, err := cc.acquire(ctx, addr)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := sc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.finish(addr, sc, call.Error)
		return call.Error
	case <-tctx.Done():
		log.Errorf("rpc %q to %s: %s", method, addr, tctx.Err())
		cc.finish(addr, sc, nil)
		return tctx.Err()
	}
}

// CloseAll drops every cached connection. Connections still in use are closed
// when their last call finishes.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

// sharedClient is an rpc.Client shared between the cache and in-flight calls.
// refs is protected by ConnectionCache.lock.
type sharedClient struct {
	refs int
	clt  *rpc.Client
}

// release drops one reference and closes the client when none remain.
func (c *sharedClient) release() (closed bool) {
	c.refs--
	if c.refs == 0 {
		c.clt.Close()
		return true
	}
	return false
}
