// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package bsdb is the client of a bsdb server.
package bsdb

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
	"github.com/westerndigitalcorporation/bsdb/pkg/retry"
	"github.com/westerndigitalcorporation/bsdb/pkg/rpc"
)

var clientOpLatenciesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
	Subsystem: "bsdb_client",
	Name:      "latencies",
}, []string{"op", "instance"})

const (
	dialTimeout = 5 * time.Second

	// Lock may wait for the server's lock timeout, so this must be longer.
	defaultRPCTimeout = 60 * time.Second
)

// Options contains configurations of a client.
type Options struct {
	// Address of the server, host:port.
	Addr string

	// Whether client will retry operations failed due to "retriable" error.
	DisableRetry bool

	// RetryTimeout bounds the total time of retries if it's greater than zero.
	RetryTimeout time.Duration

	// RPCTimeout bounds a single RPC. Defaults to one minute.
	RPCTimeout time.Duration

	// An optional label to differentiate metrics from different client
	// instances. It will be "default" if it's not specified.
	Instance string
}

// Client talks to one bsdb server. It is safe for concurrent use.
type Client struct {
	addr       string
	cc         *rpc.ConnectionCache
	rpcTimeout time.Duration

	// Retrier for retrying client's operations once they failed.
	retrier retry.Retrier

	instance string

	// Schema learned from the handshake, nil before it succeeded.
	lock   sync.Mutex
	schema *core.Schema
}

// NewClient returns a new Client for the server in 'options'. No connection
// is made until the first call.
func NewClient(options Options) *Client {
	var retrier retry.Retrier
	if options.DisableRetry {
		retrier = retry.Retrier{MaxNumRetries: 1}
	} else {
		if options.RetryTimeout == 0 {
			// Give it a default timeout: 30 seconds.
			options.RetryTimeout = 30 * time.Second
		}
		retrier = retry.Retrier{
			MinSleep: 100 * time.Millisecond,
			MaxSleep: 5 * time.Second,
			MaxRetry: options.RetryTimeout,
		}
	}
	if options.RPCTimeout == 0 {
		options.RPCTimeout = defaultRPCTimeout
	}
	if options.Instance == "" {
		options.Instance = "default"
	}
	return &Client{
		addr:       options.Addr,
		cc:         rpc.NewConnectionCache(dialTimeout, options.RPCTimeout, 1, core.ProtocolVersion),
		rpcTimeout: options.RPCTimeout,
		retrier:    retrier,
		instance:   options.Instance,
	}
}

// Close drops the connection to the server.
func (cli *Client) Close() {
	cli.cc.CloseAll()
}

// do runs 'once' until it returns an error that 'retriable' rejects, within
// the retry policy, and records the latency of 'op'.
func (cli *Client) do(ctx context.Context, op string, retriable func(core.Error) bool, once func() core.Error) error {
	st := time.Now()
	berr := core.ErrUnknown
	_, cancelled := cli.retrier.Do(ctx, func(seq int) bool {
		log.V(1).Infof("%s, attempt #%d", op, seq)
		// The op wasn't sent if the handshake failed.
		if berr = cli.handshake(ctx); berr != core.NoError {
			return !core.IsRetriableError(berr)
		}
		berr = once()
		return !retriable(berr)
	})
	if cancelled {
		berr = core.ErrCanceled
	}
	clientOpLatenciesSet.WithLabelValues(op, cli.instance).Observe(float64(time.Since(st)) / 1e9)
	return berr.Error()
}

// retryNotExecuted only retries errors that guarantee the server didn't run
// the request, for ops that can't be repeated safely.
func retryNotExecuted(err core.Error) bool {
	return err == core.ErrTooBusy || err == core.ErrReadOnlyMode
}

// send issues one RPC and maps transport failures to core errors.
func (cli *Client) send(ctx context.Context, method string, req, reply interface{}) core.Error {
	err := cli.cc.Send(ctx, cli.addr, method, req, reply)
	if err == nil {
		return core.NoError
	}
	log.Errorf("%s to %s failed: %s", method, cli.addr, err)
	if ctx.Err() != nil {
		return core.ErrCanceled
	}
	return core.ErrRPC
}

// handshake checks the protocol version once and learns the schema.
func (cli *Client) handshake(ctx context.Context) core.Error {
	cli.lock.Lock()
	defer cli.lock.Unlock()
	if cli.schema != nil {
		return core.NoError
	}
	var reply core.HandshakeReply
	if err := cli.send(ctx, core.HandshakeMethod, core.HandshakeReq{Version: core.ProtocolVersion}, &reply); err != core.NoError {
		return err
	}
	if reply.Err != core.NoError {
		return reply.Err
	}
	cli.schema = &reply.Schema
	log.Infof("connected to %s, %d fields per record", cli.addr, len(reply.Schema.Fields))
	return core.NoError
}

// Schema returns the schema of the server's records.
func (cli *Client) Schema(ctx context.Context) (core.Schema, error) {
	err := cli.do(ctx, "schema", core.IsRetriableError, func() core.Error { return core.NoError })
	if err != nil {
		return core.Schema{}, err
	}
	cli.lock.Lock()
	defer cli.lock.Unlock()
	return *cli.schema, nil
}

// GetAll returns every record, deleted ones included and flagged.
func (cli *Client) GetAll(ctx context.Context) ([]core.Record, error) {
	var reply core.RecordsReply
	err := cli.do(ctx, "getall", core.IsRetriableError, func() core.Error {
		reply = core.RecordsReply{}
		if err := cli.send(ctx, core.GetAllMethod, core.GetAllReq{}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Records, err
}

// Find returns the live records whose name and location start with the given
// prefixes, ignoring case.
func (cli *Client) Find(ctx context.Context, name, location string) ([]core.RecordNo, error) {
	var reply core.FindReply
	err := cli.do(ctx, "find", core.IsRetriableError, func() core.Error {
		reply = core.FindReply{}
		if err := cli.send(ctx, core.FindMethod, core.FindReq{Name: name, Location: location}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Nos, err
}

// Search is like Find but returns the records.
func (cli *Client) Search(ctx context.Context, name, location string) ([]core.Record, error) {
	var reply core.RecordsReply
	err := cli.do(ctx, "search", core.IsRetriableError, func() core.Error {
		reply = core.RecordsReply{}
		if err := cli.send(ctx, core.SearchMethod, core.FindReq{Name: name, Location: location}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Records, err
}

// Read returns record 'no'.
func (cli *Client) Read(ctx context.Context, no core.RecordNo) (core.Record, error) {
	var reply core.ReadReply
	err := cli.do(ctx, "read", core.IsRetriableError, func() core.Error {
		reply = core.ReadReply{}
		if err := cli.send(ctx, core.ReadMethod, core.RecordReq{No: no}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Record, err
}

// Lock blocks until the caller holds record 'no'. The cookie must be passed
// to Update, Delete and Unlock.
func (cli *Client) Lock(ctx context.Context, no core.RecordNo) (core.Cookie, error) {
	var reply core.LockReply
	err := cli.do(ctx, "lock", retryNotExecuted, func() core.Error {
		reply = core.LockReply{}
		req := core.LockReq{No: no, Wait: cli.lockWait(ctx)}
		if err := cli.send(ctx, core.LockMethod, req, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Cookie, err
}

// lockWait is how long the server may wait for a lock on our behalf: a tenth
// less than what is left of the RPC timeout or of the deadline of 'ctx', so
// the server gives up before we stop listening for the reply.
func (cli *Client) lockWait(ctx context.Context) time.Duration {
	wait := cli.rpcTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < wait {
			wait = left
		}
	}
	wait -= wait / 10
	if wait <= 0 {
		// Positive, so the server doesn't fall back to its own timeout.
		wait = time.Millisecond
	}
	return wait
}

// Unlock releases record 'no'.
func (cli *Client) Unlock(ctx context.Context, no core.RecordNo, cookie core.Cookie) error {
	return cli.do(ctx, "unlock", retryNotExecuted, func() core.Error {
		var reply core.ErrReply
		if err := cli.send(ctx, core.UnlockMethod, core.UnlockReq{No: no, Cookie: cookie}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
}

// Update overwrites the named fields of a record locked with 'cookie'.
func (cli *Client) Update(ctx context.Context, no core.RecordNo, fields []core.Field, cookie core.Cookie) error {
	return cli.do(ctx, "update", core.IsRetriableError, func() core.Error {
		var reply core.ErrReply
		if err := cli.send(ctx, core.UpdateMethod, core.UpdateReq{No: no, Fields: fields, Cookie: cookie}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
}

// Delete deletes a record locked with 'cookie'.
func (cli *Client) Delete(ctx context.Context, no core.RecordNo, cookie core.Cookie) error {
	return cli.do(ctx, "delete", retryNotExecuted, func() core.Error {
		var reply core.ErrReply
		if err := cli.send(ctx, core.DeleteMethod, core.DeleteReq{No: no, Cookie: cookie}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
}

// Create adds a record and returns its number.
func (cli *Client) Create(ctx context.Context, fields []core.Field) (core.RecordNo, error) {
	var reply core.CreateReply
	err := cli.do(ctx, "create", retryNotExecuted, func() core.Error {
		reply = core.CreateReply{}
		if err := cli.send(ctx, core.CreateMethod, core.CreateReq{Fields: fields}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.No, err
}

// Book books record 'no' for 'customer'. It returns false if the record is
// already booked.
func (cli *Client) Book(ctx context.Context, no core.RecordNo, customer int64) (bool, error) {
	var reply core.BoolReply
	err := cli.do(ctx, "book", retryNotExecuted, func() core.Error {
		reply = core.BoolReply{}
		if err := cli.send(ctx, core.BookMethod, core.BookReq{No: no, Customer: customer}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Done, err
}

// Unbook clears the owner of record 'no'. It returns false if the record
// isn't booked.
func (cli *Client) Unbook(ctx context.Context, no core.RecordNo) (bool, error) {
	var reply core.BoolReply
	err := cli.do(ctx, "unbook", retryNotExecuted, func() core.Error {
		reply = core.BoolReply{}
		if err := cli.send(ctx, core.UnbookMethod, core.RecordReq{No: no}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Done, err
}

// DeleteContractor deletes record 'no' without the caller holding its lock.
func (cli *Client) DeleteContractor(ctx context.Context, no core.RecordNo) error {
	return cli.do(ctx, "deletecontractor", retryNotExecuted, func() core.Error {
		var reply core.ErrReply
		if err := cli.send(ctx, core.DeleteContractorMethod, core.RecordReq{No: no}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
}

// History returns the journaled events of record 'no', oldest first.
func (cli *Client) History(ctx context.Context, no core.RecordNo) ([]core.Event, error) {
	var reply core.HistoryReply
	err := cli.do(ctx, "history", core.IsRetriableError, func() core.Error {
		reply = core.HistoryReply{}
		if err := cli.send(ctx, core.HistoryMethod, core.RecordReq{No: no}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Events, err
}

// Backup asks the server to write a snapshot of its data file to 'path' on
// the server host, and returns the snapshot size.
func (cli *Client) Backup(ctx context.Context, path string) (int64, error) {
	var reply core.BackupReply
	err := cli.do(ctx, "backup", core.IsRetriableError, func() core.Error {
		reply = core.BackupReply{}
		if err := cli.send(ctx, core.BackupMethod, core.BackupReq{Path: path}, &reply); err != core.NoError {
			return err
		}
		return reply.Err
	})
	return reply.Size, err
}
