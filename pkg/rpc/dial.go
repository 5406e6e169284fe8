// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/rpc"
	"time"
)

// DialHTTPContext connects to an RPC server at 'address' that speaks protocol
// 'version', honoring the deadline and cancellation of 'ctx'.
func DialHTTPContext(ctx context.Context, address string, version int) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	io.WriteString(conn, "CONNECT "+Path(version)+" HTTP/1.0\n\n")

	// Require a successful HTTP response before switching to RPC protocol.
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err == nil && resp.Status == connectedStatus {
		// The handshake deadline must not apply to the long lived connection.
		conn.SetDeadline(time.Time{})
		return rpc.NewClientWithCodec(newCrcGobCodec(conn)), nil
	}
	if err == nil {
		err = errors.New("unexpected HTTP response: " + resp.Status)
	}
	conn.Close()
	return nil, &net.OpError{Op: "dial-http", Net: "tcp " + address, Err: err}
}
