// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/rpc"
	"testing"
	"time"
)

type TestMsg struct {
	Field int
	Name  string
}

type closeBuffer struct {
	bytes.Buffer
}

func (cb *closeBuffer) Close() error { return nil }

func TestCodecRequest(t *testing.T) {
	buf := &closeBuffer{}
	inReq := &rpc.Request{ServiceMethod: "method", Seq: 12345}
	inBody := &TestMsg{Field: 777, Name: "Dogs With Tools"}
	if err := newCrcGobCodec(buf).WriteRequest(inReq, inBody); err != nil {
		t.Fatal(err)
	}

	sc := newCrcGobCodec(buf)
	var outReq rpc.Request
	if err := sc.ReadRequestHeader(&outReq); err != nil {
		t.Fatal(err)
	}
	if outReq.ServiceMethod != inReq.ServiceMethod || outReq.Seq != inReq.Seq {
		t.Fatalf("header mismatch: %+v", outReq)
	}
	var outBody TestMsg
	if err := sc.ReadRequestBody(&outBody); err != nil {
		t.Fatal(err)
	}
	if outBody != *inBody {
		t.Fatalf("body mismatch: %+v", outBody)
	}
}

func TestCodecDetectsCorruption(t *testing.T) {
	buf := &closeBuffer{}
	inResp := &rpc.Response{ServiceMethod: "method", Seq: 1}
	if err := newCrcGobCodec(buf).WriteResponse(inResp, &TestMsg{Field: 1, Name: "abcdefgh"}); err != nil {
		t.Fatal(err)
	}

	// Flip a byte inside the name, which gob doesn't validate.
	b := buf.Bytes()
	i := bytes.Index(b, []byte("abcdefgh"))
	if i < 0 {
		t.Fatal("encoded name not found")
	}
	b[i] = 'z'

	cc := newCrcGobCodec(buf)
	var outResp rpc.Response
	if err := cc.ReadResponseHeader(&outResp); err != nil {
		t.Fatal(err)
	}
	var outBody TestMsg
	if err := cc.ReadResponseBody(&outBody); err != errChecksumMismatch {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

type Echo struct{}

func (Echo) Say(req TestMsg, reply *TestMsg) error {
	*reply = req
	reply.Field++
	return nil
}

func TestServerAndConnectionCache(t *testing.T) {
	mux := http.NewServeMux()
	srv := NewServer(mux, 3)
	if err := srv.RegisterName("Echo", Echo{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go http.Serve(l, mux)

	cc := NewConnectionCache(time.Second, 5*time.Second, 2, 3)
	defer cc.CloseAll()
	var reply TestMsg
	if err := cc.Send(context.Background(), l.Addr().String(), "Echo.Say", TestMsg{Field: 1, Name: "x"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Field != 2 || reply.Name != "x" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// A client speaking another version can't connect.
	other := NewConnectionCache(time.Second, 5*time.Second, 2, 4)
	if err := other.Send(context.Background(), l.Addr().String(), "Echo.Say", TestMsg{}, &reply); err != ErrorRPCConnect {
		t.Fatalf("expected connect error for version mismatch, got %v", err)
	}

	// Closing the server drops established connections and refuses new ones.
	srv.Close()
	if err := cc.Send(context.Background(), l.Addr().String(), "Echo.Say", TestMsg{}, &reply); err == nil {
		t.Fatalf("call succeeded on a closed server")
	}
	if err := cc.Send(context.Background(), l.Addr().String(), "Echo.Say", TestMsg{}, &reply); err != ErrorRPCConnect {
		t.Fatalf("expected connect error after close, got %v", err)
	}
}
