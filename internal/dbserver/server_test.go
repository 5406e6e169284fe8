// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dbserver

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
	"github.com/westerndigitalcorporation/bsdb/internal/db"
	"github.com/westerndigitalcorporation/bsdb/pkg/rpc"
)

var BG = context.Background()

type testServer struct {
	*Server
	addr string
	cc   *rpc.ConnectionCache
}

func startServer(t *testing.T) *testServer {
	return startServerWith(t, nil)
}

// startServerWith lets 'tweak' change the test config before the server
// opens.
func startServerWith(t *testing.T, tweak func(*Config)) *testServer {
	dir := t.TempDir()
	cfg := DefaultTestConfig
	if tweak != nil {
		tweak(&cfg)
	}
	cfg.Addr = "localhost:0"
	cfg.DataFile = filepath.Join(dir, "db.db")
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	if err := db.CreateFile(cfg.DataFile, db.ContractorSchema()); err != nil {
		t.Fatal(err)
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open server: %s", err)
	}
	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l)

	ts := &testServer{
		Server: s,
		addr:   l.Addr().String(),
		cc:     rpc.NewConnectionCache(time.Second, 10*time.Second, 0, core.ProtocolVersion),
	}
	t.Cleanup(func() {
		ts.cc.CloseAll()
		s.Close()
	})
	return ts
}

func (ts *testServer) call(t *testing.T, method string, req, reply interface{}) {
	if err := ts.cc.Send(BG, ts.addr, method, req, reply); err != nil {
		t.Fatalf("%s failed: %s", method, err)
	}
}

func (ts *testServer) create(t *testing.T, name, location string) core.RecordNo {
	var reply core.CreateReply
	ts.call(t, core.CreateMethod, core.CreateReq{Fields: []core.Field{
		{Name: "name", Value: name},
		{Name: "location", Value: location},
	}}, &reply)
	if reply.Err != core.NoError {
		t.Fatalf("create failed: %s", reply.Err)
	}
	return reply.No
}

func TestHandshake(t *testing.T) {
	ts := startServer(t)

	var reply core.HandshakeReply
	ts.call(t, core.HandshakeMethod, core.HandshakeReq{Version: core.ProtocolVersion}, &reply)
	if reply.Err != core.NoError || len(reply.Schema.Fields) != 6 || reply.Schema.Fields[5].Name != "owner" {
		t.Fatalf("unexpected handshake reply %+v", reply)
	}

	reply = core.HandshakeReply{}
	ts.call(t, core.HandshakeMethod, core.HandshakeReq{Version: core.ProtocolVersion + 1}, &reply)
	if reply.Err != core.ErrProtocolVersion {
		t.Fatalf("expected a version error, got %s", reply.Err)
	}

	// A client speaking another version can't even connect.
	other := rpc.NewConnectionCache(time.Second, time.Second, 0, core.ProtocolVersion+1)
	defer other.CloseAll()
	if err := other.Send(BG, ts.addr, core.HandshakeMethod, core.HandshakeReq{}, &reply); err != rpc.ErrorRPCConnect {
		t.Fatalf("expected a connect error, got %v", err)
	}
}

// Book, unbook and delete one record over RPC.
func TestBookingOverRPC(t *testing.T) {
	ts := startServer(t)
	no := ts.create(t, "Acme", "Dublin")

	var br core.BoolReply
	ts.call(t, core.BookMethod, core.BookReq{No: no, Customer: 12345678}, &br)
	if !br.Done || br.Err != core.NoError {
		t.Fatalf("book failed: %+v", br)
	}
	br = core.BoolReply{}
	ts.call(t, core.BookMethod, core.BookReq{No: no, Customer: 87654321}, &br)
	if br.Done || br.Err != core.NoError {
		t.Fatalf("second book should be denied: %+v", br)
	}

	var rr core.ReadReply
	ts.call(t, core.ReadMethod, core.RecordReq{No: no}, &rr)
	if v, _ := rr.Record.Value("owner"); rr.Err != core.NoError || v != "12345678" {
		t.Fatalf("unexpected record %+v", rr)
	}

	br = core.BoolReply{}
	ts.call(t, core.UnbookMethod, core.RecordReq{No: no}, &br)
	if !br.Done || br.Err != core.NoError {
		t.Fatalf("unbook failed: %+v", br)
	}

	var er core.ErrReply
	ts.call(t, core.DeleteContractorMethod, core.RecordReq{No: no}, &er)
	if er.Err != core.NoError {
		t.Fatalf("delete failed: %s", er.Err)
	}
	er = core.ErrReply{}
	ts.call(t, core.DeleteContractorMethod, core.RecordReq{No: no}, &er)
	if er.Err != core.ErrNotFound {
		t.Fatalf("second delete should be not found, got %s", er.Err)
	}

	var hr core.HistoryReply
	ts.call(t, core.HistoryMethod, core.RecordReq{No: no}, &hr)
	if hr.Err != core.NoError || len(hr.Events) != 4 || hr.Events[1].Customer != "12345678" {
		t.Fatalf("unexpected history %+v", hr)
	}

	var all core.RecordsReply
	ts.call(t, core.GetAllMethod, core.GetAllReq{}, &all)
	if len(all.Records) != 1 || !all.Records[0].Deleted {
		t.Fatalf("unexpected records %+v", all)
	}
}

// Raw lock, update and unlock over RPC, errors included.
func TestRawOperations(t *testing.T) {
	ts := startServer(t)
	no := ts.create(t, "Acme", "Dublin")
	ts.create(t, "Jones", "Cork")

	var lr core.LockReply
	ts.call(t, core.LockMethod, core.LockReq{No: 5}, &lr)
	if lr.Err != core.ErrNotFound {
		t.Fatalf("locking a missing record should be not found, got %s", lr.Err)
	}
	lr = core.LockReply{}
	ts.call(t, core.LockMethod, core.LockReq{No: no}, &lr)
	if lr.Err != core.NoError || lr.Cookie == 0 {
		t.Fatalf("lock failed: %+v", lr)
	}

	var er core.ErrReply
	ts.call(t, core.UpdateMethod, core.UpdateReq{No: no, Fields: []core.Field{{Name: "rate", Value: "$80.00"}}, Cookie: lr.Cookie + 1}, &er)
	if er.Err != core.ErrLockViolation {
		t.Fatalf("expected lock violation, got %s", er.Err)
	}
	er = core.ErrReply{}
	ts.call(t, core.UpdateMethod, core.UpdateReq{No: no, Fields: []core.Field{{Name: "bogus", Value: "x"}}, Cookie: lr.Cookie}, &er)
	if er.Err != core.ErrInvalidArgument {
		t.Fatalf("expected invalid argument, got %s", er.Err)
	}
	er = core.ErrReply{}
	ts.call(t, core.UpdateMethod, core.UpdateReq{No: no, Fields: []core.Field{{Name: "rate", Value: "$80.00"}}, Cookie: lr.Cookie}, &er)
	if er.Err != core.NoError {
		t.Fatalf("update failed: %s", er.Err)
	}
	er = core.ErrReply{}
	ts.call(t, core.UnlockMethod, core.UnlockReq{No: no, Cookie: lr.Cookie}, &er)
	if er.Err != core.NoError {
		t.Fatalf("unlock failed: %s", er.Err)
	}

	var fr core.FindReply
	ts.call(t, core.FindMethod, core.FindReq{Name: "ac"}, &fr)
	if fr.Err != core.NoError || len(fr.Nos) != 1 || fr.Nos[0] != no {
		t.Fatalf("unexpected find reply %+v", fr)
	}
	var sr core.RecordsReply
	ts.call(t, core.SearchMethod, core.FindReq{Location: "CORK"}, &sr)
	if sr.Err != core.NoError || len(sr.Records) != 1 || sr.Records[0].Fields[0].Value != "Jones" {
		t.Fatalf("unexpected search reply %+v", sr)
	}

	var cr core.CreateReply
	ts.call(t, core.CreateMethod, core.CreateReq{Fields: []core.Field{{Name: "name", Value: "acme"}, {Name: "location", Value: "dublin"}}}, &cr)
	if cr.Err != core.ErrDuplicateKey {
		t.Fatalf("expected duplicate key, got %s", cr.Err)
	}
}

// Requests waiting for a record lock don't hold pending slots, and Unlock
// needs none, so the holder can always release the record.
func TestWaitersDontBlockUnlock(t *testing.T) {
	ts := startServerWith(t, func(cfg *Config) { cfg.RejectReqThreshold = 2 })
	no := ts.create(t, "Acme", "Dublin")

	var lr core.LockReply
	ts.call(t, core.LockMethod, core.LockReq{No: no}, &lr)
	if lr.Err != core.NoError {
		t.Fatalf("lock failed: %s", lr.Err)
	}

	booked := make(chan core.BoolReply, 2)
	for i := int64(1); i <= 2; i++ {
		go func(cust int64) {
			var br core.BoolReply
			if err := ts.cc.Send(BG, ts.addr, core.BookMethod, core.BookReq{No: no, Customer: cust}, &br); err != nil {
				br.Err = core.ErrRPC
			}
			booked <- br
		}(i)
	}
	for i := 0; ; i++ {
		if _, waiting := ts.svc.LockStats(); waiting == 2 {
			break
		}
		if i == 1000 {
			t.Fatalf("bookings never queued for the lock")
		}
		time.Sleep(time.Millisecond)
	}

	var rr core.ReadReply
	ts.call(t, core.ReadMethod, core.RecordReq{No: no}, &rr)
	if rr.Err != core.NoError {
		t.Fatalf("read rejected while bookings wait: %s", rr.Err)
	}
	var er core.ErrReply
	ts.call(t, core.UnlockMethod, core.UnlockReq{No: no, Cookie: lr.Cookie}, &er)
	if er.Err != core.NoError {
		t.Fatalf("unlock failed: %s", er.Err)
	}

	wins := 0
	for i := 0; i < 2; i++ {
		br := <-booked
		if br.Err != core.NoError {
			t.Fatalf("book failed: %s", br.Err)
		}
		if br.Done {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected one booking, got %d", wins)
	}
}

// A Lock request gives up after the wait the client asked for.
func TestLockWait(t *testing.T) {
	ts := startServer(t)
	no := ts.create(t, "Acme", "Dublin")
	var lr core.LockReply
	ts.call(t, core.LockMethod, core.LockReq{No: no}, &lr)

	st := time.Now()
	var lr2 core.LockReply
	ts.call(t, core.LockMethod, core.LockReq{No: no, Wait: 50 * time.Millisecond}, &lr2)
	if lr2.Err != core.ErrLockTimeout || time.Since(st) > 2*time.Second {
		t.Fatalf("expected a timeout after the requested wait, got %s after %s", lr2.Err, time.Since(st))
	}
	if _, waiting := ts.svc.LockStats(); waiting != 0 {
		t.Fatalf("timed out request still waiting")
	}
}

// Close drops connected clients instead of serving them from a closed store.
func TestCloseDropsClients(t *testing.T) {
	ts := startServer(t)
	no := ts.create(t, "Acme", "Dublin")
	if err := ts.Close(); err != nil {
		t.Fatalf("close failed: %s", err)
	}
	var rr core.ReadReply
	if err := ts.cc.Send(BG, ts.addr, core.ReadMethod, core.RecordReq{No: no}, &rr); err == nil {
		t.Fatalf("read served after close: %+v", rr)
	}
}

func TestReadOnly(t *testing.T) {
	ts := startServer(t)
	no := ts.create(t, "Acme", "Dublin")

	resp, err := http.Post("http://"+ts.addr+"/readonly?mode=true", "text/plain", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("failed to set read-only mode: %v", err)
	}
	resp.Body.Close()

	var br core.BoolReply
	ts.call(t, core.BookMethod, core.BookReq{No: no, Customer: 1}, &br)
	if br.Err != core.ErrReadOnlyMode {
		t.Fatalf("expected read-only error, got %+v", br)
	}
	var rr core.ReadReply
	ts.call(t, core.ReadMethod, core.RecordReq{No: no}, &rr)
	if rr.Err != core.NoError {
		t.Fatalf("reads should work in read-only mode: %s", rr.Err)
	}

	ts.Gate().SetReadOnly(false)
	br = core.BoolReply{}
	ts.call(t, core.BookMethod, core.BookReq{No: no, Customer: 1}, &br)
	if !br.Done {
		t.Fatalf("book failed: %+v", br)
	}
}

func TestFailureInjection(t *testing.T) {
	ts := startServer(t)
	no := ts.create(t, "Acme", "Dublin")

	resp, err := http.Post("http://"+ts.addr+"/__failure__", "application/json", strings.NewReader(`{"ops": {"Read": 6}}`))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("failed to inject failure: %v", err)
	}
	resp.Body.Close()

	var rr core.ReadReply
	ts.call(t, core.ReadMethod, core.RecordReq{No: no}, &rr)
	if rr.Err != core.ErrIO {
		t.Fatalf("expected injected io error, got %s", rr.Err)
	}
	if n := ts.srvHandler.opm.Count("failed", "Read"); n == 0 {
		t.Fatalf("failed read not counted")
	}
	if f := ts.genStatus().Failures; len(f) != 1 || f["Read"] != core.ErrIO.String() {
		t.Fatalf("injected failure not reported: %v", f)
	}

	resp, _ = http.Post("http://"+ts.addr+"/__failure__", "application/json", strings.NewReader(`{}`))
	resp.Body.Close()
	rr = core.ReadReply{}
	ts.call(t, core.ReadMethod, core.RecordReq{No: no}, &rr)
	if rr.Err != core.NoError {
		t.Fatalf("failure not cleared: %s", rr.Err)
	}
}

func TestBackupRPC(t *testing.T) {
	ts := startServer(t)
	ts.create(t, "Acme", "Dublin")

	dst := filepath.Join(t.TempDir(), "backup")
	var br core.BackupReply
	ts.call(t, core.BackupMethod, core.BackupReq{Path: dst}, &br)
	if br.Err != core.NoError || br.Size == 0 {
		t.Fatalf("backup failed: %+v", br)
	}

	restored := filepath.Join(t.TempDir(), "restored.db")
	if err := db.RestoreBackup(dst, restored); err != nil {
		t.Fatalf("restore failed: %s", err)
	}
}

func TestStatus(t *testing.T) {
	ts := startServer(t)
	ts.create(t, "Acme", "Dublin")

	req, _ := http.NewRequest("GET", "http://"+ts.addr+"/", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status StatusData
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("bad status: %s", err)
	}
	if status.Records != 1 || status.ReadOnly || status.Cfg.DataFile != ts.cfg.DataFile {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Recent) != 1 || status.Recent[0].Kind != core.EventAdd || len(status.Failures) != 0 {
		t.Fatalf("unexpected events or failures %+v %v", status.Recent, status.Failures)
	}

	resp, err = http.Get("http://" + ts.addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	page, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(page), "Recent Events") {
		t.Fatalf("html status lacks recent events")
	}

	resp, err = http.Get("http://" + ts.addr + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics unavailable: %v", err)
	}
	resp.Body.Close()
}

func TestOpenErrors(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.Addr = "localhost:0"
	if _, err := Open(cfg); err == nil {
		t.Fatalf("config without data file accepted")
	}
	cfg.DataFile = filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(cfg)
	if e, ok := core.BsdbError(err); !ok || e != core.ErrStartup {
		t.Fatalf("expected a startup error, got %v", err)
	}
}
