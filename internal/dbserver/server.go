// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package dbserver exposes a booking.Service over RPC.
package dbserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/bsdb/internal/booking"
	"github.com/westerndigitalcorporation/bsdb/internal/core"
	"github.com/westerndigitalcorporation/bsdb/internal/db"
	"github.com/westerndigitalcorporation/bsdb/internal/journal"
	"github.com/westerndigitalcorporation/bsdb/internal/server"
	"github.com/westerndigitalcorporation/bsdb/pkg/failures"
	"github.com/westerndigitalcorporation/bsdb/pkg/rpc"
)

// Server is the RPC server of the database.
type Server struct {
	// Configuration parameters.
	cfg Config

	// The service every RPC is forwarded to.
	svc *booking.Service

	// Admission control shared by all handlers.
	gate *server.Gate

	// Service handler.
	srvHandler *DBSrvHandler

	// All HTTP endpoints, RPC included.
	rpcSrv  *rpc.Server
	mux     *http.ServeMux
	httpSrv *http.Server

	// Canceled on Close, aborting lock waits of in-flight requests.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	// Closed on Close. Either may be nil.
	store   *db.Store
	journal *journal.Journal
}

// Open opens the data file and journal named by 'cfg' and creates a Server
// for them.
func Open(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	locks := server.NewLockTable(cfg.LockTimeout, cfg.LockLease)
	store, err := db.Open(cfg.DataFile, locks, db.Options{KeyFields: cfg.KeyFields, SyncWrites: cfg.SyncWrites})
	if err != nil {
		return nil, err
	}

	var j *journal.Journal
	var bj booking.Journal
	if cfg.JournalPath != "" {
		if j, err = journal.Open(cfg.JournalPath, cfg.SyncWrites); err != nil {
			store.Close()
			return nil, err
		}
		bj = j
	}

	svc, err := booking.New(store, locks, bj, cfg.bookingConfig())
	if err != nil {
		store.Close()
		if j != nil {
			j.Close()
		}
		return nil, err
	}
	s, err := NewServer(svc, cfg)
	if err != nil {
		store.Close()
		if j != nil {
			j.Close()
		}
		return nil, err
	}
	s.store, s.journal = store, j
	return s, nil
}

// NewServer creates a Server for an existing service. The caller keeps
// ownership of the service's store and journal.
func NewServer(svc *booking.Service, cfg Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		gate:   server.NewGate(cfg.RejectReqThreshold),
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.gate.SetReadOnly(cfg.ReadOnly)

	s.srvHandler = &DBSrvHandler{
		svc:  svc,
		gate: s.gate,
		opm:  server.NewOpMetric("bsdb_rpc", "rpc"),
		ctx:  ctx,
	}
	s.rpcSrv = rpc.NewServer(s.mux, core.ProtocolVersion)
	if err := s.rpcSrv.RegisterName("DBSrvHandler", s.srvHandler); err != nil {
		cancel()
		return nil, err
	}

	// Set up status page and administrative endpoints.
	s.mux.HandleFunc("/", s.statusHandler)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/readonly", s.gate.ServeReadOnly)
	if cfg.UseFailure {
		log.Infof("enabling failure service")
		fs := failures.New()
		if err := fs.Register("ops", s.gate.FailureHandler); err != nil {
			cancel()
			return nil, err
		}
		s.mux.Handle(failures.DefaultPath, fs)
	}

	s.httpSrv = &http.Server{Handler: s.mux}
	return s, nil
}

// Serve answers requests on 'l' until Close is called.
func (s *Server) Serve(l net.Listener) error {
	log.Infof("listening on address %s", l.Addr())
	err := s.httpSrv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Start listens on the configured address and serves requests. It blocks
// until Close is called.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Gate returns the admission gate, for toggling read-only mode or injecting
// failures from tests and binaries.
func (s *Server) Gate() *server.Gate {
	return s.gate
}

// Close stops serving, drops connected clients, aborts pending lock waits
// and closes the data file and journal if the server opened them.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *Server) close() error {
	s.cancel()
	err := s.httpSrv.Close()
	s.rpcSrv.Close()
	if s.store != nil {
		if e := s.store.Close(); e != nil && err == nil {
			err = e
		}
	}
	if s.journal != nil {
		if e := s.journal.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

//---------------------------------
// Service RPCs
//---------------------------------

// DBSrvHandler defines the methods that conform to Go's RPC requirement.
// Every method forwards to the service and returns its error in the reply.
type DBSrvHandler struct {
	svc  *booking.Service
	gate *server.Gate

	// Per-RPC stats.
	opm *server.OpMetric

	// Lifetime of the server.
	ctx context.Context
}

// waitContext bounds a lock wait by the server's lifetime and by 'wait', the
// time the client is willing to wait, if positive. The request's pending
// slot is parked while it waits.
func (h *DBSrvHandler) waitContext(ticket *server.Ticket, wait time.Duration) (context.Context, context.CancelFunc) {
	ctx := server.WithParking(h.ctx, ticket)
	if wait > 0 {
		return context.WithTimeout(ctx, wait)
	}
	return context.WithCancel(ctx)
}

var rpcNames = []string{
	"Handshake", "GetAll", "Find", "Search", "Read", "Lock", "Unlock", "Update",
	"Delete", "Create", "Book", "Unbook", "DeleteContractor", "History", "Backup",
}

func (h *DBSrvHandler) rpcStats() map[string]string {
	return h.opm.Strings(rpcNames...)
}

// failures returns the injected failure of each RPC that has one.
func (h *DBSrvHandler) failures() map[string]string {
	out := make(map[string]string)
	for _, op := range rpcNames {
		if err := h.gate.Failure(op); err != core.NoError {
			out[op] = err.String()
		}
	}
	return out
}

// Handshake checks the client's protocol version and returns the schema.
func (h *DBSrvHandler) Handshake(req core.HandshakeReq, reply *core.HandshakeReply) error {
	op := h.opm.Start("Handshake")
	defer op.EndWithError(&reply.Err)

	if req.Version != core.ProtocolVersion {
		log.Errorf("Handshake: client speaks version %d, we speak %d", req.Version, core.ProtocolVersion)
		reply.Err = core.ErrProtocolVersion
		return nil
	}
	reply.Schema = h.svc.Schema()
	log.V(2).Infof("Handshake: req %+v", req)
	return nil
}

// GetAll returns every record, deleted ones included.
func (h *DBSrvHandler) GetAll(req core.GetAllReq, reply *core.RecordsReply) error {
	op := h.opm.Start("GetAll")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("GetAll", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Records = h.svc.GetAll()
	log.V(2).Infof("GetAll: %d records", len(reply.Records))
	return nil
}

// Find returns live record numbers matching name and location prefixes.
func (h *DBSrvHandler) Find(req core.FindReq, reply *core.FindReply) error {
	op := h.opm.Start("Find")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Find", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Nos, reply.Err = h.svc.Find(req.Name, req.Location)
	log.V(2).Infof("Find: req %+v reply %+v", req, *reply)
	return nil
}

// Search is like Find but returns records.
func (h *DBSrvHandler) Search(req core.FindReq, reply *core.RecordsReply) error {
	op := h.opm.Start("Search")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Search", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Records, reply.Err = h.svc.Search(req.Name, req.Location)
	log.V(2).Infof("Search: req %+v found %d err %s", req, len(reply.Records), reply.Err)
	return nil
}

// Read returns one record.
func (h *DBSrvHandler) Read(req core.RecordReq, reply *core.ReadReply) error {
	op := h.opm.Start("Read")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Read", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Record, reply.Err = h.svc.Read(req.No)
	log.V(2).Infof("Read: req %+v reply %+v", req, *reply)
	return nil
}

// Lock blocks until the caller holds the record.
func (h *DBSrvHandler) Lock(req core.LockReq, reply *core.LockReply) error {
	op := h.opm.Start("Lock")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Lock", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	ctx, cancel := h.waitContext(ticket, req.Wait)
	defer cancel()
	reply.Cookie, reply.Err = h.svc.Lock(ctx, req.No)
	log.Infof("Lock: req %+v err %s", req, reply.Err)
	return nil
}

// Unlock releases a record.
func (h *DBSrvHandler) Unlock(req core.UnlockReq, reply *core.ErrReply) error {
	op := h.opm.Start("Unlock")
	defer op.EndWithError(&reply.Err)

	// Unlock frees a record others may be waiting for, so it doesn't need
	// a pending slot.
	if err := h.gate.Check("Unlock", false); err != core.NoError {
		reply.Err = err
		return nil
	}

	reply.Err = h.svc.Unlock(req.No, req.Cookie)
	log.Infof("Unlock: record %d err %s", req.No, reply.Err)
	return nil
}

// Update overwrites fields of a locked record.
func (h *DBSrvHandler) Update(req core.UpdateReq, reply *core.ErrReply) error {
	op := h.opm.Start("Update")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Update", true)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Err = h.svc.Update(req.No, req.Fields, req.Cookie)
	log.Infof("Update: record %d fields %+v err %s", req.No, req.Fields, reply.Err)
	return nil
}

// Delete soft-deletes a locked record.
func (h *DBSrvHandler) Delete(req core.DeleteReq, reply *core.ErrReply) error {
	op := h.opm.Start("Delete")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Delete", true)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Err = h.svc.Delete(req.No, req.Cookie)
	log.Infof("Delete: record %d err %s", req.No, reply.Err)
	return nil
}

// Create adds a record.
func (h *DBSrvHandler) Create(req core.CreateReq, reply *core.CreateReply) error {
	op := h.opm.Start("Create")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Create", true)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.No, reply.Err = h.svc.Add(req.Fields)
	log.Infof("Create: req %+v reply %+v", req, *reply)
	return nil
}

// Book books a record for a customer.
func (h *DBSrvHandler) Book(req core.BookReq, reply *core.BoolReply) error {
	op := h.opm.Start("Book")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Book", true)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Done, reply.Err = h.svc.Book(server.WithParking(h.ctx, ticket), req.No, req.Customer)
	log.Infof("Book: req %+v reply %+v", req, *reply)
	return nil
}

// Unbook clears the owner of a record.
func (h *DBSrvHandler) Unbook(req core.RecordReq, reply *core.BoolReply) error {
	op := h.opm.Start("Unbook")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Unbook", true)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Done, reply.Err = h.svc.Unbook(server.WithParking(h.ctx, ticket), req.No)
	log.Infof("Unbook: req %+v reply %+v", req, *reply)
	return nil
}

// DeleteContractor locks, deletes and unlocks a record.
func (h *DBSrvHandler) DeleteContractor(req core.RecordReq, reply *core.ErrReply) error {
	op := h.opm.Start("DeleteContractor")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("DeleteContractor", true)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Err = h.svc.DeleteContractor(server.WithParking(h.ctx, ticket), req.No)
	log.Infof("DeleteContractor: record %d err %s", req.No, reply.Err)
	return nil
}

// History returns the journaled events of a record.
func (h *DBSrvHandler) History(req core.RecordReq, reply *core.HistoryReply) error {
	op := h.opm.Start("History")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("History", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Events, reply.Err = h.svc.History(req.No)
	log.V(2).Infof("History: record %d, %d events err %s", req.No, len(reply.Events), reply.Err)
	return nil
}

// Backup writes a snapshot of the data file on the server host.
func (h *DBSrvHandler) Backup(req core.BackupReq, reply *core.BackupReply) error {
	op := h.opm.Start("Backup")
	defer op.EndWithError(&reply.Err)

	ticket, err := h.gate.Admit("Backup", false)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer ticket.Release()

	reply.Size, reply.Err = h.svc.Backup(req.Path)
	log.Infof("Backup: req %+v reply %+v", req, *reply)
	return nil
}
