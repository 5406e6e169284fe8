// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	log "github.com/golang/glog"
)

const connectedStatus = "200 Connected to Go RPC" // rpc.connected is not exported

// Path returns the HTTP CONNECT path that carries protocol 'version'. A client
// speaking a different version gets a 404 instead of garbled gob.
func Path(version int) string {
	return fmt.Sprintf("/_bsdb_rpc_v%d_", version)
}

// Server is an RPC server that is attached to an http.ServeMux instead of the
// default one, so a process (or a test) can run several of them.
type Server struct {
	srv  *rpc.Server
	path string

	// Hijacked connections being served. http.Server doesn't track them.
	lock   sync.Mutex
	conns  map[net.Conn]bool
	closed bool
}

// NewServer creates a Server for protocol 'version' and registers its CONNECT
// handler on 'mux'.
func NewServer(mux *http.ServeMux, version int) *Server {
	s := &Server{srv: rpc.NewServer(), path: Path(version), conns: make(map[net.Conn]bool)}
	mux.HandleFunc(s.path, s.serveHTTP)
	return s
}

// RegisterName publishes the methods of 'rcvr' under 'name'.
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.srv.RegisterName(name, rcvr)
}

func (s *Server) serveHTTP(w http.ResponseWriter, req *http.Request) {
	// Same as net/rpc's ServeHTTP, but with ServeCodec instead of ServeConn.
	if req.Method != "CONNECT" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "405 must CONNECT\n")
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("rpc hijacking %s: %s", req.RemoteAddr, err)
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	io.WriteString(conn, "HTTP/1.0 "+connectedStatus+"\n\n")
	s.srv.ServeCodec(newCrcGobCodec(conn))
}

func (s *Server) track(conn net.Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = true
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.lock.Lock()
	delete(s.conns, conn)
	s.lock.Unlock()
}

// Close closes every RPC connection and refuses new ones. Calls in progress
// finish but their replies are lost.
func (s *Server) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	log.Infof("closed %d rpc connections", len(s.conns))
}
