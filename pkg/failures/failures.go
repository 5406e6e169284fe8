// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements a failure injection service. A Service holds a
// JSON configuration object whose top-level keys are registered by handlers.
// GET returns the whole configuration, POST replaces it: every handler whose
// key changed is called with its new value, and keys missing from the POST are
// reset to null.
//
// Example, injecting ErrIO (code 6) into every Book RPC of a server:
//
//	curl http://host:4322/__failure__ -XPOST -d '{"ops": {"Book": 6}}'
//
// Posting "{}" clears every failure.
package failures

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/golang/glog"
)

// DefaultPath is where servers mount the failure service.
const DefaultPath = "/__failure__"

// Handler is called with the new value of its key, or nil when the key is
// reset.
type Handler func(value json.RawMessage) error

// Service is a failure injection service.
type Service struct {
	lock     sync.Mutex
	configs  map[string]json.RawMessage // nil value means no failure
	handlers map[string]Handler
}

// New creates an empty Service.
func New() *Service {
	return &Service{
		configs:  make(map[string]json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

// Register associates 'handler' with 'key'. A key can be registered once.
func (s *Service) Register(key string, handler Handler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	s.handlers[key] = handler
	s.configs[key] = nil
	return nil
}

// Apply replaces the configuration with 'updates'. Every key of 'updates'
// must be registered.
func (s *Service) Apply(updates map[string]json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for key := range updates {
		if _, ok := s.handlers[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}
	for key, cur := range s.configs {
		next := updates[key]
		if string(next) == "null" {
			next = nil
		}
		if next == nil && cur == nil {
			continue
		}
		if err := s.handlers[key](next); err != nil {
			return err
		}
		s.configs[key] = next
	}
	return nil
}

// ServeHTTP implements the GET and POST API.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.lock.Lock()
		b, err := json.Marshal(s.configs)
		s.lock.Unlock()
		if err != nil {
			replyError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	case "POST":
		var updates map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Apply(updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Infof("applied failure config from %s", r.RemoteAddr)
	default:
		replyError(w, fmt.Sprintf("unsupported method %s", r.Method), http.StatusMethodNotAllowed)
	}
}

func replyError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}
