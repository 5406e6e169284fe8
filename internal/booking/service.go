// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package booking implements contractor booking on top of the record store
// and the lock table.
package booking

import (
	"context"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
	"github.com/westerndigitalcorporation/bsdb/internal/db"
	"github.com/westerndigitalcorporation/bsdb/internal/server"
)

// Config names the fields the service interprets.
type Config struct {
	NameField     string
	LocationField string
	OwnerField    string // blank when the record is not booked
}

// DefaultConfig returns the field names of the contractor schema.
func DefaultConfig() Config {
	return Config{NameField: "name", LocationField: "location", OwnerField: "owner"}
}

// Journal records booking events.
type Journal interface {
	Append(kind core.EventKind, no core.RecordNo, customer string) (core.Event, error)
	History(no core.RecordNo) ([]core.Event, error)
	Recent(n int) ([]core.Event, error)
}

// Service is the set of operations offered to clients. Every lock it takes
// is released before the operation returns.
type Service struct {
	store   *db.Store
	locks   *server.LockTable
	journal Journal // may be nil
	cfg     Config

	ownerLen int
}

// New creates a Service. 'store' must have been opened with 'locks' as its
// LockValidator. 'journal' may be nil.
func New(store *db.Store, locks *server.LockTable, journal Journal, cfg Config) (*Service, error) {
	schema := store.Schema()
	for _, name := range []string{cfg.NameField, cfg.LocationField, cfg.OwnerField} {
		if schema.Index(name) < 0 {
			log.Errorf("field %q is not in the schema", name)
			return nil, core.ErrStartup.Error()
		}
	}
	return &Service{
		store:    store,
		locks:    locks,
		journal:  journal,
		cfg:      cfg,
		ownerLen: schema.Fields[schema.Index(cfg.OwnerField)].Length,
	}, nil
}

// Schema returns the schema of the records.
func (s *Service) Schema() core.Schema {
	return s.store.Schema()
}

// Size returns the number of record slots.
func (s *Service) Size() int {
	return s.store.Size()
}

// LockStats returns the number of held locks and of waiting lockers.
func (s *Service) LockStats() (held, waiting int) {
	return s.locks.Stats()
}

//----------------------------------
// Record operations
//----------------------------------

// GetAll returns every record, deleted ones included and flagged.
func (s *Service) GetAll() []core.Record {
	return s.store.All()
}

// Read returns a snapshot of record 'no'.
func (s *Service) Read(no core.RecordNo) (core.Record, core.Error) {
	return s.store.Read(no)
}

// Lock blocks until the caller holds record 'no' and returns the cookie.
func (s *Service) Lock(ctx context.Context, no core.RecordNo) (core.Cookie, core.Error) {
	if _, err := s.store.Read(no); err != core.NoError {
		return 0, err
	}
	return s.locks.Lock(ctx, no)
}

// Unlock releases record 'no'.
func (s *Service) Unlock(no core.RecordNo, cookie core.Cookie) core.Error {
	return s.locks.Unlock(no, cookie)
}

// Update overwrites fields of a record locked with 'cookie'.
func (s *Service) Update(no core.RecordNo, fields []core.Field, cookie core.Cookie) core.Error {
	return s.store.Update(no, fields, cookie)
}

// Delete deletes a record locked with 'cookie'.
func (s *Service) Delete(no core.RecordNo, cookie core.Cookie) core.Error {
	err := s.store.Delete(no, cookie)
	if err == core.NoError {
		s.record(core.EventDelete, no, "")
	}
	return err
}

// Add creates a record, reusing the lowest deleted slot if any. Two live
// records may not share the store's key fields.
func (s *Service) Add(fields []core.Field) (core.RecordNo, core.Error) {
	no, err := s.store.Insert(fields)
	if err == core.NoError {
		s.record(core.EventAdd, no, "")
	}
	return no, err
}

//----------------------------------
// Contractor operations
//----------------------------------

// Find returns the live records whose name and location start with the given
// prefixes, ignoring case. An empty prefix matches everything.
func (s *Service) Find(name, location string) ([]core.RecordNo, core.Error) {
	return s.store.Find([]core.Field{
		{Name: s.cfg.NameField, Value: name},
		{Name: s.cfg.LocationField, Value: location},
	})
}

// Search is like Find but returns the records.
func (s *Service) Search(name, location string) ([]core.Record, core.Error) {
	nos, err := s.Find(name, location)
	if err != core.NoError {
		return nil, err
	}
	recs := make([]core.Record, 0, len(nos))
	for _, no := range nos {
		if rec, err := s.store.Read(no); err == core.NoError && !rec.Deleted {
			recs = append(recs, rec)
		}
	}
	return recs, core.NoError
}

// Book records 'customer' as the owner of record 'no'. It returns false if
// the record is already booked.
func (s *Service) Book(ctx context.Context, no core.RecordNo, customer int64) (bool, core.Error) {
	owner := strconv.FormatInt(customer, 10)
	if customer < 0 || len(owner) > s.ownerLen {
		return false, core.ErrInvalidArgument
	}
	return s.setOwner(ctx, no, owner, core.EventBook, func(cur string) bool { return cur == "" })
}

// Unbook clears the owner of record 'no'. It returns false if the record
// isn't booked.
func (s *Service) Unbook(ctx context.Context, no core.RecordNo) (bool, core.Error) {
	return s.setOwner(ctx, no, "", core.EventUnbook, func(cur string) bool { return cur != "" })
}

// setOwner writes 'owner' if 'allowed' accepts the current owner of a live
// record. The current owner is checked before the deleted flag. The check is
// done once without the lock to skip locking in the common denied case, and
// again under the lock.
func (s *Service) setOwner(ctx context.Context, no core.RecordNo, owner string, kind core.EventKind, allowed func(string) bool) (bool, core.Error) {
	if ok, err := s.ownerAllows(no, allowed); !ok || err != core.NoError {
		return false, err
	}

	cookie, err := s.locks.Lock(ctx, no)
	if err != core.NoError {
		return false, err
	}
	defer s.unlock(no, cookie)

	if ok, err := s.ownerAllows(no, allowed); !ok || err != core.NoError {
		return false, err
	}
	if err := s.store.Update(no, []core.Field{{Name: s.cfg.OwnerField, Value: owner}}, cookie); err != core.NoError {
		return false, err
	}
	s.record(kind, no, owner)
	return true, core.NoError
}

func (s *Service) ownerAllows(no core.RecordNo, allowed func(string) bool) (bool, core.Error) {
	rec, err := s.store.Read(no)
	if err != core.NoError {
		return false, err
	}
	cur, _ := rec.Value(s.cfg.OwnerField)
	if !allowed(strings.TrimSpace(cur)) {
		return false, core.NoError
	}
	if rec.Deleted {
		return false, core.ErrNotFound
	}
	return true, core.NoError
}

// DeleteContractor locks, deletes and unlocks record 'no'. Deleting a deleted
// record fails with ErrNotFound.
func (s *Service) DeleteContractor(ctx context.Context, no core.RecordNo) core.Error {
	rec, err := s.store.Read(no)
	if err != core.NoError {
		return err
	}
	if rec.Deleted {
		return core.ErrNotFound
	}
	cookie, err := s.locks.Lock(ctx, no)
	if err != core.NoError {
		return err
	}
	defer s.unlock(no, cookie)
	return s.Delete(no, cookie)
}

// History returns the journaled events of record 'no'.
func (s *Service) History(no core.RecordNo) ([]core.Event, core.Error) {
	if _, err := s.store.Read(no); err != core.NoError {
		return nil, err
	}
	if s.journal == nil {
		return nil, core.NoError
	}
	evs, err := s.journal.History(no)
	if err != nil {
		log.Errorf("failed to read history of record %d: %s", no, err)
		return nil, core.ErrIO
	}
	return evs, core.NoError
}

// Recent returns up to 'n' of the latest journaled events, oldest first.
func (s *Service) Recent(n int) ([]core.Event, core.Error) {
	if s.journal == nil || n <= 0 {
		return nil, core.NoError
	}
	evs, err := s.journal.Recent(n)
	if err != nil {
		log.Errorf("failed to read recent events: %s", err)
		return nil, core.ErrIO
	}
	return evs, core.NoError
}

// Backup writes a compressed snapshot of the data file to 'path'.
func (s *Service) Backup(path string) (int64, core.Error) {
	if path == "" {
		return 0, core.ErrInvalidArgument
	}
	n, err := s.store.BackupTo(path)
	if err != nil {
		return 0, core.ErrIO
	}
	return n, core.NoError
}

func (s *Service) unlock(no core.RecordNo, cookie core.Cookie) {
	if err := s.locks.Unlock(no, cookie); err != core.NoError {
		log.Errorf("failed to unlock record %d: %s", no, err)
	}
}

// record journals an event. A failure doesn't undo the operation.
func (s *Service) record(kind core.EventKind, no core.RecordNo, customer string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(kind, no, customer); err != nil {
		log.Errorf("lost journal event %s of record %d: %s", kind, no, err)
	}
}
