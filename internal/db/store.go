// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package db

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// File is the subset of *os.File that Store uses.
type File interface {
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// LockValidator checks that 'cookie' is the current lock on record 'no'.
type LockValidator interface {
	Validate(no core.RecordNo, cookie core.Cookie) core.Error
}

// Options tune a Store.
type Options struct {
	// Two live records may not agree on all of these fields, compared
	// without case. Names the schema doesn't have are ignored. Empty
	// disables the check.
	KeyFields []string

	// Call fsync after every mutation.
	SyncWrites bool

	// Used by tests to inject faulty files.
	openFile func(path string) (File, error)
}

// DefaultOptions returns the options for the contractor database.
func DefaultOptions() Options {
	return Options{KeyFields: []string{"name", "location", "specialties"}}
}

// Store is a data file of fixed width records together with an in-memory copy
// of every record.
//
// Mutations of a record's fields require the record's lock, which is checked
// through the LockValidator. Inserts, deletes and changes to key fields are
// additionally serialized on a store wide lock. The file is always written
// first and the cache updated only once the write succeeded.
type Store struct {
	path       string
	layout     layout
	dataStart  int64
	file       File
	locks      LockValidator
	syncWrites bool
	keyIdx     []int

	// Serializes inserts, deletes, key field updates and access to 'free'.
	structLock sync.Mutex
	free       freeSlots

	cache recordCache
}

// CreateFile writes a new data file with 'schema' and no records. It fails if
// 'path' exists.
func CreateFile(path string, schema core.Schema) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err = writeSchema(f, schema); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

// Open loads the data file at 'path'. A missing or malformed file results in
// core.ErrStartup.
func Open(path string, locks LockValidator, opts Options) (*Store, error) {
	open := opts.openFile
	if open == nil {
		open = func(p string) (File, error) { return os.OpenFile(p, os.O_RDWR, 0) }
	}
	f, err := open(path)
	if err != nil {
		log.Errorf("failed to open data file %q: %s", path, err)
		return nil, core.ErrStartup.Error()
	}
	s, err := load(path, f, locks, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Infof("opened %q: %d records, %d free slots", path, s.cache.size(), s.free.len())
	return s, nil
}

func load(path string, f File, locks LockValidator, opts Options) (*Store, error) {
	fi, err := f.Stat()
	if err != nil {
		log.Errorf("failed to stat %q: %s", path, err)
		return nil, core.ErrStartup.Error()
	}
	schema, dataStart, err := readSchema(io.NewSectionReader(f, 0, fi.Size()))
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:       path,
		layout:     newLayout(schema),
		dataStart:  dataStart,
		file:       f,
		locks:      locks,
		syncWrites: opts.SyncWrites,
	}
	for _, name := range opts.KeyFields {
		if i := schema.Index(name); i >= 0 {
			s.keyIdx = append(s.keyIdx, i)
		} else {
			log.V(1).Infof("key field %q not in schema, ignored", name)
		}
	}

	size := fi.Size() - dataStart
	slotLen := int64(s.layout.slotLen)
	if size%slotLen != 0 {
		log.Errorf("%q: %d bytes of records is not a multiple of the slot length %d", path, size, slotLen)
		return nil, core.ErrStartup.Error()
	}
	r := bufio.NewReader(io.NewSectionReader(f, dataStart, size))
	buf := make([]byte, slotLen)
	for no := core.RecordNo(0); int64(no) < size/slotLen; no++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			log.Errorf("%q: failed to read record %d: %s", path, no, err)
			return nil, core.ErrStartup.Error()
		}
		rec := s.layout.decode(no, buf)
		s.cache.put(rec)
		if rec.Deleted {
			s.free.push(no)
		}
	}
	return s, nil
}

// Schema returns the schema of the data file.
func (s *Store) Schema() core.Schema {
	return s.layout.schema
}

// Size returns the number of slots, deleted ones included.
func (s *Store) Size() int {
	return s.cache.size()
}

// All returns every record, deleted ones included.
func (s *Store) All() []core.Record {
	return s.cache.all()
}

// Read returns record 'no', which may be deleted.
func (s *Store) Read(no core.RecordNo) (core.Record, core.Error) {
	rec, ok := s.cache.get(no)
	if !ok {
		return core.Record{}, core.ErrNotFound
	}
	return rec, core.NoError
}

// Find returns the live records for which every criterion's value is a prefix
// of the named field, ignoring case. An empty value matches everything.
func (s *Store) Find(criteria []core.Field) ([]core.RecordNo, core.Error) {
	idx := make([]int, len(criteria))
	prefixes := make([]string, len(criteria))
	for j, c := range criteria {
		if idx[j] = s.layout.schema.Index(c.Name); idx[j] < 0 {
			return nil, core.ErrInvalidArgument
		}
		prefixes[j] = strings.ToLower(c.Value)
	}

	var nos []core.RecordNo
	s.cache.each(func(r *core.Record) {
		if r.Deleted {
			return
		}
		for j, i := range idx {
			if !strings.HasPrefix(strings.ToLower(r.Fields[i].Value), prefixes[j]) {
				return
			}
		}
		nos = append(nos, r.No)
	})
	return nos, core.NoError
}

// Update overwrites the named fields of live record 'no', which the caller
// must have locked with 'cookie'.
func (s *Store) Update(no core.RecordNo, fields []core.Field, cookie core.Cookie) core.Error {
	cur, ok := s.cache.get(no)
	if !ok {
		return core.ErrNotFound
	}
	if err := s.locks.Validate(no, cookie); err != core.NoError {
		return err
	}
	if cur.Deleted {
		return core.ErrNotFound
	}

	var idx []int
	var vals []string
	touchesKey := false
	for _, f := range fields {
		i := s.layout.schema.Index(f.Name)
		if i < 0 || !isASCII(f.Value) {
			return core.ErrInvalidArgument
		}
		idx = append(idx, i)
		vals = append(vals, stored(f.Value, s.layout.schema.Fields[i].Length))
		touchesKey = touchesKey || s.isKey(i)
	}
	if len(idx) == 0 {
		return core.NoError
	}

	if touchesKey {
		s.structLock.Lock()
		defer s.structLock.Unlock()
		next := make([]string, len(cur.Fields))
		for i, f := range cur.Fields {
			next[i] = f.Value
		}
		for j, i := range idx {
			next[i] = vals[j]
		}
		if s.duplicate(no, next) {
			return core.ErrDuplicateKey
		}
	}
	return s.writeFields(cur, idx, vals)
}

// Delete marks live record 'no', which the caller must have locked with
// 'cookie', as deleted and makes its slot available for reuse.
func (s *Store) Delete(no core.RecordNo, cookie core.Cookie) core.Error {
	if _, ok := s.cache.get(no); !ok {
		return core.ErrNotFound
	}
	if err := s.locks.Validate(no, cookie); err != core.NoError {
		return err
	}

	s.structLock.Lock()
	defer s.structLock.Unlock()
	if cur, _ := s.cache.get(no); cur.Deleted {
		return core.ErrNotFound
	}
	off := s.slotOffset(no)
	if err := s.writeAt([]byte{flagDeleted}, off); err != nil {
		log.Errorf("%q: failed to delete record %d: %s", s.path, no, err)
		s.restore([]byte{flagLive}, off)
		return core.ErrIO
	}
	s.cache.setDeleted(no, true)
	s.free.push(no)
	return core.NoError
}

// Insert adds a live record with the given fields, reusing the lowest deleted
// slot if there is one. Fields not named are blank.
func (s *Store) Insert(fields []core.Field) (core.RecordNo, core.Error) {
	vals, err := s.layout.values(fields, nil)
	if err != core.NoError {
		return -1, err
	}
	b, err := s.layout.encode(false, vals)
	if err != core.NoError {
		return -1, err
	}
	for i, f := range s.layout.schema.Fields {
		vals[i] = stored(vals[i], f.Length)
	}

	s.structLock.Lock()
	defer s.structLock.Unlock()
	if s.duplicate(-1, vals) {
		return -1, core.ErrDuplicateKey
	}

	no, reused := s.free.pop()
	if !reused {
		no = core.RecordNo(s.cache.size())
	}
	off := s.slotOffset(no)
	if werr := s.writeAt(b, off); werr != nil {
		log.Errorf("%q: failed to write record %d: %s", s.path, no, werr)
		if reused {
			old, _ := s.cache.get(no)
			ob, _ := s.layout.encode(true, recordValues(old))
			s.restore(ob, off)
			s.free.push(no)
		} else if terr := s.file.Truncate(off); terr != nil {
			log.Errorf("%q: failed to truncate partial record %d: %s", s.path, no, terr)
		}
		return -1, core.ErrIO
	}

	rec := core.Record{No: no, Fields: make([]core.Field, len(vals))}
	for i, f := range s.layout.schema.Fields {
		rec.Fields[i] = core.Field{Name: f.Name, Value: vals[i]}
	}
	s.cache.put(rec)
	return no, core.NoError
}

// Close closes the data file.
func (s *Store) Close() error {
	return s.file.Close()
}

func (s *Store) slotOffset(no core.RecordNo) int64 {
	return s.dataStart + int64(no)*int64(s.layout.slotLen)
}

func (s *Store) isKey(i int) bool {
	for _, k := range s.keyIdx {
		if k == i {
			return true
		}
	}
	return false
}

// duplicate returns whether a live record other than 'self' has the same key
// fields as 'vals'. Must be called with structLock held.
func (s *Store) duplicate(self core.RecordNo, vals []string) bool {
	if len(s.keyIdx) == 0 {
		return false
	}
	dup := false
	s.cache.each(func(r *core.Record) {
		if dup || r.Deleted || r.No == self {
			return
		}
		for _, i := range s.keyIdx {
			if !strings.EqualFold(strings.TrimSpace(r.Fields[i].Value), strings.TrimSpace(vals[i])) {
				return
			}
		}
		dup = true
	})
	return dup
}

// writeFields writes fields 'idx' of record 'cur' and then updates the
// cache. On failure the fields written so far are restored from 'cur'.
func (s *Store) writeFields(cur core.Record, idx []int, vals []string) core.Error {
	base := s.slotOffset(cur.No)
	for j, i := range idx {
		b := make([]byte, s.layout.schema.Fields[i].Length)
		encodeField(b, vals[j], len(b))
		if _, err := s.file.WriteAt(b, base+int64(s.layout.offsets[i])); err != nil {
			log.Errorf("%q: failed to update record %d: %s", s.path, cur.No, err)
			s.restoreFields(cur, idx[:j+1])
			return core.ErrIO
		}
	}
	if err := s.flush(); err != nil {
		log.Errorf("%q: failed to sync update of record %d: %s", s.path, cur.No, err)
		s.restoreFields(cur, idx)
		return core.ErrIO
	}
	s.cache.setValues(cur.No, idx, vals)
	return core.NoError
}

func (s *Store) restoreFields(cur core.Record, idx []int) {
	base := s.slotOffset(cur.No)
	for _, i := range idx {
		b := make([]byte, s.layout.schema.Fields[i].Length)
		encodeField(b, cur.Fields[i].Value, len(b))
		s.restore(b, base+int64(s.layout.offsets[i]))
	}
}

// restore puts back bytes after a failed write. If that fails too the file
// no longer agrees with the cache until the next successful write of the
// same bytes.
func (s *Store) restore(b []byte, off int64) {
	if _, err := s.file.WriteAt(b, off); err != nil {
		log.Errorf("%q: failed to restore %d bytes at offset %d: %s", s.path, len(b), off, err)
	}
}

func (s *Store) writeAt(b []byte, off int64) error {
	if _, err := s.file.WriteAt(b, off); err != nil {
		return err
	}
	return s.flush()
}

func (s *Store) flush() error {
	if !s.syncWrites {
		return nil
	}
	return s.file.Sync()
}

func recordValues(r core.Record) []string {
	vals := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		vals[i] = f.Value
	}
	return vals
}
