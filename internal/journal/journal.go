// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package journal keeps an append-only log of booking events in a boltdb
// file, indexed by record.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	log "github.com/golang/glog"

	"github.com/boltdb/bolt"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

var (
	mode = 0600

	// seq -> JSON encoded core.Event
	eventBucket = []byte("events")

	// record number + seq -> nothing
	recordBucket = []byte("records")
)

// Journal is an on-disk event log backed by boltdb.
type Journal struct {
	db *bolt.DB
}

// Open opens the journal at 'path', creating it if needed. Unless 'sync' is
// set, commits are not fsynced.
func Open(path string, sync bool) (*Journal, error) {
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Errorf("failed to open journal %q: %s", path, err)
		return nil, err
	}
	db.NoSync = !sync

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(eventBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(recordBucket)
		return err
	})
	if err != nil {
		log.Errorf("failed to create journal buckets: %s", err)
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Append logs one event and returns it with its sequence number and time
// filled in.
func (j *Journal) Append(kind core.EventKind, no core.RecordNo, customer string) (core.Event, error) {
	ev := core.Event{Time: time.Now(), Kind: kind, No: no, Customer: customer}
	err := j.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventBucket)
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		val, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := events.Put(u64(seq), val); err != nil {
			return err
		}
		return tx.Bucket(recordBucket).Put(recordKey(no, seq), []byte{})
	})
	if err != nil {
		log.Errorf("failed to journal %s of record %d: %s", kind, no, err)
		return core.Event{}, err
	}
	return ev, nil
}

// History returns the events of record 'no', oldest first.
func (j *Journal) History(no core.RecordNo) (out []core.Event, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventBucket)
		prefix := u64(uint64(no))
		c := tx.Bucket(recordBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var ev core.Event
			if err := json.Unmarshal(events.Get(k[8:]), &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return
}

// Recent returns up to 'n' of the latest events, oldest first.
func (j *Journal) Recent(n int) (out []core.Event, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var ev core.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func recordKey(no core.RecordNo, seq uint64) []byte {
	return append(u64(uint64(no)), u64(seq)...)
}
