// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"strconv"
	"strings"
	"time"
)

// RecordNo identifies a record by its slot position in the data file.
type RecordNo int64

// Cookie proves ownership of a record lock.
type Cookie int64

// FieldSpec describes one fixed width field of the schema.
type FieldSpec struct {
	Name   string
	Length int
}

// Schema is the layout of every record in a data file.
type Schema struct {
	Fields []FieldSpec
}

// RecordLength is the sum of all field lengths. The deleted flag is not
// included.
func (s Schema) RecordLength() int {
	n := 0
	for _, f := range s.Fields {
		n += f.Length
	}
	return n
}

// Index returns the position of field 'name', or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field is one named value of a record.
type Field struct {
	Name  string
	Value string
}

// Record is a snapshot of one slot of the data file.
type Record struct {
	No      RecordNo
	Deleted bool
	Fields  []Field
}

// Value returns the value of field 'name' and whether the record has it.
func (r Record) Value(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Int parses field 'name' as an integer, ignoring surrounding whitespace.
func (r Record) Int(name string) (int64, error) {
	v, _ := r.Value(name)
	return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
}

// Copy returns a deep copy of the record.
func (r Record) Copy() Record {
	c := r
	c.Fields = append([]Field(nil), r.Fields...)
	return c
}

// EventKind is the type of a journaled booking event.
type EventKind string

// Event kinds.
const (
	EventBook   EventKind = "book"
	EventUnbook EventKind = "unbook"
	EventDelete EventKind = "delete"
	EventAdd    EventKind = "add"
)

// Event is one entry of the booking journal.
type Event struct {
	Seq      uint64
	Time     time.Time
	Kind     EventKind
	No       RecordNo
	Customer string
}
