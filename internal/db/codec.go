// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package db

import (
	"strings"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// Values of the deleted flag byte. Any byte other than flagDeleted reads as
// live, older files use a space.
const (
	flagLive    = '0'
	flagDeleted = '1'
)

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// encodeField pads 'v' with spaces to exactly 'length' bytes, truncating
// longer values.
func encodeField(dst []byte, v string, length int) core.Error {
	if !isASCII(v) {
		return core.ErrInvalidArgument
	}
	if len(v) > length {
		v = v[:length]
	}
	n := copy(dst[:length], v)
	for i := n; i < length; i++ {
		dst[i] = ' '
	}
	return core.NoError
}

// decodeField strips the padding of a stored field.
func decodeField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// layout caches the byte offsets of a schema's fields within a record slot.
type layout struct {
	schema  core.Schema
	offsets []int // offset of each field from the start of the slot
	slotLen int   // flag byte plus all fields
}

func newLayout(s core.Schema) layout {
	l := layout{schema: s, offsets: make([]int, len(s.Fields)), slotLen: 1}
	for i, f := range s.Fields {
		l.offsets[i] = l.slotLen
		l.slotLen += f.Length
	}
	return l
}

// encode returns the slot bytes for a record with the given values, which
// must be in schema order.
func (l layout) encode(deleted bool, values []string) ([]byte, core.Error) {
	b := make([]byte, l.slotLen)
	b[0] = flagLive
	if deleted {
		b[0] = flagDeleted
	}
	for i, f := range l.schema.Fields {
		if err := encodeField(b[l.offsets[i]:], values[i], f.Length); err != core.NoError {
			return nil, err
		}
	}
	return b, core.NoError
}

// decode builds record 'no' from its slot bytes.
func (l layout) decode(no core.RecordNo, b []byte) core.Record {
	rec := core.Record{No: no, Deleted: b[0] == flagDeleted, Fields: make([]core.Field, len(l.schema.Fields))}
	for i, f := range l.schema.Fields {
		off := l.offsets[i]
		rec.Fields[i] = core.Field{Name: f.Name, Value: decodeField(b[off : off+f.Length])}
	}
	return rec
}

// values orders 'fields' by the schema. Fields not named are left blank
// unless 'base' provides them.
func (l layout) values(fields []core.Field, base []string) ([]string, core.Error) {
	vals := make([]string, len(l.schema.Fields))
	copy(vals, base)
	for _, f := range fields {
		i := l.schema.Index(f.Name)
		if i < 0 {
			return nil, core.ErrInvalidArgument
		}
		vals[i] = f.Value
	}
	return vals, core.NoError
}

// stored returns the value 'v' as it reads back after encoding to a field of
// length 'length'.
func stored(v string, length int) string {
	if len(v) > length {
		v = v[:length]
	}
	return decodeField([]byte(v))
}
