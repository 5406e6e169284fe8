// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package db

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// Data files have the following layout, integers are big-endian:
//
//   4 bytes    4 bytes         2 bytes
// ---------------------------------------------------------------------------
// | magic | record length | field count | field descriptions... | records... |
// ---------------------------------------------------------------------------
//
// Each field description is a 2 byte name length, the name, and a 2 byte
// field length. Each record is a one byte deleted flag followed by the space
// padded fields.

// Magic identifies a data file.
const Magic int32 = 513

// ContractorSchema is the schema of the contractor database.
func ContractorSchema() core.Schema {
	return core.Schema{Fields: []core.FieldSpec{
		{Name: "name", Length: 32},
		{Name: "location", Length: 64},
		{Name: "specialties", Length: 64},
		{Name: "size", Length: 6},
		{Name: "rate", Length: 8},
		{Name: "owner", Length: 8},
	}}
}

// readSchema parses the header of a data file. It returns the schema and the
// number of header bytes consumed.
func readSchema(r io.Reader) (core.Schema, int64, error) {
	br := bufio.NewReader(r)
	var hdr struct {
		Magic     int32
		RecordLen int32
		NumFields int16
	}
	if err := binary.Read(br, binary.BigEndian, &hdr); err != nil {
		log.Errorf("failed to read data file header: %s", err)
		return core.Schema{}, 0, core.ErrStartup.Error()
	}
	if hdr.Magic != Magic {
		log.Errorf("bad magic cookie %d, expected %d", hdr.Magic, Magic)
		return core.Schema{}, 0, core.ErrStartup.Error()
	}
	if hdr.NumFields <= 0 || hdr.RecordLen <= 0 {
		log.Errorf("bad schema: %d fields, record length %d", hdr.NumFields, hdr.RecordLen)
		return core.Schema{}, 0, core.ErrStartup.Error()
	}

	n := int64(10)
	var s core.Schema
	for i := 0; i < int(hdr.NumFields); i++ {
		var nameLen int16
		if err := binary.Read(br, binary.BigEndian, &nameLen); err != nil || nameLen <= 0 {
			log.Errorf("bad name length for field %d: %d (%v)", i, nameLen, err)
			return core.Schema{}, 0, core.ErrStartup.Error()
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			log.Errorf("failed to read name of field %d: %s", i, err)
			return core.Schema{}, 0, core.ErrStartup.Error()
		}
		var length int16
		if err := binary.Read(br, binary.BigEndian, &length); err != nil || length <= 0 {
			log.Errorf("bad length for field %q: %d (%v)", name, length, err)
			return core.Schema{}, 0, core.ErrStartup.Error()
		}
		if s.Index(string(name)) >= 0 {
			log.Errorf("duplicate field %q", name)
			return core.Schema{}, 0, core.ErrStartup.Error()
		}
		s.Fields = append(s.Fields, core.FieldSpec{Name: string(name), Length: int(length)})
		n += 4 + int64(nameLen)
	}

	if s.RecordLength() != int(hdr.RecordLen) {
		log.Errorf("record length %d doesn't match field lengths %d", hdr.RecordLen, s.RecordLength())
		return core.Schema{}, 0, core.ErrStartup.Error()
	}
	return s, n, nil
}

// writeSchema writes the header for 's'.
func writeSchema(w io.Writer, s core.Schema) error {
	if err := validateSchema(s); err != core.NoError {
		return err.Error()
	}
	bw := bufio.NewWriter(w)
	binary.Write(bw, binary.BigEndian, Magic)
	binary.Write(bw, binary.BigEndian, int32(s.RecordLength()))
	binary.Write(bw, binary.BigEndian, int16(len(s.Fields)))
	for _, f := range s.Fields {
		binary.Write(bw, binary.BigEndian, int16(len(f.Name)))
		bw.WriteString(f.Name)
		binary.Write(bw, binary.BigEndian, int16(f.Length))
	}
	return bw.Flush()
}

// validateSchema checks that 's' can be represented in a header.
func validateSchema(s core.Schema) core.Error {
	if len(s.Fields) == 0 || len(s.Fields) > math.MaxInt16 {
		return core.ErrInvalidArgument
	}
	seen := make(map[string]bool)
	for _, f := range s.Fields {
		if f.Name == "" || len(f.Name) > math.MaxInt16 || f.Length <= 0 || f.Length > math.MaxInt16 || seen[f.Name] {
			return core.ErrInvalidArgument
		}
		if !isASCII(f.Name) {
			return core.ErrInvalidArgument
		}
		seen[f.Name] = true
	}
	if s.RecordLength() > math.MaxInt32 {
		return core.ErrInvalidArgument
	}
	return core.NoError
}
