// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package bsdb

import (
	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// NOTE: these alias the types of package core, which is not exposed.

// RecordNo is the position of a record in the data file, starting at zero.
type RecordNo = core.RecordNo

// Cookie proves ownership of a record lock.
type Cookie = core.Cookie

// Field is a named field value.
type Field = core.Field

// Record is a snapshot of one record.
type Record = core.Record

// Schema describes the fields of every record.
type Schema = core.Schema

// Event is one journaled booking event.
type Event = core.Event

// Errors returned by the client can be compared with these using Is, e.g.
// bsdb.ErrNotFound.Is(err).
const (
	ErrNotFound        = core.ErrNotFound
	ErrLockViolation   = core.ErrLockViolation
	ErrDuplicateKey    = core.ErrDuplicateKey
	ErrLockTimeout     = core.ErrLockTimeout
	ErrInvalidArgument = core.ErrInvalidArgument
	ErrIO              = core.ErrIO
	ErrTooBusy         = core.ErrTooBusy
	ErrReadOnlyMode    = core.ErrReadOnlyMode
	ErrProtocolVersion = core.ErrProtocolVersion
	ErrRPC             = core.ErrRPC
	ErrCanceled        = core.ErrCanceled
)
