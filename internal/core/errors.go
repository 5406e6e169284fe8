// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Record level errors ------//

	// ErrNotFound is returned when a record number is out of range, or when an
	// operation requires a live record but the record is deleted.
	ErrNotFound

	// ErrLockViolation is returned when an operation needs a record lock that
	// the caller doesn't hold, or when unlocking with the wrong cookie.
	ErrLockViolation

	// ErrDuplicateKey is returned when creating or updating a record would make
	// two live records share the same key fields.
	ErrDuplicateKey

	// ErrLockTimeout is returned if a lock could not be acquired within the
	// configured lock timeout.
	ErrLockTimeout

	// ErrInvalidArgument is returned for unknown field names, values that
	// can't be encoded, bad customer ids and similar.
	ErrInvalidArgument

	//------ Storage level errors ------//

	// ErrIO is returned if there is an OS-level IO error while reading or
	// writing the data file.
	ErrIO

	// ErrStartup is returned if the data file can't be opened or has an
	// invalid header.
	ErrStartup

	//------ Server level errors ------//

	// ErrTooBusy is returned when the server has too many pending requests.
	ErrTooBusy

	// ErrReadOnlyMode is returned for mutations while the server is in
	// read-only maintenance mode.
	ErrReadOnlyMode

	// ErrProtocolVersion is returned when client and server disagree on the
	// protocol version.
	ErrProtocolVersion

	//------ Client driver errors ------//

	// ErrRPC is returned if the RPC layer failed.
	ErrRPC

	//------ Meta-errors ------//

	// ErrCanceled is returned when a request is canceled while waiting.
	ErrCanceled

	// ErrUnknown is used when we don't know what happened.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrNotFound:        "record not found or deleted",
	ErrLockViolation:   "record lock not held by caller",
	ErrDuplicateKey:    "a live record with the same key already exists",
	ErrLockTimeout:     "timed out waiting for record lock",
	ErrInvalidArgument: "invalid argument",

	ErrIO:      "I/O level error",
	ErrStartup: "data file cannot be opened or is malformed",

	ErrTooBusy:         "too busy",
	ErrReadOnlyMode:    "server is in read-only mode",
	ErrProtocolVersion: "protocol version mismatch",

	ErrRPC: "RPC-level error",

	ErrCanceled: "request canceled",
	ErrUnknown:  "unknown error!!!! contact a programming professional to diagnose",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// BsdbError gets the underlying core.Error from an error.
func BsdbError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to connect to the server, retry connecting it.
		// Make sense to backoff a little bit and retry.
		ErrTooBusy,
		// Maintenance windows are short.
		ErrReadOnlyMode:
		return true
	}
	return false
}
