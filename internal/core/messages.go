// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "time"

// ProtocolVersion is the version of the RPC protocol below. It is part of the
// CONNECT path and is checked again by Handshake.
const ProtocolVersion = 1

// RPC method names.
const (
	HandshakeMethod        = "DBSrvHandler.Handshake"
	GetAllMethod           = "DBSrvHandler.GetAll"
	FindMethod             = "DBSrvHandler.Find"
	SearchMethod           = "DBSrvHandler.Search"
	ReadMethod             = "DBSrvHandler.Read"
	LockMethod             = "DBSrvHandler.Lock"
	UnlockMethod           = "DBSrvHandler.Unlock"
	UpdateMethod           = "DBSrvHandler.Update"
	DeleteMethod           = "DBSrvHandler.Delete"
	CreateMethod           = "DBSrvHandler.Create"
	BookMethod             = "DBSrvHandler.Book"
	UnbookMethod           = "DBSrvHandler.Unbook"
	DeleteContractorMethod = "DBSrvHandler.DeleteContractor"
	HistoryMethod          = "DBSrvHandler.History"
	BackupMethod           = "DBSrvHandler.Backup"
)

// HandshakeReq is sent once per connection by clients.
type HandshakeReq struct {
	Version int
}

// HandshakeReply returns the schema of the served data file.
type HandshakeReply struct {
	Schema Schema
	Err    Error
}

// GetAllReq asks for every record, deleted ones included.
type GetAllReq struct{}

// RecordsReply carries a list of records.
type RecordsReply struct {
	Records []Record
	Err     Error
}

// FindReq selects live records whose name and location start with the given
// prefixes, ignoring case. Empty prefixes match everything.
type FindReq struct {
	Name     string
	Location string
}

// FindReply carries matching record numbers in ascending order.
type FindReply struct {
	Nos []RecordNo
	Err Error
}

// RecordReq names a single record.
type RecordReq struct {
	No RecordNo
}

// ReadReply carries a record snapshot.
type ReadReply struct {
	Record Record
	Err    Error
}

// LockReq asks for the lock on a record. The server stops waiting after
// Wait, if it's positive and shorter than the server's lock timeout, so it
// gives up no later than the client.
type LockReq struct {
	No   RecordNo
	Wait time.Duration
}

// LockReply carries the cookie of a newly acquired lock.
type LockReply struct {
	Cookie Cookie
	Err    Error
}

// UnlockReq releases a lock.
type UnlockReq struct {
	No     RecordNo
	Cookie Cookie
}

// UpdateReq overwrites the named fields of a locked record.
type UpdateReq struct {
	No     RecordNo
	Fields []Field
	Cookie Cookie
}

// DeleteReq soft-deletes a locked record.
type DeleteReq struct {
	No     RecordNo
	Cookie Cookie
}

// CreateReq adds a record. Fields not named are left blank.
type CreateReq struct {
	Fields []Field
}

// CreateReply carries the slot assigned to a new record.
type CreateReply struct {
	No  RecordNo
	Err Error
}

// BookReq books a record for a customer.
type BookReq struct {
	No       RecordNo
	Customer int64
}

// BoolReply carries the outcome of a business rule. Done is false when the
// rule denied the operation, which is not an error.
type BoolReply struct {
	Done bool
	Err  Error
}

// HistoryReply carries the journaled events of a record, oldest first.
type HistoryReply struct {
	Events []Event
	Err    Error
}

// BackupReq asks the server to write a snapshot of the data file to Path on
// the server host.
type BackupReq struct {
	Path string
}

// BackupReply carries the number of compressed bytes written.
type BackupReply struct {
	Size int64
	Err  Error
}

// ErrReply is the reply of operations without a result.
type ErrReply struct {
	Err Error
}
