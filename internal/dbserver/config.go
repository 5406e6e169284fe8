// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dbserver

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/bsdb/internal/booking"
)

// Config encapsulates parameters for the database server.
type Config struct {
	Addr               string // Address for RPCs and the status page.
	DataFile           string // Path of the data file.
	JournalPath        string // Path of the booking journal, empty to disable it.
	RejectReqThreshold int    // Pending requests are rejected after this threshold.
	UseFailure         bool   // Whether to enable the failure service.
	ReadOnly           bool   // Start in read-only mode.

	// How long a Lock request waits for a held record, zero waits forever.
	LockTimeout time.Duration

	// A granted lock that is neither used nor unlocked for this long is
	// passed on, so a client that went away can't keep a record locked.
	// Zero keeps locks forever.
	LockLease time.Duration

	// --- Data file ---
	// Fields that no two live records may share, compared ignoring case.
	KeyFields []string
	// Whether to fsync after every mutation.
	SyncWrites bool

	// --- Booking ---
	NameField     string
	LocationField string
	OwnerField    string
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("address of the server can not be empty")
	}
	if c.DataFile == "" {
		return fmt.Errorf("data file can not be empty")
	}
	if c.LockTimeout < 0 || c.LockLease < 0 {
		return fmt.Errorf("lock timeout and lease can not be negative")
	}
	if c.NameField == "" || c.LocationField == "" || c.OwnerField == "" {
		return fmt.Errorf("name, location and owner fields must be set")
	}
	return nil
}

func (c Config) bookingConfig() booking.Config {
	return booking.Config{NameField: c.NameField, LocationField: c.LocationField, OwnerField: c.OwnerField}
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Addr:               "localhost:4322",
	DataFile:           "db-1x3.db",
	JournalPath:        "journal.db",
	RejectReqThreshold: 1000,
	LockTimeout:        30 * time.Second,
	LockLease:          time.Minute,
	KeyFields:          []string{"name", "location", "specialties"},
	SyncWrites:         true,
	NameField:          "name",
	LocationField:      "location",
	OwnerField:         "owner",
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing. The data file and address must be filled in.
var DefaultTestConfig = Config{
	RejectReqThreshold: 100,
	LockTimeout:        5 * time.Second,
	LockLease:          2 * time.Second,
	UseFailure:         true,
	KeyFields:          []string{"name", "location"},
	NameField:          "name",
	LocationField:      "location",
	OwnerField:         "owner",
}
