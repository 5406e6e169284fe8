// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/dbserver"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'dbserver.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via the
      command-line flag '-config' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in
      the previous two steps, e.g., '-dataFile=ZZZ'.

*/

var (
	// Default configuration.
	cfg = dbserver.DefaultProdConfig

	// Config file name.
	cfgFile = flag.String("config", "", "configuration file for the server")

	// Server config parameters.
	addr        = flag.String("addr", "", "address to listen on for requests")
	dataFile    = flag.String("dataFile", "", "path of the data file")
	journalPath = flag.String("journal", "", "path of the booking journal, 'none' to disable it")
	keyFields   = flag.String("keyFields", "", "comma separated fields no two live records may share")
	lockTimeout = flag.Duration("lockTimeout", 0, "how long a lock request waits for a held record")
	lockLease   = flag.Duration("lockLease", 0, "how long a granted lock lives without being used")
	useFailure  = flag.Bool("useFailure", false, "whether to enable the failure service")
	readOnly    = flag.Bool("readOnly", false, "start in read-only mode")
	noSync      = flag.Bool("noSync", false, "don't fsync after every mutation")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if *cfgFile != "" {
		f, err := os.Open(*cfgFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Override values from command-line flags. Zero values mean the flag
	// wasn't set.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataFile != "" {
		cfg.DataFile = *dataFile
	}
	if *journalPath == "none" {
		cfg.JournalPath = ""
	} else if *journalPath != "" {
		cfg.JournalPath = *journalPath
	}
	if *keyFields != "" {
		cfg.KeyFields = strings.Split(*keyFields, ",")
	}
	if *lockTimeout != 0 {
		cfg.LockTimeout = *lockTimeout
	}
	if *lockLease != 0 {
		cfg.LockLease = *lockLease
	}
	if *useFailure {
		cfg.UseFailure = true
	}
	if *readOnly {
		cfg.ReadOnly = true
	}
	if *noSync {
		cfg.SyncWrites = false
	}
}

func main() {
	s, err := dbserver.Open(cfg)
	if err != nil {
		log.Fatalf("couldn't open the database: %s", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		sig := <-sigs
		log.Infof("received %s, shutting down", sig)
		if err := s.Close(); err != nil {
			log.Errorf("error closing the database: %s", err)
		}
	}()

	log.Infof("starting server with config %+v", cfg)
	if err := s.Start(); err != nil {
		log.Fatalf("server returned error: %s", err)
	}
	<-closed
	log.Flush()
}
