// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/bsdb/internal/loadgen"
)

// Flags for config parameters.
var (
	addr = flag.String("addr", "localhost:4322", "address of the server")

	// For simple tests, use the following options.
	duration = flag.Duration("duration", 0, "duration to inject load")
	rate     = flag.Float64("rate", -1, "operations per second over all workers, 0 for unlimited")
	workers  = flag.Int("workers", 0, "number of concurrent clients")
	records  = flag.Int("records", 0, "number of records to spread the load over")

	// For advanced tests use a config file. Flags override it.
	cfgFile = flag.String("config_file", "", "path for JSON encoded configuration file")
)

func main() {
	flag.Set("logtostderr", "true")
	flag.Parse()

	cfg := loadgen.DefaultConfig(*addr)
	if *cfgFile != "" {
		f, err := os.Open(*cfgFile)
		if err != nil {
			log.Fatalf("failed to open config file %s: %s", *cfgFile, err)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			log.Fatalf("failed to decode config file %s: %s", *cfgFile, err)
		}
		f.Close()
	}
	if *duration != 0 {
		cfg.Duration = duration.String()
	}
	if *rate >= 0 {
		cfg.Rate = *rate
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *records > 0 {
		cfg.Records = *records
	}

	report, err := loadgen.Run(context.Background(), cfg)
	if err != nil {
		log.Errorf("load test failed...: %s", err)
		if report != nil {
			log.Infof("\n====== stats ======\n%s", report)
		}
		log.Flush()
		os.Exit(1)
	}
	log.Infof("load test passed...")
	log.Infof("\n====== stats ======\n%s", report)
}
