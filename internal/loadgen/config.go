// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package loadgen generates concurrent booking load against a server and
// checks that no booking was lost or granted twice.
package loadgen

import (
	"fmt"
	"math/rand"
	"time"

	client "github.com/westerndigitalcorporation/bsdb/client/bsdb"
)

// Mix weighs the operations a worker picks from. Zero weights disable an op.
type Mix struct {
	Book, Unbook, Read, Find int
}

// Config includes parameters of a load run.
type Config struct {
	client.Options

	// Must be parsable by time.ParseDuration. Will be parsed and replace
	// Options.RetryTimeout, so durations can be written as "3s" in JSON.
	RetryTimeout string

	// How long to run, parsable by time.ParseDuration.
	Duration string

	Workers int     // Number of concurrent clients.
	Rate    float64 // Operations per second over all workers, 0 means unlimited.
	Records int     // Number of contractor records the load is spread over.

	// Samples pick the record of each operation, modulo Records.
	Pick VariateConfig

	// Samples are seconds a worker pauses between operations. Optional.
	Think VariateConfig

	Mix Mix
}

// DefaultConfig returns a config for a short run against 'addr' with a few
// hot records.
func DefaultConfig(addr string) Config {
	return Config{
		Options:      client.Options{Addr: addr, Instance: "loadgen"},
		RetryTimeout: "10s",
		Duration:     "30s",
		Workers:      8,
		Rate:         500,
		Records:      16,
		Pick:         VariateConfig{Name: "Pareto", Seed: 1, Parameters: []byte(`{"Xm": 1, "Alpha": 1.2}`)},
		Mix:          Mix{Book: 4, Unbook: 3, Read: 2, Find: 1},
	}
}

// settings are the parsed form of a Config.
type settings struct {
	options  client.Options
	duration time.Duration
	pick     Variate
	think    Variate // nil if no pause
	ops      []string
	weights  []int
	total    int
}

func (c Config) parse() (s settings, err error) {
	if c.Addr == "" {
		return s, fmt.Errorf("server address can not be empty")
	}
	if c.Workers <= 0 || c.Records <= 0 {
		return s, fmt.Errorf("workers and records must be positive")
	}
	s.options = c.Options
	if c.RetryTimeout != "" {
		if s.options.RetryTimeout, err = time.ParseDuration(c.RetryTimeout); err != nil {
			return s, fmt.Errorf("failed to parse RetryTimeout: %s", err)
		}
	}
	if s.duration, err = time.ParseDuration(c.Duration); err != nil {
		return s, fmt.Errorf("failed to parse Duration: %s", err)
	}
	if s.pick, err = c.Pick.Parse(); err != nil {
		return s, err
	}
	if c.Think.Name != "" {
		if s.think, err = c.Think.Parse(); err != nil {
			return s, err
		}
	}

	for _, op := range []struct {
		name   string
		weight int
	}{{opBook, c.Mix.Book}, {opUnbook, c.Mix.Unbook}, {opRead, c.Mix.Read}, {opFind, c.Mix.Find}} {
		if op.weight < 0 {
			return s, fmt.Errorf("weight of %s can not be negative", op.name)
		}
		if op.weight > 0 {
			s.ops = append(s.ops, op.name)
			s.weights = append(s.weights, op.weight)
			s.total += op.weight
		}
	}
	if s.total == 0 {
		return s, fmt.Errorf("operation mix is empty")
	}
	return s, nil
}

// pickOp picks an operation according to the weights.
func (s settings) pickOp(r *rand.Rand) string {
	n := r.Intn(s.total)
	for i, w := range s.weights {
		if n < w {
			return s.ops[i]
		}
		n -= w
	}
	return s.ops[len(s.ops)-1]
}

// pickRecord maps a sample to an index in [0, n).
func (s settings) pickRecord(n int) int {
	v := s.pick.Sample()
	if v < 0 {
		v = -v
	}
	return int(uint64(v) % uint64(n))
}
