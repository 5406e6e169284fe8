// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package loadgen

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"path/filepath"
	"testing"

	"github.com/westerndigitalcorporation/bsdb/internal/db"
	"github.com/westerndigitalcorporation/bsdb/internal/dbserver"
)

func TestParseVariates(t *testing.T) {
	tests := []string{
		`{"Name": "Constant", "Parameters": 888}`,
		`{"Name": "Uniform", "Seed": 123, "Parameters": {"Lower": 10, "Upper": 100}}`,
		`{"Name": "Exponential", "Seed": 452, "Parameters": 23.5}`,
		`{"Name": "Pareto", "Seed": 7824, "Parameters": {"Xm": 10, "Alpha": 100.72834}}`,
	}
	for _, test := range tests {
		var vc VariateConfig
		if err := json.Unmarshal([]byte(test), &vc); err != nil {
			t.Fatalf("failed to unmarshal %s: %s", test, err)
		}
		v, err := vc.Parse()
		if err != nil {
			t.Fatalf("failed to parse %s: %s", test, err)
		}
		v.Sample()
	}

	bad := []VariateConfig{
		{Name: "Normal", Parameters: []byte(`1`)},
		{Name: "Uniform", Parameters: []byte(`{"Lower": 5, "Upper": 5}`)},
		{Name: "Exponential", Parameters: []byte(`0`)},
		{Name: "Pareto", Parameters: []byte(`{"Xm": 0, "Alpha": 1}`)},
		{Name: "Constant", Parameters: []byte(`"x"`)},
	}
	for _, vc := range bad {
		if _, err := vc.Parse(); err == nil {
			t.Fatalf("%s %s accepted", vc.Name, vc.Parameters)
		}
	}
}

func TestParseConfig(t *testing.T) {
	cfg := DefaultConfig("localhost:1")
	cfg.Mix = Mix{Book: 1, Read: 3}
	s, err := cfg.parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ops) != 2 || s.total != 4 || s.options.RetryTimeout.Seconds() != 10 {
		t.Fatalf("unexpected settings %+v", s)
	}

	counts := make(map[string]int)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 4000; i++ {
		counts[s.pickOp(r)]++
	}
	if counts[opUnbook] != 0 || counts[opBook] < 800 || counts[opRead] < 2600 {
		t.Fatalf("unexpected op mix %v", counts)
	}
	for i := 0; i < 1000; i++ {
		if n := s.pickRecord(16); n < 0 || n >= 16 {
			t.Fatalf("record index %d out of range", n)
		}
	}

	cfg.Mix = Mix{}
	if _, err := cfg.parse(); err == nil {
		t.Fatalf("empty mix accepted")
	}
	cfg = DefaultConfig("localhost:1")
	cfg.Duration = "forever"
	if _, err := cfg.parse(); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

// A short run against a real server keeps bookings consistent.
func TestRun(t *testing.T) {
	dir := t.TempDir()
	scfg := dbserver.DefaultTestConfig
	scfg.Addr = "localhost:0"
	scfg.DataFile = filepath.Join(dir, "db.db")
	if err := db.CreateFile(scfg.DataFile, db.ContractorSchema()); err != nil {
		t.Fatal(err)
	}
	srv, err := dbserver.Open(scfg)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	l, err := net.Listen("tcp", scfg.Addr)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)

	cfg := DefaultConfig(l.Addr().String())
	cfg.Duration = "300ms"
	cfg.Workers = 4
	cfg.Records = 3
	cfg.Rate = 0
	report, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("load run failed: %s", err)
	}
	if done, denied := report.Count(opBook); done+denied == 0 {
		t.Fatalf("no bookings attempted:\n%s", report)
	}
	t.Logf("\n%s", report)

	// A second run reuses the seeded records.
	cfg.Duration = "100ms"
	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("second load run failed: %s", err)
	}
}
