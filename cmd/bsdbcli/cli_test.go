// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"testing"

	"github.com/westerndigitalcorporation/bsdb/client/bsdb"
)

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"name=Smith & Sons", "rate=$80.00", "owner="})
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 3 || fields[0].Value != "Smith & Sons" || fields[1].Name != "rate" || fields[2].Value != "" {
		t.Fatalf("unexpected fields %+v", fields)
	}
	for _, bad := range []string{"name", "=x"} {
		if _, err := parseFields([]string{bad}); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	rec := bsdb.Record{No: 3, Deleted: true, Fields: []bsdb.Field{{Name: "name", Value: "Acme"}}}
	if s := formatRecord(rec); s != `    3 D name="Acme"` {
		t.Fatalf("unexpected format %q", s)
	}
}
