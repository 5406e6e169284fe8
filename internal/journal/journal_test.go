// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package journal

import (
	"path/filepath"
	"testing"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	j.Append(core.EventAdd, 1, "")
	j.Append(core.EventBook, 1, "12345678")
	j.Append(core.EventBook, 2, "87654321")
	j.Append(core.EventUnbook, 1, "")
	j.Close()

	// Events survive reopening.
	j, err = Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	evs, err := j.History(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 || evs[0].Kind != core.EventAdd || evs[1].Customer != "12345678" || evs[2].Kind != core.EventUnbook {
		t.Fatalf("unexpected history %+v", evs)
	}
	if evs[0].Seq >= evs[1].Seq || evs[1].Seq >= evs[2].Seq {
		t.Fatalf("sequence numbers out of order: %+v", evs)
	}
	if evs, _ := j.History(3); len(evs) != 0 {
		t.Fatalf("unexpected history for record 3: %+v", evs)
	}

	recent, err := j.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].No != 2 || recent[1].Kind != core.EventUnbook {
		t.Fatalf("unexpected recent events %+v", recent)
	}
}
