// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package db

import (
	"sync"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// recordCache holds every record of the data file in slot order. It is the
// source of truth for reads; writers update it only after the file write
// succeeded. Callers get copies.
type recordCache struct {
	lock sync.RWMutex
	recs []core.Record
}

func (c *recordCache) size() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.recs)
}

func (c *recordCache) get(no core.RecordNo) (core.Record, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if no < 0 || int64(no) >= int64(len(c.recs)) {
		return core.Record{}, false
	}
	return c.recs[no].Copy(), true
}

func (c *recordCache) all() []core.Record {
	c.lock.RLock()
	defer c.lock.RUnlock()
	out := make([]core.Record, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.Copy()
	}
	return out
}

// each calls 'fn' on every record with the read lock held. 'fn' must not
// retain or modify the record.
func (c *recordCache) each(fn func(r *core.Record)) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for i := range c.recs {
		fn(&c.recs[i])
	}
}

// put stores 'rec' in slot rec.No, growing the cache by one if it's the next
// slot.
func (c *recordCache) put(rec core.Record) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if int(rec.No) == len(c.recs) {
		c.recs = append(c.recs, rec)
	} else {
		c.recs[rec.No] = rec
	}
}

func (c *recordCache) setValues(no core.RecordNo, idx []int, vals []string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for j, i := range idx {
		c.recs[no].Fields[i].Value = vals[j]
	}
}

func (c *recordCache) setDeleted(no core.RecordNo, deleted bool) {
	c.lock.Lock()
	c.recs[no].Deleted = deleted
	c.lock.Unlock()
}
