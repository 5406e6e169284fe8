// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package db

import (
	"container/heap"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// freeSlots is a min-heap of tombstoned slots, so inserts reuse the lowest
// numbered slot first. It is not thread-safe, Store guards it with its
// structural lock.
type freeSlots struct {
	data slotHeap
}

func (f *freeSlots) push(no core.RecordNo) {
	heap.Push(&f.data, no)
}

// pop returns the lowest free slot, or false if there is none.
func (f *freeSlots) pop() (core.RecordNo, bool) {
	if len(f.data) == 0 {
		return 0, false
	}
	return heap.Pop(&f.data).(core.RecordNo), true
}

func (f *freeSlots) len() int {
	return len(f.data)
}

// slotHeap implements heap.Interface.
type slotHeap []core.RecordNo

func (h slotHeap) Len() int           { return len(h) }
func (h slotHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h slotHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *slotHeap) Push(x interface{}) {
	*h = append(*h, x.(core.RecordNo))
}

func (h *slotHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
