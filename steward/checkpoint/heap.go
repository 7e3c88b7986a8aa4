// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package checkpoint

import "time"

// dueEntry is one scheduled periodic capture.
type dueEntry struct {
	jobID string
	due   time.Time
}

// dueHeap is a min-heap ordered by due time, ties by job ID for
// determinism.
type dueHeap []*dueEntry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].jobID < h[j].jobID
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*dueEntry)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
