// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package checkpoint keeps the per-operator ledger of completed
// checkpoints and computes the recovery floor: the oldest checkpoint
// window still needed to recover any operator.
package checkpoint

import (
	"sort"
	"sync"
	"time"
)

// A Checkpoint records that an operator durably saved its state as
// of the end of WindowID. Checkpoints are immutable once recorded.
type Checkpoint struct {
	WindowID int64
	Recorded time.Time
}

// Tracker is a ledger of completed checkpoints for a set of
// operators. It is safe for concurrent use.
//
// The recovery floor is the minimum, over all tracked operators, of
// each operator's latest checkpoint window. An operator that is
// tracked but has no checkpoint yet holds the floor at zero.
// Checkpoints older than the floor are not needed by any recovery.
type Tracker struct {
	mtx    sync.Mutex
	ledger map[int][]Checkpoint // ascending by WindowID
	floor  int64                // highest floor returned so far
	now    func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ledger: map[int][]Checkpoint{},
		now:    time.Now,
	}
}

// Track starts tracking an operator with no checkpoints. It does
// nothing if the operator is already tracked.
func (t *Tracker) Track(operatorID int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.ledger[operatorID]; !ok {
		t.ledger[operatorID] = nil
	}
}

// Forget stops tracking an operator, typically because it was
// removed from the plan.
func (t *Tracker) Forget(operatorID int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.ledger, operatorID)
}

// RecordCheckpoint appends a checkpoint for the given operator if
// windowID is greater than the last one recorded, and reports
// whether it did. Recording an equal or older window is a no-op:
// retried and reordered reports are expected.
func (t *Tracker) RecordCheckpoint(operatorID int, windowID int64) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	cps := t.ledger[operatorID]
	if n := len(cps); n > 0 && cps[n-1].WindowID >= windowID {
		return false
	}
	t.ledger[operatorID] = append(cps, Checkpoint{WindowID: windowID, Recorded: t.now()})
	return true
}

// Latest returns the most recent checkpoint recorded for the given
// operator.
func (t *Tracker) Latest(operatorID int) (Checkpoint, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	cps := t.ledger[operatorID]
	if len(cps) == 0 {
		return Checkpoint{}, false
	}
	return cps[len(cps)-1], true
}

// Checkpoints returns a copy of the given operator's ledger, oldest
// first.
func (t *Tracker) Checkpoints(operatorID int) []Checkpoint {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]Checkpoint(nil), t.ledger[operatorID]...)
}

// ComputePurgeFloor returns the current recovery floor. The returned
// value never decreases over the life of the Tracker.
func (t *Tracker) ComputePurgeFloor() int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.computeFloor()
}

// caller must have lock.
func (t *Tracker) computeFloor() int64 {
	if len(t.ledger) == 0 {
		return t.floor
	}
	first := true
	var min int64
	for _, cps := range t.ledger {
		var latest int64
		if len(cps) > 0 {
			latest = cps[len(cps)-1].WindowID
		}
		if first || latest < min {
			min, first = latest, false
		}
	}
	if min > t.floor {
		t.floor = min
	}
	return t.floor
}

// Purgeable returns, for each operator, the checkpoint windows older
// than the current recovery floor, in ascending order. Operators with
// nothing to purge are omitted.
func (t *Tracker) Purgeable() map[int][]int64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	floor := t.computeFloor()
	out := map[int][]int64{}
	for op, cps := range t.ledger {
		for _, cp := range cps {
			if cp.WindowID >= floor {
				break
			}
			out[op] = append(out[op], cp.WindowID)
		}
	}
	return out
}

// Discard removes ledger entries older than the current recovery
// floor and returns how many were removed. The caller is responsible
// for deleting the corresponding checkpoint data.
func (t *Tracker) Discard() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	floor := t.computeFloor()
	n := 0
	for op, cps := range t.ledger {
		i := sort.Search(len(cps), func(i int) bool { return cps[i].WindowID >= floor })
		if i > 0 {
			n += i
			t.ledger[op] = append([]Checkpoint(nil), cps[i:]...)
		}
	}
	return n
}
