// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package plan

import (
	"fmt"
	"sort"
	"sync"
)

// Assignment is the desired placement of operators onto containers,
// supplied by the plan layer. Implementations must be safe for
// concurrent use.
type Assignment interface {
	// DesiredOperatorsFor returns the operators that should run on
	// the given container.
	DesiredOperatorsFor(containerID int) []int
	// ContainerFor returns the container an operator should run
	// on, if any.
	ContainerFor(operatorID int) (containerID int, ok bool)
}

// StaticAssignment is an Assignment held in memory and changed by
// explicit calls.
type StaticAssignment struct {
	mtx         sync.RWMutex
	byContainer map[int][]int
	byOperator  map[int]int
	subscribers map[<-chan struct{}]chan<- struct{}
}

// NewStaticAssignment returns an assignment with the given initial
// placement. Each operator may appear at most once.
func NewStaticAssignment(initial map[int][]int) (*StaticAssignment, error) {
	a := &StaticAssignment{}
	if err := a.Replace(initial); err != nil {
		return nil, err
	}
	return a, nil
}

// DesiredOperatorsFor implements Assignment.
func (a *StaticAssignment) DesiredOperatorsFor(containerID int) []int {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return append([]int(nil), a.byContainer[containerID]...)
}

// ContainerFor implements Assignment.
func (a *StaticAssignment) ContainerFor(operatorID int) (int, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	id, ok := a.byOperator[operatorID]
	return id, ok
}

// Assign places the given operators on a container, replacing
// whatever was assigned to it before. Operators assigned elsewhere
// are moved.
func (a *StaticAssignment) Assign(containerID int, operatorIDs []int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for _, old := range a.byContainer[containerID] {
		delete(a.byOperator, old)
	}
	delete(a.byContainer, containerID)
	for _, op := range operatorIDs {
		a.unassign(op)
		a.byOperator[op] = containerID
		a.byContainer[containerID] = append(a.byContainer[containerID], op)
	}
	a.notify()
}

// Move places a single operator on a container, removing it from any
// other container.
func (a *StaticAssignment) Move(operatorID, containerID int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.unassign(operatorID)
	a.byOperator[operatorID] = containerID
	a.byContainer[containerID] = append(a.byContainer[containerID], operatorID)
	a.notify()
}

// Unassign removes an operator from the plan.
func (a *StaticAssignment) Unassign(operatorID int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.unassign(operatorID)
	a.notify()
}

// Replace swaps in a whole new placement.
func (a *StaticAssignment) Replace(placement map[int][]int) error {
	byContainer := make(map[int][]int, len(placement))
	byOperator := map[int]int{}
	for ctr, ops := range placement {
		for _, op := range ops {
			if other, dup := byOperator[op]; dup {
				return fmt.Errorf("operator %d assigned to both container %d and container %d", op, other, ctr)
			}
			byOperator[op] = ctr
		}
		byContainer[ctr] = append([]int(nil), ops...)
	}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.byContainer = byContainer
	a.byOperator = byOperator
	a.notify()
	return nil
}

// Placement returns a copy of the current placement.
func (a *StaticAssignment) Placement() map[int][]int {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	p := make(map[int][]int, len(a.byContainer))
	for ctr, ops := range a.byContainer {
		ops = append([]int(nil), ops...)
		sort.Ints(ops)
		p[ctr] = ops
	}
	return p
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the placement.
func (a *StaticAssignment) Subscribe() <-chan struct{} {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	ch := make(chan struct{}, 1)
	if a.subscribers == nil {
		a.subscribers = map[<-chan struct{}]chan<- struct{}{}
	}
	a.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (a *StaticAssignment) Unsubscribe(ch <-chan struct{}) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	delete(a.subscribers, ch)
}

// caller must have lock.
func (a *StaticAssignment) unassign(op int) {
	ctr, ok := a.byOperator[op]
	if !ok {
		return
	}
	delete(a.byOperator, op)
	ops := a.byContainer[ctr]
	for i, o := range ops {
		if o == op {
			a.byContainer[ctr] = append(ops[:i:i], ops[i+1:]...)
			break
		}
	}
	if len(a.byContainer[ctr]) == 0 {
		delete(a.byContainer, ctr)
	}
}

// caller must have lock.
func (a *StaticAssignment) notify() {
	for _, send := range a.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}
