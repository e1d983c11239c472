// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package plan

import (
	"sort"
	"sync"
	"time"

	"git.arvados.org/stram.git/sdk/go/stram"
)

// Container is a worker process that hosts operators.
//
// Except for ID and Priority, fields (including the state of the
// operators it owns) are protected by the container's own lock: call
// Lock/Unlock around every access. Containers never lock each other.
type Container struct {
	ID       int
	Priority int

	mtx                 sync.Mutex
	state               ContainerState
	externalID          string
	host                string
	bufferServerAddress string
	memory              stram.ByteSize
	operators           []*Operator
	requested           time.Time
	allocated           time.Time
	lastHeartbeat       time.Time
	lastPurgeAck        int64
	lastSequence        uint64
	shutdownSent        bool
}

// NewContainer returns a container in state NEW. Priority equals ID:
// the resource layer echoes the priority back when it grants the
// request.
func NewContainer(id int, memory stram.ByteSize) *Container {
	return &Container{
		ID:        id,
		Priority:  id,
		state:     ContainerNew,
		memory:    memory,
		requested: time.Now(),
	}
}

func (c *Container) Lock()   { c.mtx.Lock() }
func (c *Container) Unlock() { c.mtx.Unlock() }

// ContainerView is a snapshot of a container, suitable for JSON.
type ContainerView struct {
	ID                  int            `json:"id"`
	Priority            int            `json:"priority"`
	State               ContainerState `json:"state"`
	ExternalID          string         `json:"external_id,omitempty"`
	Host                string         `json:"host,omitempty"`
	BufferServerAddress string         `json:"buffer_server_address,omitempty"`
	Memory              stram.ByteSize `json:"memory"`
	Operators           []int          `json:"operators"`
	Requested           time.Time      `json:"requested"`
	Allocated           time.Time      `json:"allocated,omitempty"`
	LastHeartbeat       time.Time      `json:"last_heartbeat,omitempty"`
	PurgeFloorSent      int64          `json:"purge_floor_sent"`
}

// caller must have lock.
func (c *Container) View() ContainerView {
	return ContainerView{
		ID:                  c.ID,
		Priority:            c.Priority,
		State:               c.state,
		ExternalID:          c.externalID,
		Host:                c.host,
		BufferServerAddress: c.bufferServerAddress,
		Memory:              c.memory,
		Operators:           c.OperatorIDs(),
		Requested:           c.requested,
		Allocated:           c.allocated,
		LastHeartbeat:       c.lastHeartbeat,
		PurgeFloorSent:      c.lastPurgeAck,
	}
}

// caller must have lock.
func (c *Container) State() ContainerState { return c.state }

// caller must have lock.
func (c *Container) ExternalID() string { return c.externalID }

// caller must have lock.
func (c *Container) Requested() time.Time { return c.requested }

// caller must have lock.
func (c *Container) Allocated() time.Time { return c.allocated }

// caller must have lock.
func (c *Container) LastHeartbeat() time.Time { return c.lastHeartbeat }

func (c *Container) transition(to ContainerState) error {
	if !allowed(containerTransitions, c.state, to) {
		return &transitionError{entity: "container", id: c.ID, from: c.state, to: to}
	}
	c.state = to
	return nil
}

// Allocate records the process granted by the resource layer. The
// external ID is assigned exactly once.
//
// caller must have lock.
func (c *Container) Allocate(res stram.Resource, now time.Time) error {
	if err := c.transition(ContainerAllocated); err != nil {
		return err
	}
	c.externalID = res.ExternalID
	c.host = res.Host
	c.bufferServerAddress = res.BufferServerAddress
	if res.Memory > 0 {
		c.memory = res.Memory
	}
	c.allocated = now
	return nil
}

// Heartbeat records a heartbeat arrival. The first heartbeat of an
// ALLOCATED container activates it.
//
// caller must have lock.
func (c *Container) Heartbeat(now time.Time) error {
	if c.state == ContainerAllocated {
		if err := c.transition(ContainerActive); err != nil {
			return err
		}
	} else if c.state != ContainerActive {
		return &transitionError{entity: "container", id: c.ID, from: c.state, to: ContainerActive}
	}
	c.lastHeartbeat = now
	return nil
}

// Kill marks the container KILLED. Its deployed operators become
// FAILED so another container can adopt them.
//
// caller must have lock.
func (c *Container) Kill() ([]*Operator, error) {
	if err := c.transition(ContainerKilled); err != nil {
		return nil, err
	}
	return c.failOperators(), nil
}

// Disconnect marks the container DISCONNECTED. Its deployed operators
// become FAILED, and operators waiting for undeploy confirmation are
// removed.
//
// caller must have lock.
func (c *Container) Disconnect() ([]*Operator, error) {
	if err := c.transition(ContainerDisconnected); err != nil {
		return nil, err
	}
	return c.failOperators(), nil
}

// failOperators returns the operators released outright.
func (c *Container) failOperators() (released []*Operator) {
	for _, op := range c.operators {
		switch op.state {
		case OperatorPendingDeploy, OperatorActive:
			op.Transition(OperatorFailed)
		case OperatorPendingUndeploy:
			op.Transition(OperatorRemoved)
			released = append(released, op)
		}
	}
	c.dropRemoved()
	return
}

// TakeShutdown returns true the first time it is called on a KILLED
// container.
//
// caller must have lock.
func (c *Container) TakeShutdown() bool {
	if c.state != ContainerKilled || c.shutdownSent {
		return false
	}
	c.shutdownSent = true
	return true
}

// ShutdownSent returns true if the container has been told to exit.
//
// caller must have lock.
func (c *Container) ShutdownSent() bool { return c.shutdownSent }

// TakePurgeFloor returns true if floor is newer than the last floor
// acknowledged to this container, and remembers it.
//
// caller must have lock.
func (c *Container) TakePurgeFloor(floor int64) bool {
	if floor <= c.lastPurgeAck {
		return false
	}
	c.lastPurgeAck = floor
	return true
}

// TakeSequence records a heartbeat sequence number, and returns false
// if it is not newer than the last one recorded. Zero means the sender
// does not number its heartbeats, and is always accepted.
//
// caller must have lock.
func (c *Container) TakeSequence(seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq <= c.lastSequence {
		return false
	}
	c.lastSequence = seq
	return true
}

// Operator returns the operator with the given ID if this container
// owns it.
//
// caller must have lock.
func (c *Container) Operator(id int) *Operator {
	for _, op := range c.operators {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// Operators returns the operators owned by the container, in
// assignment order.
//
// caller must have lock.
func (c *Container) Operators() []*Operator {
	return append([]*Operator(nil), c.operators...)
}

// OperatorIDs returns the sorted IDs of the owned operators.
//
// caller must have lock.
func (c *Container) OperatorIDs() []int {
	ids := make([]int, 0, len(c.operators))
	for _, op := range c.operators {
		ids = append(ids, op.ID)
	}
	sort.Ints(ids)
	return ids
}

// Deployed returns the sorted IDs of operators the container has been
// told to run.
//
// caller must have lock.
func (c *Container) Deployed() []int {
	var ids []int
	for _, op := range c.operators {
		if op.state.Deployed() {
			ids = append(ids, op.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// Adopt makes the container the owner of op. The caller must hold the
// lock of op's previous owner (if any) as well, and must have removed
// op from that owner with Release.
//
// caller must have lock.
func (c *Container) Adopt(op *Operator) {
	op.containerID = c.ID
	c.operators = append(c.operators, op)
}

// Release removes op from the container's operator list.
//
// caller must have lock.
func (c *Container) Release(op *Operator) {
	for i, o := range c.operators {
		if o == op {
			c.operators = append(c.operators[:i], c.operators[i+1:]...)
			return
		}
	}
}

// ConfirmUndeploys moves PENDING_UNDEPLOY operators that are absent
// from a heartbeat's reports to REMOVED and releases them.
//
// caller must have lock.
func (c *Container) ConfirmUndeploys(reported map[int]bool) (released []*Operator) {
	for _, op := range c.operators {
		if op.state == OperatorPendingUndeploy && !reported[op.ID] {
			op.Transition(OperatorRemoved)
			released = append(released, op)
		}
	}
	c.dropRemoved()
	return
}

func (c *Container) dropRemoved() {
	kept := c.operators[:0]
	for _, op := range c.operators {
		if op.state != OperatorRemoved {
			kept = append(kept, op)
		}
	}
	for i := len(kept); i < len(c.operators); i++ {
		c.operators[i] = nil
	}
	c.operators = kept
}
