// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package plan holds the runtime state of containers and the
// operators assigned to them, and the desired assignment supplied by
// the plan layer.
package plan

import (
	"errors"
	"fmt"
)

// ErrInvalidStateTransition is wrapped by errors returned when a
// caller requests a transition the state machine does not allow.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ContainerState indicates where a container process is in its
// lifecycle.
type ContainerState int

const (
	ContainerNew          ContainerState = iota // resource requested, not granted yet
	ContainerAllocated                          // process granted, no heartbeat yet
	ContainerActive                             // at least one heartbeat received
	ContainerKilled                             // deliberately shut down
	ContainerDisconnected                       // heartbeats stopped, or lost by the resource layer
)

var containerStateString = map[ContainerState]string{
	ContainerNew:          "NEW",
	ContainerAllocated:    "ALLOCATED",
	ContainerActive:       "ACTIVE",
	ContainerKilled:       "KILLED",
	ContainerDisconnected: "DISCONNECTED",
}

// Allowed container transitions. States not listed as keys are
// terminal.
var containerTransitions = map[ContainerState][]ContainerState{
	ContainerNew:       {ContainerAllocated, ContainerKilled},
	ContainerAllocated: {ContainerActive, ContainerKilled, ContainerDisconnected},
	ContainerActive:    {ContainerKilled, ContainerDisconnected},
}

// String implements fmt.Stringer.
func (s ContainerState) String() string {
	return containerStateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[ContainerState]anything uses the state's string representation.
func (s ContainerState) MarshalText() ([]byte, error) {
	return []byte(containerStateString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ContainerState) UnmarshalText(text []byte) error {
	for state, str := range containerStateString {
		if str == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown container state %q", text)
}

// Terminal returns true if no further transitions are possible.
func (s ContainerState) Terminal() bool {
	return len(containerTransitions[s]) == 0
}

// OperatorState indicates where an operator instance is in its
// lifecycle on its current container.
type OperatorState int

const (
	OperatorNew             OperatorState = iota // assigned, no deploy instruction issued
	OperatorPendingDeploy                        // deploy issued, not yet reported running
	OperatorActive                               // reported running by its container
	OperatorPendingUndeploy                      // undeploy issued, not yet confirmed
	OperatorRemoved                              // undeploy confirmed, released by its container
	OperatorFailed                               // container disconnected, or operator reported failed
)

var operatorStateString = map[OperatorState]string{
	OperatorNew:             "NEW",
	OperatorPendingDeploy:   "PENDING_DEPLOY",
	OperatorActive:          "ACTIVE",
	OperatorPendingUndeploy: "PENDING_UNDEPLOY",
	OperatorRemoved:         "REMOVED",
	OperatorFailed:          "FAILED",
}

var operatorTransitions = map[OperatorState][]OperatorState{
	OperatorNew:             {OperatorPendingDeploy, OperatorRemoved},
	OperatorPendingDeploy:   {OperatorActive, OperatorPendingUndeploy, OperatorFailed},
	OperatorActive:          {OperatorPendingUndeploy, OperatorFailed},
	OperatorPendingUndeploy: {OperatorRemoved},
	OperatorFailed:          {OperatorPendingDeploy, OperatorRemoved},
}

// String implements fmt.Stringer.
func (s OperatorState) String() string {
	return operatorStateString[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s OperatorState) MarshalText() ([]byte, error) {
	return []byte(operatorStateString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *OperatorState) UnmarshalText(text []byte) error {
	for state, str := range operatorStateString {
		if str == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown operator state %q", text)
}

// Deployed returns true if the operator's container has been told to
// run it and has not been told to stop.
func (s OperatorState) Deployed() bool {
	return s == OperatorPendingDeploy || s == OperatorActive
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	entity string
	id     int
	from   fmt.Stringer
	to     fmt.Stringer
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("%s %d: %s: %s -> %s", e.entity, e.id, ErrInvalidStateTransition, e.from, e.to)
}

func (e *transitionError) Unwrap() error {
	return ErrInvalidStateTransition
}
