// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"fmt"
)

// DeployState is the state of an operator as reported by the
// container running it.
type DeployState string

const (
	DeployStateActive DeployState = "ACTIVE" // deployed and processing windows
	DeployStateIdle   DeployState = "IDLE"   // deployed, waiting for input
	DeployStateFailed DeployState = "FAILED" // operator code failed in the container
)

var validDeployState = map[DeployState]bool{
	DeployStateActive: true,
	DeployStateIdle:   true,
	DeployStateFailed: true,
}

// Running returns true if the reported state means the operator is
// deployed and alive in its container.
func (s DeployState) Running() bool {
	return s == DeployStateActive || s == DeployStateIdle
}

// UnmarshalText implements encoding.TextUnmarshaler, rejecting
// unknown states.
func (s *DeployState) UnmarshalText(text []byte) error {
	ds := DeployState(text)
	if !validDeployState[ds] {
		return fmt.Errorf("unknown deploy state %q", text)
	}
	*s = ds
	return nil
}

// OperatorHeartbeat is a container's report about one of its
// operators.
type OperatorHeartbeat struct {
	OperatorID         int         `json:"operator_id"`
	DeployState        DeployState `json:"deploy_state"`
	CurrentWindowID    int64       `json:"current_window_id"`
	CheckpointWindowID int64       `json:"checkpoint_window_id"`
}

// ContainerStats carries container-level diagnostics. It does not
// affect coordinator state.
type ContainerStats struct {
	MemoryUsed ByteSize `json:"memory_used"`
	Sequence   uint64   `json:"sequence"`
}

// ContainerHeartbeat is the periodic report sent by a container
// process. ContainerID is the external process id assigned by the
// resource layer.
type ContainerHeartbeat struct {
	ContainerID string              `json:"container_id"`
	Operators   []OperatorHeartbeat `json:"operators"`
	Stats       *ContainerStats     `json:"stats,omitempty"`
}

// InstructionKind tells a container whether to start or stop an
// operator.
type InstructionKind string

const (
	InstructionUndeploy InstructionKind = "undeploy"
	InstructionDeploy   InstructionKind = "deploy"
)

// UnmarshalText implements encoding.TextUnmarshaler, rejecting
// unknown kinds.
func (k *InstructionKind) UnmarshalText(text []byte) error {
	switch kind := InstructionKind(text); kind {
	case InstructionUndeploy, InstructionDeploy:
		*k = kind
		return nil
	default:
		return fmt.Errorf("unknown instruction kind %q", text)
	}
}

// An Instruction directs a container to start or stop one operator.
type Instruction struct {
	Kind       InstructionKind `json:"kind"`
	OperatorID int             `json:"operator_id"`
	// For deploy instructions: the checkpoint window the operator
	// should restore from, or zero to start fresh.
	RecoveryWindowID int64 `json:"recovery_window_id,omitempty"`
	// For deploy instructions: operator attributes that differ
	// from their defaults.
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (inst Instruction) String() string {
	return fmt.Sprintf("%s:%d", inst.Kind, inst.OperatorID)
}

// PurgeAck tells a container that checkpoints older than
// FloorWindowID are no longer needed for recovery.
type PurgeAck struct {
	FloorWindowID int64 `json:"floor_window_id"`
}

// ContainerHeartbeatResponse is the coordinator's reply to a
// heartbeat. A nil Instructions list means no change is required.
type ContainerHeartbeatResponse struct {
	Instructions []Instruction `json:"instructions,omitempty"`
	Purge        *PurgeAck     `json:"purge,omitempty"`
	// Shutdown is true if the coordinator has killed this
	// container and the process should exit.
	Shutdown bool `json:"shutdown,omitempty"`
}

// Resource describes a container process granted by the resource
// layer.
type Resource struct {
	// Priority of the allocation request this grant satisfies.
	Priority   int      `json:"priority"`
	ExternalID string   `json:"external_id"`
	Host       string   `json:"host"`
	Memory     ByteSize `json:"memory"`
	// host:port of the container's data transport endpoint, if
	// different from Host.
	BufferServerAddress string `json:"buffer_server_address,omitempty"`
}
