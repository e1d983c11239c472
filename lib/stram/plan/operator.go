// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package plan

import (
	"time"

	"git.arvados.org/stram.git/lib/attribute"
	"git.arvados.org/stram.git/sdk/go/stram"
)

// ReportResult describes what happened when an operator report was
// applied.
type ReportResult int

const (
	ReportApplied     ReportResult = iota // state and windows updated
	ReportIgnored                         // operator is not deployed; report carries no information
	ReportStaleWindow                     // checkpoint window older than recorded; report ignored
	ReportFailed                          // container reported the operator failed
)

var reportResultString = map[ReportResult]string{
	ReportApplied:     "applied",
	ReportIgnored:     "ignored",
	ReportStaleWindow: "stale window",
	ReportFailed:      "failed",
}

func (r ReportResult) String() string {
	return reportResultString[r]
}

// Operator is one instance of a logical processing unit. Its
// identity and windows survive moves between containers.
//
// All fields are protected by the lock of the owning container.
type Operator struct {
	ID         int
	Attributes *attribute.Map

	state            OperatorState
	containerID      int // owner; 0 while unowned
	currentWindow    int64
	checkpointWindow int64
	failures         int
	// windows reported with the most recent failure
	failedAt [2]int64
	updated  time.Time
}

// NewOperator returns an operator in state NEW.
func NewOperator(id int, attrs *attribute.Map) *Operator {
	return &Operator{
		ID:         id,
		Attributes: attrs,
		state:      OperatorNew,
		updated:    time.Now(),
	}
}

// OperatorView is a snapshot of an operator, suitable for JSON.
type OperatorView struct {
	ID                 int               `json:"id"`
	ContainerID        int               `json:"container_id"`
	State              OperatorState     `json:"state"`
	CurrentWindowID    int64             `json:"current_window_id"`
	CheckpointWindowID int64             `json:"checkpoint_window_id"`
	Failures           int               `json:"failures"`
	Updated            time.Time         `json:"updated"`
	Attributes         map[string]string `json:"attributes,omitempty"`
}

// caller must have lock.
func (op *Operator) View() OperatorView {
	v := OperatorView{
		ID:                 op.ID,
		ContainerID:        op.containerID,
		State:              op.state,
		CurrentWindowID:    op.currentWindow,
		CheckpointWindowID: op.checkpointWindow,
		Failures:           op.failures,
		Updated:            op.updated,
	}
	if op.Attributes != nil {
		v.Attributes = op.Attributes.Strings()
	}
	return v
}

// caller must have lock.
func (op *Operator) State() OperatorState { return op.state }

// caller must have lock.
func (op *Operator) ContainerID() int { return op.containerID }

// caller must have lock.
func (op *Operator) CheckpointWindow() int64 { return op.checkpointWindow }

// caller must have lock.
func (op *Operator) CurrentWindow() int64 { return op.currentWindow }

// Transition moves the operator to the given state, or returns an
// error wrapping ErrInvalidStateTransition.
//
// caller must have lock.
func (op *Operator) Transition(to OperatorState) error {
	if !allowed(operatorTransitions, op.state, to) {
		return &transitionError{entity: "operator", id: op.ID, from: op.state, to: to}
	}
	if to == OperatorFailed {
		op.failures++
	}
	op.state = to
	op.updated = time.Now()
	return nil
}

// Reincarnate resets a released operator so it can be deployed again
// on another container. Windows are kept so the new deployment
// resumes from the last checkpoint.
//
// caller must have lock.
func (op *Operator) Reincarnate() {
	op.state = OperatorNew
	op.containerID = 0
	op.updated = time.Now()
}

// RepeatsFailure returns true if r reports the same failure that
// already sent the operator back to PENDING_DEPLOY.
func (op *Operator) RepeatsFailure(r stram.OperatorHeartbeat) bool {
	return r.DeployState == stram.DeployStateFailed &&
		op.state == OperatorPendingDeploy &&
		op.failures > 0 &&
		op.failedAt == [2]int64{r.CurrentWindowID, r.CheckpointWindowID}
}

// ApplyReport updates the operator from its container's report.
//
// Reports only matter for deployed operators. A report of failure
// moves the operator to FAILED. A report whose checkpoint window is
// older than the recorded one is stale (heartbeats may be retried or
// reordered) and is ignored. Otherwise a PENDING_DEPLOY operator
// becomes ACTIVE, and the windows advance, never regress, and the
// checkpoint window is kept at or below the current window.
//
// The second return value is true if the checkpoint window advanced.
//
// caller must have lock.
func (op *Operator) ApplyReport(r stram.OperatorHeartbeat) (ReportResult, bool) {
	if !op.state.Deployed() {
		return ReportIgnored, false
	}
	if r.DeployState == stram.DeployStateFailed {
		op.Transition(OperatorFailed)
		op.failedAt = [2]int64{r.CurrentWindowID, r.CheckpointWindowID}
		return ReportFailed, false
	}
	if r.CheckpointWindowID < op.checkpointWindow {
		return ReportStaleWindow, false
	}
	if !r.DeployState.Running() {
		return ReportIgnored, false
	}
	if op.state == OperatorPendingDeploy {
		op.Transition(OperatorActive)
	}
	if r.CurrentWindowID > op.currentWindow {
		op.currentWindow = r.CurrentWindowID
	}
	ckpt := r.CheckpointWindowID
	if ckpt > op.currentWindow {
		ckpt = op.currentWindow
	}
	advanced := ckpt > op.checkpointWindow
	if advanced {
		op.checkpointWindow = ckpt
	}
	op.updated = time.Now()
	return ReportApplied, advanced
}
