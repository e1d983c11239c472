// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"fmt"
	"time"

	"git.arvados.org/stram.git/lib/attribute"
	"git.arvados.org/stram.git/lib/stram/deploy"
	"git.arvados.org/stram.git/lib/stram/plan"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/sirupsen/logrus"
)

// ProcessHeartbeat applies a container's heartbeat and returns the
// instructions for it.
//
// Heartbeats may be retried and reordered by the transport, so
// processing is idempotent: replaying a heartbeat changes nothing and
// yields an empty response. Heartbeats for different containers are
// processed in parallel.
func (co *Coordinator) ProcessHeartbeat(hb stram.ContainerHeartbeat) (stram.ContainerHeartbeatResponse, error) {
	var resp stram.ContainerHeartbeatResponse

	co.mtx.RLock()
	ctr := co.byExtID[hb.ContainerID]
	co.mtx.RUnlock()
	if ctr == nil {
		co.mHeartbeats.WithLabelValues("unknown").Inc()
		co.logger.WithField("ExternalID", hb.ContainerID).Warn("heartbeat from unknown container")
		return resp, fmt.Errorf("%w %q", ErrUnknownContainer, hb.ContainerID)
	}
	logger := co.logger.WithFields(logrus.Fields{
		"ContainerID": ctr.ID,
		"ExternalID":  hb.ContainerID,
	})

	desired := co.plan.DesiredOperatorsFor(ctr.ID)
	co.syncContainer(ctr, desired)

	now := time.Now()
	ctr.Lock()
	switch ctr.State() {
	case plan.ContainerKilled:
		if ctr.TakeShutdown() {
			logger.Info("telling killed container to shut down")
		}
		ctr.Unlock()
		co.mHeartbeats.WithLabelValues("shutdown").Inc()
		resp.Shutdown = true
		return resp, nil
	case plan.ContainerDisconnected:
		ctr.Unlock()
		co.mHeartbeats.WithLabelValues("unknown").Inc()
		return resp, fmt.Errorf("%w %q", ErrUnknownContainer, hb.ContainerID)
	}
	activated := ctr.State() == plan.ContainerAllocated
	if err := ctr.Heartbeat(now); err != nil {
		ctr.Unlock()
		return resp, err
	}
	if activated {
		logger.Info("container active")
	}
	if hb.Stats != nil && !ctr.TakeSequence(hb.Stats.Sequence) {
		ctr.Unlock()
		co.recordStale(StaleReport{
			Time:        now,
			ContainerID: ctr.ID,
			Reason:      "duplicate heartbeat",
		})
		co.mHeartbeats.WithLabelValues("duplicate").Inc()
		return resp, nil
	}

	// unnumbered heartbeats can be replays; numbered ones were
	// deduplicated above
	unnumbered := hb.Stats == nil || hb.Stats.Sequence == 0
	reported := make(map[int]bool, len(hb.Operators))
	var checkpointed []*plan.Operator
	for _, rpt := range hb.Operators {
		reported[rpt.OperatorID] = true
		op := ctr.Operator(rpt.OperatorID)
		if op == nil {
			co.recordStale(StaleReport{
				Time:             now,
				ContainerID:      ctr.ID,
				OperatorID:       rpt.OperatorID,
				Reason:           "not owned by container",
				ReportedWindowID: rpt.CheckpointWindowID,
			})
			continue
		}
		if unnumbered && op.RepeatsFailure(rpt) {
			co.recordStale(StaleReport{
				Time:               now,
				ContainerID:        ctr.ID,
				OperatorID:         op.ID,
				Reason:             "repeated failure",
				ReportedWindowID:   rpt.CheckpointWindowID,
				CheckpointWindowID: op.CheckpointWindow(),
			})
			continue
		}
		result, advanced := op.ApplyReport(rpt)
		switch result {
		case plan.ReportStaleWindow:
			co.recordStale(StaleReport{
				Time:               now,
				ContainerID:        ctr.ID,
				OperatorID:         op.ID,
				Reason:             "stale window",
				ReportedWindowID:   rpt.CheckpointWindowID,
				CheckpointWindowID: op.CheckpointWindow(),
			})
		case plan.ReportFailed:
			logger.WithField("OperatorID", op.ID).Warn("operator failed")
		case plan.ReportApplied:
			if advanced && !attribute.Get(op.Attributes, co.keys.Stateless) {
				checkpointed = append(checkpointed, op)
			}
		}
	}
	released := ctr.ConfirmUndeploys(reported)

	var wanted []int
	for _, id := range desired {
		op := ctr.Operator(id)
		if op == nil || op.State() == plan.OperatorPendingUndeploy {
			// not ours yet, or still being undeployed here
			continue
		}
		wanted = append(wanted, id)
	}
	released = append(released, co.dropUnassigned(ctr, desired)...)

	resp.Instructions = deploy.Diff(wanted, ctr.Deployed())
	for i, inst := range resp.Instructions {
		op := ctr.Operator(inst.OperatorID)
		var err error
		switch inst.Kind {
		case stram.InstructionUndeploy:
			err = op.Transition(plan.OperatorPendingUndeploy)
		case stram.InstructionDeploy:
			err = op.Transition(plan.OperatorPendingDeploy)
			resp.Instructions[i].RecoveryWindowID = op.CheckpointWindow()
			resp.Instructions[i].Attributes = op.Attributes.Strings()
		}
		if err != nil {
			logger.WithError(err).Error("BUG: diff produced an instruction the operator state does not allow")
		}
		co.mInstructions.WithLabelValues(string(inst.Kind)).Inc()
	}
	if len(resp.Instructions) > 0 {
		logger.WithField("Instructions", resp.Instructions).Info("issuing instructions")
	}

	for _, op := range checkpointed {
		co.tracker.RecordCheckpoint(op.ID, op.CheckpointWindow())
	}
	floor := co.tracker.ComputePurgeFloor()
	if ctr.TakePurgeFloor(floor) {
		resp.Purge = &stram.PurgeAck{FloorWindowID: floor}
	}
	ctr.Unlock()

	co.releaseOperators(ctr.ID, released)
	if floor > 0 {
		co.requestPurge(floor)
	}
	co.mHeartbeats.WithLabelValues("ok").Inc()
	co.notify()
	return resp, nil
}

// dropUnassigned removes operators the container owns but has never
// deployed (or that have failed) if the plan no longer places them
// anywhere. Operators the plan moved elsewhere are left for the new
// container to adopt.
//
// caller must have lock.
func (co *Coordinator) dropUnassigned(ctr *plan.Container, desired []int) []*plan.Operator {
	want := make(map[int]bool, len(desired))
	for _, id := range desired {
		want[id] = true
	}
	var dropped []*plan.Operator
	for _, op := range ctr.Operators() {
		if want[op.ID] {
			continue
		}
		if s := op.State(); s != plan.OperatorNew && s != plan.OperatorFailed {
			continue
		}
		if _, ok := co.plan.ContainerFor(op.ID); ok {
			continue
		}
		if err := op.Transition(plan.OperatorRemoved); err != nil {
			continue
		}
		ctr.Release(op)
		dropped = append(dropped, op)
	}
	return dropped
}
