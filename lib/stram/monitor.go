// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"fmt"
	"time"

	"git.arvados.org/stram.git/lib/stram/plan"
	"github.com/sirupsen/logrus"
)

func (co *Coordinator) runMonitor() {
	if co.heartbeatInterval <= 0 || co.missedLimit <= 0 {
		co.logger.Warn("Heartbeat.Interval or Heartbeat.MissedLimit not configured, liveness checks disabled")
		<-co.stop
		return
	}
	ticker := time.NewTicker(co.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-co.stop:
			return
		case now := <-ticker.C:
			co.checkLiveness(now)
		}
	}
}

// silenceLimit is how long an ACTIVE container may go without a
// heartbeat before it is considered disconnected.
func (co *Coordinator) silenceLimit() time.Duration {
	return co.heartbeatInterval * time.Duration(co.missedLimit)
}

// checkLiveness disconnects ACTIVE containers that have missed too
// many heartbeats, warns about overdue allocation requests, and
// forgets terminated containers that no longer own anything.
func (co *Coordinator) checkLiveness(now time.Time) {
	limit := co.silenceLimit()
	co.mtx.RLock()
	ctrs := make([]*plan.Container, 0, len(co.containers))
	for _, ctr := range co.containers {
		ctrs = append(ctrs, ctr)
	}
	co.mtx.RUnlock()

	for _, ctr := range ctrs {
		ctr.Lock()
		state := ctr.State()
		switch {
		case state == plan.ContainerActive && limit > 0 && now.Sub(ctr.LastHeartbeat()) > limit:
			silent := now.Sub(ctr.LastHeartbeat())
			released, err := ctr.Disconnect()
			ctr.Unlock()
			if err != nil {
				co.logger.WithError(err).WithField("ContainerID", ctr.ID).Error("BUG: could not disconnect silent container")
				continue
			}
			co.afterTermination(ctr, released, fmt.Sprintf("no heartbeat for %s", silent.Truncate(time.Millisecond)))
		case state == plan.ContainerNew && co.allocationTimeout > 0 && now.Sub(ctr.Requested()) > co.allocationTimeout:
			requested := ctr.Requested()
			ctr.Unlock()
			co.mtx.Lock()
			warned := co.overdue[ctr.ID]
			co.overdue[ctr.ID] = true
			co.mtx.Unlock()
			if !warned {
				co.logger.WithFields(logrus.Fields{
					"ContainerID": ctr.ID,
					"Requested":   requested,
				}).Warn("allocation request overdue")
			}
		default:
			ctr.Unlock()
		}
	}
	co.reap(now)
}

// reap forgets terminated containers that own no operators and will
// not hear from us again.
func (co *Coordinator) reap(now time.Time) {
	limit := co.silenceLimit()
	co.mtx.Lock()
	defer co.mtx.Unlock()
	for id, ctr := range co.containers {
		ctr.Lock()
		done := ctr.State().Terminal() && len(ctr.Operators()) == 0
		if done && ctr.State() == plan.ContainerKilled && ctr.ExternalID() != "" && !ctr.ShutdownSent() {
			// Give a killed container a chance to hear
			// the shutdown request.
			last := ctr.LastHeartbeat()
			if last.IsZero() {
				last = ctr.Allocated()
			}
			done = limit > 0 && now.Sub(last) > limit
		}
		extID := ctr.ExternalID()
		ctr.Unlock()
		if !done {
			continue
		}
		delete(co.containers, id)
		delete(co.overdue, id)
		if co.byExtID[extID] == ctr {
			delete(co.byExtID, extID)
		}
		co.logger.WithField("ContainerID", id).Debug("forgot terminated container")
	}
}
