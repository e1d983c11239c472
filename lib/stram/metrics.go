// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"git.arvados.org/stram.git/lib/stram/plan"
	"github.com/prometheus/client_golang/prometheus"
)

func (co *Coordinator) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	co.mContainers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "containers",
		Help:      "Number of containers in each state.",
	}, []string{"state"})
	reg.MustRegister(co.mContainers)
	co.mOperators = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "operators",
		Help:      "Number of operators in each state.",
	}, []string{"state"})
	reg.MustRegister(co.mOperators)
	co.mPurgeFloor = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "checkpoint_purge_floor",
		Help:      "Oldest checkpoint window any operator could still need.",
	})
	reg.MustRegister(co.mPurgeFloor)
	co.mHeartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "heartbeats_total",
		Help:      "Number of heartbeats received, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(co.mHeartbeats)
	co.mStaleReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "stale_reports_total",
		Help:      "Number of operator reports ignored, by reason.",
	}, []string{"reason"})
	reg.MustRegister(co.mStaleReports)
	co.mInstructions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "instructions_total",
		Help:      "Number of deploy/undeploy instructions issued.",
	}, []string{"kind"})
	reg.MustRegister(co.mInstructions)
	co.mPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stram",
		Subsystem: "coordinator",
		Name:      "checkpoints_purged_total",
		Help:      "Number of checkpoints deleted from storage.",
	})
	reg.MustRegister(co.mPurged)
}

func (co *Coordinator) runMetrics() {
	ch := co.Subscribe()
	defer co.Unsubscribe(ch)
	for {
		select {
		case <-co.stop:
			return
		case <-ch:
			co.updateMetrics()
		}
	}
}

func (co *Coordinator) updateMetrics() {
	co.mtx.RLock()
	defer co.mtx.RUnlock()

	ctrs := map[plan.ContainerState]int{}
	ops := map[plan.OperatorState]int{}
	for _, ctr := range co.containers {
		ctr.Lock()
		ctrs[ctr.State()]++
		for _, op := range ctr.Operators() {
			ops[op.State()]++
		}
		ctr.Unlock()
	}
	for _, op := range co.operators {
		if op.ContainerID() == 0 {
			ops[plan.OperatorNew]++
		}
	}
	for _, s := range []plan.ContainerState{plan.ContainerNew, plan.ContainerAllocated, plan.ContainerActive, plan.ContainerKilled, plan.ContainerDisconnected} {
		co.mContainers.WithLabelValues(s.String()).Set(float64(ctrs[s]))
	}
	for _, s := range []plan.OperatorState{plan.OperatorNew, plan.OperatorPendingDeploy, plan.OperatorActive, plan.OperatorPendingUndeploy, plan.OperatorFailed} {
		co.mOperators.WithLabelValues(s.String()).Set(float64(ops[s]))
	}
	co.mPurgeFloor.Set(float64(co.tracker.ComputePurgeFloor()))
}
