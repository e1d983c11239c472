// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package stram implements the coordinator that tracks container
// processes and the operators deployed on them, driven by the
// containers' heartbeats.
package stram

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/stram.git/lib/attribute"
	"git.arvados.org/stram.git/lib/stram/checkpoint"
	"git.arvados.org/stram.git/lib/stram/plan"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Coordinator tracks the lifecycle of containers and operators.
//
// Locking: the registry lock (mtx) protects the maps below and the
// fields of operators that have no owner; it is never held while
// waiting for anything but other locks. Everything else about a
// container, including the state of the operators it owns, is
// protected by that container's own lock. Locks are acquired in the
// order registry, containers (ascending ID), tracker.
type Coordinator struct {
	logger   logrus.FieldLogger
	plan     plan.Assignment
	tracker  *checkpoint.Tracker
	purger   checkpoint.Purger
	keys     OperatorKeys
	defaults *attribute.Map
	stale    *staleReports

	heartbeatInterval time.Duration
	missedLimit       int
	allocationTimeout time.Duration
	defaultMemory     stram.ByteSize

	mtx        sync.RWMutex
	nextID     int
	containers map[int]*plan.Container
	byExtID    map[string]*plan.Container
	pending    map[int]*plan.Container // by priority
	operators  map[int]*plan.Operator
	overdue    map[int]bool

	subMtx      sync.Mutex
	subscribers map[<-chan struct{}]chan<- struct{}

	purgeMtx       sync.Mutex
	purgeRequested int64
	purgeErr       error
	purgeCh        chan int64

	runOnce sync.Once
	stop    chan struct{}
	stopped sync.WaitGroup

	mContainers   *prometheus.GaugeVec
	mOperators    *prometheus.GaugeVec
	mPurgeFloor   prometheus.Gauge
	mHeartbeats   *prometheus.CounterVec
	mStaleReports *prometheus.CounterVec
	mInstructions *prometheus.CounterVec
	mPurged       prometheus.Counter
}

// NewCoordinator returns a Coordinator that places operators
// according to assignment. Call Start to begin liveness checks and
// checkpoint purging.
func NewCoordinator(logger logrus.FieldLogger, reg *prometheus.Registry, cluster *stram.Cluster, assignment plan.Assignment, purger checkpoint.Purger) (*Coordinator, error) {
	attrs, keys := NewOperatorKeys()
	defaults := attribute.NewMap(attrs)
	if err := defaults.SetStrings(cluster.OperatorAttributes); err != nil {
		return nil, fmt.Errorf("OperatorAttributes: %w", err)
	}
	co := &Coordinator{
		logger:            logger,
		plan:              assignment,
		tracker:           checkpoint.NewTracker(),
		purger:            purger,
		keys:              keys,
		defaults:          defaults,
		stale:             newStaleReports(cluster.Heartbeat.StaleReportHistory),
		heartbeatInterval: cluster.Heartbeat.Interval.Duration(),
		missedLimit:       cluster.Heartbeat.MissedLimit,
		allocationTimeout: cluster.Containers.AllocationTimeout.Duration(),
		defaultMemory:     cluster.Containers.DefaultMemory,
		containers:        map[int]*plan.Container{},
		byExtID:           map[string]*plan.Container{},
		pending:           map[int]*plan.Container{},
		operators:         map[int]*plan.Operator{},
		overdue:           map[int]bool{},
		purgeCh:           make(chan int64, 1),
		stop:              make(chan struct{}),
	}
	if co.defaultMemory <= 0 {
		co.defaultMemory = stram.ByteSize(attribute.Get(defaults, keys.MemoryMB)) << 20
	}
	co.registerMetrics(reg)
	return co, nil
}

// Start launches the liveness monitor, the checkpoint purger, and
// metrics updates. Start can be called multiple times with no ill
// effect.
func (co *Coordinator) Start() {
	co.runOnce.Do(func() {
		co.stopped.Add(3)
		go func() { defer co.stopped.Done(); co.runMonitor() }()
		go func() { defer co.stopped.Done(); co.runPurger() }()
		go func() { defer co.stopped.Done(); co.runMetrics() }()
	})
}

// Stop shuts down background goroutines started by Start.
func (co *Coordinator) Stop() {
	co.Start()
	select {
	case <-co.stop:
	default:
		close(co.stop)
	}
	co.stopped.Wait()
}

// CheckHealth returns the error from the most recent checkpoint
// purge attempt, if it failed.
func (co *Coordinator) CheckHealth() error {
	co.purgeMtx.Lock()
	defer co.purgeMtx.Unlock()
	if co.purgeErr != nil {
		return fmt.Errorf("checkpoint purge failed: %w", co.purgeErr)
	}
	return nil
}

// Subscribe returns a buffered channel that becomes ready after any
// change to container or operator state.
func (co *Coordinator) Subscribe() <-chan struct{} {
	co.subMtx.Lock()
	defer co.subMtx.Unlock()
	ch := make(chan struct{}, 1)
	if co.subscribers == nil {
		co.subscribers = map[<-chan struct{}]chan<- struct{}{}
	}
	co.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (co *Coordinator) Unsubscribe(ch <-chan struct{}) {
	co.subMtx.Lock()
	defer co.subMtx.Unlock()
	delete(co.subscribers, ch)
}

func (co *Coordinator) notify() {
	co.subMtx.Lock()
	defer co.subMtx.Unlock()
	for _, send := range co.subscribers {
		select {
		case send <- struct{}{}:
		default:
		}
	}
}

// RequestContainer creates a NEW container and records it as a
// pending allocation request. Its priority (equal to its ID) is what
// the resource layer echoes back when the request is granted. If
// memory is zero, Containers.DefaultMemory is requested.
func (co *Coordinator) RequestContainer(memory stram.ByteSize) plan.ContainerView {
	if memory <= 0 {
		memory = co.defaultMemory
	}
	co.mtx.Lock()
	co.nextID++
	ctr := plan.NewContainer(co.nextID, memory)
	co.containers[ctr.ID] = ctr
	co.pending[ctr.Priority] = ctr
	co.mtx.Unlock()

	ctr.Lock()
	view := ctr.View()
	ctr.Unlock()
	co.logger.WithFields(logrus.Fields{
		"ContainerID": ctr.ID,
		"Memory":      memory,
	}).Info("requested container")
	co.notify()
	return view
}

// ContainerBecameAvailable records a resource granted by the resource
// layer. The resource's priority must match a pending allocation
// request.
func (co *Coordinator) ContainerBecameAvailable(res stram.Resource) (plan.ContainerView, error) {
	logger := co.logger.WithFields(logrus.Fields{
		"Priority":   res.Priority,
		"ExternalID": res.ExternalID,
		"Host":       res.Host,
	})
	co.mtx.Lock()
	defer co.mtx.Unlock()
	ctr, ok := co.pending[res.Priority]
	if !ok {
		logger.Warn("rejected resource with no matching request")
		return plan.ContainerView{}, fmt.Errorf("no pending request with priority %d: %w", res.Priority, ErrUnexpectedResource)
	}
	if res.ExternalID == "" {
		logger.Warn("rejected resource with no external id")
		return plan.ContainerView{}, fmt.Errorf("priority %d: empty external id: %w", res.Priority, ErrUnexpectedResource)
	}
	if _, dup := co.byExtID[res.ExternalID]; dup {
		logger.Warn("rejected resource with duplicate external id")
		return plan.ContainerView{}, fmt.Errorf("external id %q already in use: %w", res.ExternalID, ErrUnexpectedResource)
	}
	ctr.Lock()
	err := ctr.Allocate(res, time.Now())
	view := ctr.View()
	ctr.Unlock()
	if err != nil {
		return plan.ContainerView{}, err
	}
	delete(co.pending, res.Priority)
	delete(co.overdue, ctr.ID)
	co.byExtID[res.ExternalID] = ctr
	logger.WithField("ContainerID", ctr.ID).Info("container allocated")
	co.notify()
	return view, nil
}

// ContainerLost records that the resource layer lost a container's
// process. The container becomes DISCONNECTED and its operators
// become eligible for redeployment elsewhere.
func (co *Coordinator) ContainerLost(id int) error {
	ctr := co.container(id)
	if ctr == nil {
		return fmt.Errorf("container %d: %w", id, ErrUnknownContainer)
	}
	ctr.Lock()
	released, err := ctr.Disconnect()
	ctr.Unlock()
	if err != nil {
		return err
	}
	co.afterTermination(ctr, released, "lost by resource layer")
	return nil
}

// KillContainer shuts down a container deliberately. Its next
// heartbeat is answered with a shutdown request, and its operators
// become eligible for redeployment elsewhere.
func (co *Coordinator) KillContainer(id int, reason string) error {
	ctr := co.container(id)
	if ctr == nil {
		return fmt.Errorf("container %d: %w", id, ErrUnknownContainer)
	}
	ctr.Lock()
	released, err := ctr.Kill()
	ctr.Unlock()
	if err != nil {
		return err
	}
	co.mtx.Lock()
	if co.pending[ctr.Priority] == ctr {
		delete(co.pending, ctr.Priority)
	}
	co.mtx.Unlock()
	co.afterTermination(ctr, released, reason)
	return nil
}

// afterTermination finishes a transition to KILLED or DISCONNECTED.
// A disconnected container's external ID is forgotten immediately, so
// a process that outlives its allocation gets ErrUnknownContainer.
func (co *Coordinator) afterTermination(ctr *plan.Container, released []*plan.Operator, reason string) {
	ctr.Lock()
	view := ctr.View()
	ctr.Unlock()
	if view.State == plan.ContainerDisconnected && view.ExternalID != "" {
		co.mtx.Lock()
		if co.byExtID[view.ExternalID] == ctr {
			delete(co.byExtID, view.ExternalID)
		}
		co.mtx.Unlock()
	}
	co.releaseOperators(ctr.ID, released)
	co.logger.WithFields(logrus.Fields{
		"ContainerID": ctr.ID,
		"ExternalID":  view.ExternalID,
		"State":       view.State,
		"Reason":      reason,
	}).Info("container terminated")
	co.notify()
}

// ContainerState returns the state of the given container.
func (co *Coordinator) ContainerState(id int) (plan.ContainerState, error) {
	ctr := co.container(id)
	if ctr == nil {
		return 0, fmt.Errorf("container %d: %w", id, ErrUnknownContainer)
	}
	ctr.Lock()
	defer ctr.Unlock()
	return ctr.State(), nil
}

// Container returns a snapshot of the given container.
func (co *Coordinator) Container(id int) (plan.ContainerView, error) {
	ctr := co.container(id)
	if ctr == nil {
		return plan.ContainerView{}, fmt.Errorf("container %d: %w", id, ErrUnknownContainer)
	}
	ctr.Lock()
	defer ctr.Unlock()
	return ctr.View(), nil
}

// Containers returns snapshots of all known containers, sorted by ID.
func (co *Coordinator) Containers() []plan.ContainerView {
	co.mtx.RLock()
	defer co.mtx.RUnlock()
	views := make([]plan.ContainerView, 0, len(co.containers))
	for _, ctr := range co.containers {
		ctr.Lock()
		views = append(views, ctr.View())
		ctr.Unlock()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// OperatorState returns the state of the given operator.
func (co *Coordinator) OperatorState(id int) (plan.OperatorState, error) {
	view, err := co.Operator(id)
	return view.State, err
}

// Operator returns a snapshot of the given operator.
func (co *Coordinator) Operator(id int) (plan.OperatorView, error) {
	co.mtx.RLock()
	defer co.mtx.RUnlock()
	op, ok := co.operators[id]
	if !ok {
		return plan.OperatorView{}, fmt.Errorf("operator %d: %w", id, ErrUnknownOperator)
	}
	if owner := co.containers[op.ContainerID()]; owner != nil {
		owner.Lock()
		defer owner.Unlock()
	}
	return op.View(), nil
}

// CheckpointFloor returns the current checkpoint purge floor.
func (co *Coordinator) CheckpointFloor() int64 {
	return co.tracker.ComputePurgeFloor()
}

// StaleReports returns recently ignored operator reports, oldest
// first.
func (co *Coordinator) StaleReports() []StaleReport {
	return co.stale.Reports()
}

func (co *Coordinator) container(id int) *plan.Container {
	co.mtx.RLock()
	defer co.mtx.RUnlock()
	return co.containers[id]
}

// SyncPlan moves operators onto every live container that the
// assignment wants them on, where they are free to move. Heartbeats
// do the same for their own container, so calling SyncPlan is only
// needed to make a plan change visible before the next heartbeat.
func (co *Coordinator) SyncPlan() {
	co.mtx.RLock()
	var live []*plan.Container
	for _, ctr := range co.containers {
		ctr.Lock()
		if !ctr.State().Terminal() {
			live = append(live, ctr)
		}
		ctr.Unlock()
	}
	co.mtx.RUnlock()
	for _, ctr := range live {
		co.syncContainer(ctr, co.plan.DesiredOperatorsFor(ctr.ID))
	}
	co.notify()
}

// syncContainer adopts any desired operators the container does not
// own yet.
func (co *Coordinator) syncContainer(ctr *plan.Container, desired []int) {
	var missing []int
	ctr.Lock()
	for _, id := range desired {
		if ctr.Operator(id) == nil {
			missing = append(missing, id)
		}
	}
	ctr.Unlock()
	if len(missing) > 0 {
		co.adopt(ctr, missing)
	}
}

// adopt gives ctr ownership of the given operators, creating them if
// needed. An operator owned by another container is taken over only
// if it is not running there: it is unowned, NEW, FAILED, released,
// or its owner is gone. Operators still deployed elsewhere are left
// alone until their owner confirms the undeploy.
func (co *Coordinator) adopt(ctr *plan.Container, ids []int) {
	co.mtx.Lock()
	defer co.mtx.Unlock()
	ctr.Lock()
	terminal := ctr.State().Terminal()
	ctr.Unlock()
	if terminal {
		return
	}
	for _, id := range ids {
		op, ok := co.operators[id]
		if !ok {
			op = plan.NewOperator(id, co.operatorAttributes(id))
			co.operators[id] = op
			if !attribute.Get(op.Attributes, co.keys.Stateless) {
				co.tracker.Track(id)
			}
			ctr.Lock()
			ctr.Adopt(op)
			ctr.Unlock()
			co.logger.WithFields(logrus.Fields{
				"ContainerID": ctr.ID,
				"OperatorID":  id,
			}).Info("operator created")
			continue
		}
		prevID := op.ContainerID()
		if prevID == ctr.ID {
			continue
		}
		prev := co.containers[prevID]
		if prev == nil {
			if op.State() == plan.OperatorRemoved {
				op.Reincarnate()
			}
			ctr.Lock()
			ctr.Adopt(op)
			ctr.Unlock()
			continue
		}
		first, second := prev, ctr
		if ctr.ID < prev.ID {
			first, second = ctr, prev
		}
		first.Lock()
		second.Lock()
		movable := prev.State().Terminal()
		switch op.State() {
		case plan.OperatorNew, plan.OperatorFailed:
			movable = true
		case plan.OperatorRemoved:
			op.Reincarnate()
			movable = true
		}
		if movable {
			prev.Release(op)
			ctr.Adopt(op)
			co.logger.WithFields(logrus.Fields{
				"ContainerID":         ctr.ID,
				"PreviousContainerID": prevID,
				"OperatorID":          id,
				"State":               op.State(),
			}).Info("operator moved")
		}
		second.Unlock()
		first.Unlock()
	}
}

// operatorAttributes returns the configured defaults plus any
// overrides the assignment carries for the operator.
//
// caller must have lock.
func (co *Coordinator) operatorAttributes(id int) *attribute.Map {
	attrs := co.defaults.Clone()
	if src, ok := co.plan.(attributeSource); ok {
		if err := attrs.SetStrings(src.OperatorAttributes(id)); err != nil {
			co.logger.WithError(err).WithField("OperatorID", id).Warn("ignoring invalid operator attributes")
		}
	}
	return attrs
}

// releaseOperators handles operators whose undeploy was confirmed (or
// whose container went away mid-undeploy). An operator the plan still
// places somewhere is kept, unowned, to be adopted by its new
// container; otherwise it is forgotten.
func (co *Coordinator) releaseOperators(formerOwner int, released []*plan.Operator) {
	if len(released) == 0 {
		return
	}
	co.mtx.Lock()
	defer co.mtx.Unlock()
	for _, op := range released {
		if op.ContainerID() != formerOwner || op.State() != plan.OperatorRemoved {
			// already adopted elsewhere
			continue
		}
		logger := co.logger.WithFields(logrus.Fields{
			"ContainerID": formerOwner,
			"OperatorID":  op.ID,
		})
		if _, ok := co.plan.ContainerFor(op.ID); ok {
			op.Reincarnate()
			logger.Info("operator undeployed, awaiting redeploy")
			continue
		}
		delete(co.operators, op.ID)
		co.tracker.Forget(op.ID)
		logger.Info("operator removed")
	}
}

func (co *Coordinator) recordStale(rpt StaleReport) {
	co.stale.Add(rpt)
	co.mStaleReports.WithLabelValues(rpt.Reason).Inc()
	co.logger.WithFields(logrus.Fields{
		"ContainerID":        rpt.ContainerID,
		"OperatorID":         rpt.OperatorID,
		"Reason":             rpt.Reason,
		"ReportedWindowID":   rpt.ReportedWindowID,
		"CheckpointWindowID": rpt.CheckpointWindowID,
	}).Debug("ignored stale operator report")
}

// requestPurge asks the purger goroutine to purge up to floor. Only
// the most recent request matters.
func (co *Coordinator) requestPurge(floor int64) {
	co.purgeMtx.Lock()
	defer co.purgeMtx.Unlock()
	if floor <= co.purgeRequested {
		return
	}
	co.purgeRequested = floor
	select {
	case <-co.purgeCh:
	default:
	}
	co.purgeCh <- floor
}

func (co *Coordinator) runPurger() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-co.stop
		cancel()
	}()
	for {
		select {
		case <-co.stop:
			return
		case floor := <-co.purgeCh:
			n, err := co.purger.Purge(ctx, floor)
			co.mPurged.Add(float64(n))
			co.purgeMtx.Lock()
			co.purgeErr = err
			co.purgeMtx.Unlock()
			if err != nil {
				co.logger.WithError(err).WithField("FloorWindowID", floor).Warn("checkpoint purge failed")
				// retry on the next heartbeat
				co.purgeMtx.Lock()
				if co.purgeRequested == floor {
					co.purgeRequested = floor - 1
				}
				co.purgeMtx.Unlock()
				continue
			}
			co.tracker.Discard()
		}
	}
}
