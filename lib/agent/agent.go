// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package agent implements the container side of the heartbeat
// protocol: it reports the operators deployed in a container process,
// applies the coordinator's deploy and undeploy instructions, and
// simulates window progress and checkpointing.
package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"git.arvados.org/stram.git/lib/attribute"
	lstram "git.arvados.org/stram.git/lib/stram"
	"git.arvados.org/stram.git/lib/stram/checkpoint"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/sirupsen/logrus"
)

// A Store persists operator checkpoints.
type Store interface {
	Save(ctx context.Context, operatorID int, windowID int64, data []byte) error
	Load(ctx context.Context, operatorID int, windowID int64) ([]byte, error)
}

type operator struct {
	id         int
	attrs      *attribute.Map
	state      stram.DeployState
	current    int64
	checkpoint int64
}

// Agent sends heartbeats on behalf of one container process.
type Agent struct {
	Client      *stram.Client
	ContainerID string
	Interval    time.Duration
	Memory      stram.ByteSize
	// Store, if not nil, receives a checkpoint whenever an
	// operator reaches a checkpoint window.
	Store  Store
	Logger logrus.FieldLogger

	setupOnce sync.Once
	keys      lstram.OperatorKeys
	registry  *attribute.Registry
	mtx       sync.Mutex
	operators map[int]*operator
	sequence  uint64
	floor     int64
}

func (a *Agent) setup() {
	a.registry, a.keys = lstram.NewOperatorKeys()
	a.operators = map[int]*operator{}
	if a.Logger == nil {
		a.Logger = logrus.New()
	}
	a.Logger = a.Logger.WithField("ContainerID", a.ContainerID)
}

// Run sends a heartbeat every Interval until the coordinator says to
// shut down or ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if a.Interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		shutdown, err := a.Beat(ctx)
		if err != nil {
			a.Logger.WithError(err).Warn("heartbeat failed")
		} else if shutdown {
			a.Logger.Info("coordinator requested shutdown")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Beat advances every deployed operator by one round of windows,
// sends one heartbeat, and applies the response. It returns true if
// the container should exit.
func (a *Agent) Beat(ctx context.Context) (shutdown bool, err error) {
	a.setupOnce.Do(a.setup)
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.advance(ctx)
	resp, err := a.Client.Heartbeat(ctx, a.heartbeat())
	if err != nil {
		return false, err
	}
	a.apply(ctx, resp)
	return resp.Shutdown, nil
}

// Fail marks a deployed operator as failed. The next heartbeat
// reports it, and the operator stops advancing.
func (a *Agent) Fail(operatorID int) bool {
	a.setupOnce.Do(a.setup)
	a.mtx.Lock()
	defer a.mtx.Unlock()
	op, ok := a.operators[operatorID]
	if ok {
		op.state = stram.DeployStateFailed
	}
	return ok
}

// Deployed returns the ids of the operators currently deployed, in
// ascending order.
func (a *Agent) Deployed() []int {
	a.setupOnce.Do(a.setup)
	a.mtx.Lock()
	defer a.mtx.Unlock()
	ids := make([]int, 0, len(a.operators))
	for id := range a.operators {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Floor returns the most recent recovery floor received from the
// coordinator.
func (a *Agent) Floor() int64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.floor
}

func (a *Agent) advance(ctx context.Context) {
	for _, op := range a.operators {
		if op.state != stram.DeployStateActive {
			continue
		}
		op.current += int64(attribute.Get(op.attrs, a.keys.ApplicationWindowCount))
		if attribute.Get(op.attrs, a.keys.Stateless) {
			continue
		}
		every := int64(attribute.Get(op.attrs, a.keys.CheckpointWindowCount))
		if every <= 0 || op.current-op.checkpoint < every {
			continue
		}
		window := op.current - op.current%every
		if a.Store != nil {
			if err := a.Store.Save(ctx, op.id, window, encodeState(op.id, window)); err != nil {
				a.Logger.WithError(err).WithField("OperatorID", op.id).Warn("checkpoint failed")
				continue
			}
		}
		op.checkpoint = window
	}
}

func (a *Agent) heartbeat() stram.ContainerHeartbeat {
	a.sequence++
	hb := stram.ContainerHeartbeat{
		ContainerID: a.ContainerID,
		Stats: &stram.ContainerStats{
			MemoryUsed: a.Memory,
			Sequence:   a.sequence,
		},
	}
	for _, op := range a.operators {
		hb.Operators = append(hb.Operators, stram.OperatorHeartbeat{
			OperatorID:         op.id,
			DeployState:        op.state,
			CurrentWindowID:    op.current,
			CheckpointWindowID: op.checkpoint,
		})
	}
	sort.Slice(hb.Operators, func(i, j int) bool {
		return hb.Operators[i].OperatorID < hb.Operators[j].OperatorID
	})
	return hb
}

func (a *Agent) apply(ctx context.Context, resp stram.ContainerHeartbeatResponse) {
	if resp.Purge != nil && resp.Purge.FloorWindowID > a.floor {
		a.floor = resp.Purge.FloorWindowID
	}
	for _, inst := range resp.Instructions {
		logger := a.Logger.WithField("OperatorID", inst.OperatorID)
		switch inst.Kind {
		case stram.InstructionUndeploy:
			if _, ok := a.operators[inst.OperatorID]; ok {
				delete(a.operators, inst.OperatorID)
				logger.Info("undeployed operator")
			}
		case stram.InstructionDeploy:
			attrs := attribute.NewMap(a.registry)
			if err := attrs.SetStrings(inst.Attributes); err != nil {
				logger.WithError(err).Warn("ignoring invalid operator attributes")
			}
			op := &operator{
				id:         inst.OperatorID,
				attrs:      attrs,
				state:      stram.DeployStateActive,
				current:    inst.RecoveryWindowID,
				checkpoint: inst.RecoveryWindowID,
			}
			if inst.RecoveryWindowID > 0 && a.Store != nil {
				if _, err := a.Store.Load(ctx, inst.OperatorID, inst.RecoveryWindowID); errors.Is(err, checkpoint.ErrNotFound) {
					// state is lost, but window numbering resumes
					// where the coordinator expects it
					logger.WithField("RecoveryWindowID", inst.RecoveryWindowID).Warn("checkpoint not found, resuming with empty state")
				} else if err != nil {
					logger.WithError(err).Warn("cannot load checkpoint")
					op.state = stram.DeployStateFailed
				}
			}
			a.operators[inst.OperatorID] = op
			logger.WithFields(logrus.Fields{
				"RecoveryWindowID": inst.RecoveryWindowID,
				"Attributes":       attrs.String(),
			}).Info("deployed operator")
		}
	}
}

// encodeState returns the simulated operator state saved at a
// checkpoint.
func encodeState(operatorID int, windowID int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, uint64(operatorID))
	binary.BigEndian.PutUint64(buf[8:], uint64(windowID))
	return buf
}
