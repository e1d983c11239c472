// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	lstram "git.arvados.org/stram.git/lib/stram"
	"git.arvados.org/stram.git/lib/stram/checkpoint"
	"git.arvados.org/stram.git/lib/stram/plan"
	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&AgentSuite{})

type memStore struct {
	mtx  sync.Mutex
	data map[string][]byte
}

func (ms *memStore) Save(ctx context.Context, operatorID int, windowID int64, data []byte) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if ms.data == nil {
		ms.data = map[string][]byte{}
	}
	ms.data[fmt.Sprintf("%d/%d", operatorID, windowID)] = data
	return nil
}

func (ms *memStore) Load(ctx context.Context, operatorID int, windowID int64) ([]byte, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	data, ok := ms.data[fmt.Sprintf("%d/%d", operatorID, windowID)]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return data, nil
}

type AgentSuite struct {
	ctx        context.Context
	coord      *lstram.Coordinator
	assignment *plan.StaticAssignment
	server     *httptest.Server
	store      *memStore
	agent      *Agent
}

func (s *AgentSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx = context.Background()
	cluster := &stram.Cluster{}
	cluster.Heartbeat.Interval = stram.Duration(1e9)
	cluster.Heartbeat.MissedLimit = 3
	cluster.OperatorAttributes = map[string]string{"CHECKPOINT_WINDOW_COUNT": "2"}

	var err error
	s.assignment, err = plan.NewStaticAssignment(map[int][]int{1: {1, 2}})
	c.Assert(err, check.IsNil)
	purger, err := checkpoint.NewPurger(s.ctx, cluster, logger)
	c.Assert(err, check.IsNil)
	s.coord, err = lstram.NewCoordinator(logger, prometheus.NewRegistry(), cluster, s.assignment, purger)
	c.Assert(err, check.IsNil)

	ctr := s.coord.RequestContainer(0)
	_, err = s.coord.ContainerBecameAvailable(stram.Resource{Priority: ctr.ID, ExternalID: "ctr1", Host: "localhost"})
	c.Assert(err, check.IsNil)

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var hb stram.ContainerHeartbeat
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := s.coord.ProcessHeartbeat(hb)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string][]string{"errors": {err.Error()}})
			return
		}
		json.NewEncoder(w).Encode(resp)
	}))
	s.store = &memStore{}
	s.agent = &Agent{
		Client:      &stram.Client{APIHost: s.server.URL, Retries: -1},
		ContainerID: "ctr1",
		Interval:    1e9,
		Memory:      1 << 30,
		Store:       s.store,
		Logger:      logger,
	}
}

func (s *AgentSuite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *AgentSuite) beat(c *check.C) {
	shutdown, err := s.agent.Beat(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(shutdown, check.Equals, false)
}

func (s *AgentSuite) operatorState(c *check.C, id int) plan.OperatorState {
	state, err := s.coord.OperatorState(id)
	c.Assert(err, check.IsNil)
	return state
}

func (s *AgentSuite) TestDeployCheckpointRecover(c *check.C) {
	s.beat(c)
	c.Check(s.agent.Deployed(), check.DeepEquals, []int{1, 2})
	state, err := s.coord.ContainerState(1)
	c.Check(err, check.IsNil)
	c.Check(state, check.Equals, plan.ContainerActive)
	c.Check(s.operatorState(c, 1), check.Equals, plan.OperatorPendingDeploy)

	s.beat(c)
	c.Check(s.operatorState(c, 1), check.Equals, plan.OperatorActive)
	c.Check(s.operatorState(c, 2), check.Equals, plan.OperatorActive)
	c.Check(s.agent.Floor(), check.Equals, int64(0))

	// Third window: both operators checkpoint at window 2.
	s.beat(c)
	c.Check(s.coord.CheckpointFloor(), check.Equals, int64(2))
	c.Check(s.agent.Floor(), check.Equals, int64(2))
	_, err = s.store.Load(s.ctx, 2, 2)
	c.Check(err, check.IsNil)

	// A failed operator is redeployed from its last checkpoint.
	c.Check(s.agent.Fail(2), check.Equals, true)
	s.beat(c)
	c.Check(s.agent.Deployed(), check.DeepEquals, []int{1, 2})
	c.Check(s.operatorState(c, 2), check.Equals, plan.OperatorPendingDeploy)
	s.beat(c)
	c.Check(s.operatorState(c, 2), check.Equals, plan.OperatorActive)
	op, err := s.coord.Operator(2)
	c.Assert(err, check.IsNil)
	c.Check(op.Failures, check.Equals, 1)
	c.Check(op.CurrentWindowID, check.Equals, int64(3))
}

func (s *AgentSuite) TestRecoverMissingCheckpoint(c *check.C) {
	s.beat(c)
	s.beat(c)
	s.beat(c)
	c.Check(s.coord.CheckpointFloor(), check.Equals, int64(2))
	s.store.mtx.Lock()
	delete(s.store.data, "2/2")
	s.store.mtx.Unlock()

	c.Check(s.agent.Fail(2), check.Equals, true)
	s.beat(c)
	c.Check(s.operatorState(c, 2), check.Equals, plan.OperatorPendingDeploy)
	s.beat(c)
	c.Check(s.operatorState(c, 2), check.Equals, plan.OperatorActive)
	op, err := s.coord.Operator(2)
	c.Assert(err, check.IsNil)
	c.Check(op.CurrentWindowID, check.Equals, int64(3))
	c.Check(op.CheckpointWindowID, check.Equals, int64(2))
	c.Check(s.coord.StaleReports(), check.HasLen, 0)
}

func (s *AgentSuite) TestUndeploy(c *check.C) {
	s.beat(c)
	s.beat(c)
	s.assignment.Unassign(1)
	s.beat(c)
	c.Check(s.agent.Deployed(), check.DeepEquals, []int{2})
	s.beat(c)
	_, err := s.coord.Operator(1)
	c.Check(err, check.ErrorMatches, `.*unknown operator.*`)
}

func (s *AgentSuite) TestShutdown(c *check.C) {
	s.beat(c)
	c.Assert(s.coord.KillContainer(1, "test"), check.IsNil)
	c.Check(s.agent.Run(s.ctx), check.IsNil)
}

func (s *AgentSuite) TestUnknownContainer(c *check.C) {
	s.agent.ContainerID = "bogus"
	_, err := s.agent.Beat(s.ctx)
	c.Check(err, check.ErrorMatches, `.*404.*unknown container.*`)
}
