// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"git.arvados.org/stram.git/lib/stram/plan"
	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HandlerSuite{})

type HandlerSuite struct {
	cluster    *stram.Cluster
	assignment *plan.StaticAssignment
	handler    *handler
	cancel     context.CancelFunc
}

func (s *HandlerSuite) SetUpTest(c *check.C) {
	s.cluster = &stram.Cluster{
		SystemRootToken: "systemroottoken",
		ManagementToken: "managementtoken",
	}
	s.cluster.Heartbeat.Interval = stram.Duration(1e9)
	s.cluster.Heartbeat.MissedLimit = 3
	var err error
	s.assignment, err = plan.NewStaticAssignment(nil)
	c.Assert(err, check.IsNil)
	s.setupHandler(c)
}

func (s *HandlerSuite) setupHandler(c *check.C) {
	logger := ctxlog.TestLogger(c)
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	s.cancel = cancel
	reg := prometheus.NewRegistry()
	coord, err := NewCoordinator(logger, reg, s.cluster, s.assignment, &testPurger{called: make(chan int64, 10)})
	c.Assert(err, check.IsNil)
	s.handler = &handler{
		Cluster:     s.cluster,
		Context:     ctx,
		Registry:    reg,
		Assignment:  s.assignment,
		Coordinator: coord,
	}
}

func (s *HandlerSuite) TearDownTest(c *check.C) {
	s.handler.Close()
	s.cancel()
}

func (s *HandlerSuite) do(c *check.C, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		c.Assert(err, check.IsNil)
		rdr = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *HandlerSuite) mgmt(c *check.C, method, path string, body interface{}, dst interface{}) {
	resp := s.do(c, method, path, s.cluster.ManagementToken, body)
	c.Assert(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s %s: %s", method, path, resp.Body.String()))
	if dst != nil {
		c.Assert(json.NewDecoder(resp.Body).Decode(dst), check.IsNil)
	}
}

func (s *HandlerSuite) heartbeat(c *check.C, hb stram.ContainerHeartbeat) (int, stram.ContainerHeartbeatResponse) {
	var hbresp stram.ContainerHeartbeatResponse
	resp := s.do(c, "POST", "/stram/v1/heartbeat", s.cluster.SystemRootToken, hb)
	if resp.Code == http.StatusOK {
		c.Check(json.NewDecoder(resp.Body).Decode(&hbresp), check.IsNil)
	}
	return resp.Code, hbresp
}

func (s *HandlerSuite) TestLifecycle(c *check.C) {
	var ctr plan.ContainerView
	s.mgmt(c, "POST", "/stram/v1/containers/request", map[string]interface{}{"memory": "2GiB"}, &ctr)
	c.Check(ctr.ID, check.Equals, 1)
	c.Check(ctr.State, check.Equals, plan.ContainerNew)
	c.Check(ctr.Memory, check.Equals, stram.ByteSize(2<<30))

	var assigned map[string][]int
	s.mgmt(c, "PUT", "/stram/v1/plan/containers/1", map[string][]int{"operators": {2, 1}}, &assigned)
	c.Check(assigned["operators"], check.DeepEquals, []int{2, 1})

	s.mgmt(c, "POST", "/stram/v1/resources/granted", stram.Resource{Priority: 1, ExternalID: "ext1", Host: "node1"}, &ctr)
	c.Check(ctr.State, check.Equals, plan.ContainerAllocated)

	code, hbresp := s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "ext1"})
	c.Assert(code, check.Equals, http.StatusOK)
	c.Assert(hbresp.Instructions, check.HasLen, 2)
	c.Check(hbresp.Instructions[0], check.DeepEquals, stram.Instruction{Kind: stram.InstructionDeploy, OperatorID: 1})

	code, _ = s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "ext1", Operators: []stram.OperatorHeartbeat{
		{OperatorID: 1, DeployState: stram.DeployStateActive, CurrentWindowID: 5, CheckpointWindowID: 4},
		{OperatorID: 2, DeployState: stram.DeployStateIdle, CurrentWindowID: 5, CheckpointWindowID: 3},
	}})
	c.Check(code, check.Equals, http.StatusOK)

	var list struct {
		Items []plan.ContainerView
	}
	s.mgmt(c, "GET", "/stram/v1/containers", nil, &list)
	c.Assert(list.Items, check.HasLen, 1)
	c.Check(list.Items[0].State, check.Equals, plan.ContainerActive)
	c.Check(list.Items[0].Operators, check.DeepEquals, []int{1, 2})

	var op plan.OperatorView
	s.mgmt(c, "GET", "/stram/v1/operators/1", nil, &op)
	c.Check(op.State, check.Equals, plan.OperatorActive)
	c.Check(op.CheckpointWindowID, check.Equals, int64(4))

	var floor map[string]int64
	s.mgmt(c, "GET", "/stram/v1/checkpoint-floor", nil, &floor)
	c.Check(floor["floor_window_id"], check.Equals, int64(3))

	var placement map[string][]int
	s.mgmt(c, "GET", "/stram/v1/plan", nil, &placement)
	c.Check(placement, check.DeepEquals, map[string][]int{"1": {1, 2}})

	s.mgmt(c, "POST", "/stram/v1/containers/kill?container_id=1&reason=test", nil, nil)
	code, hbresp = s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "ext1"})
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(hbresp.Shutdown, check.Equals, true)
}

func (s *HandlerSuite) TestContainerLost(c *check.C) {
	s.mgmt(c, "POST", "/stram/v1/containers/request", nil, nil)
	s.mgmt(c, "POST", "/stram/v1/resources/granted", stram.Resource{Priority: 1, ExternalID: "ext1"}, nil)
	s.mgmt(c, "POST", "/stram/v1/containers/lost?container_id=1", nil, nil)
	code, _ := s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "ext1"})
	c.Check(code, check.Equals, http.StatusNotFound)

	resp := s.do(c, "POST", "/stram/v1/containers/lost?container_id=1", s.cluster.ManagementToken, nil)
	c.Check(resp.Code, check.Equals, http.StatusConflict)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*invalid state transition.*`)
}

func (s *HandlerSuite) TestErrors(c *check.C) {
	for _, trial := range []struct {
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"GET", "/stram/v1/containers/99", nil, http.StatusNotFound},
		{"GET", "/stram/v1/containers/abc", nil, http.StatusBadRequest},
		{"GET", "/stram/v1/operators/99", nil, http.StatusNotFound},
		{"POST", "/stram/v1/containers/kill", nil, http.StatusBadRequest},
		{"POST", "/stram/v1/containers/kill?container_id=7", nil, http.StatusNotFound},
		{"POST", "/stram/v1/resources/granted", stram.Resource{Priority: 3, ExternalID: "x"}, http.StatusUnprocessableEntity},
		{"POST", "/stram/v1/resources/granted", "not an object", http.StatusBadRequest},
	} {
		resp := s.do(c, trial.method, trial.path, s.cluster.ManagementToken, trial.body)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("%s %s", trial.method, trial.path))
		var errResp struct {
			Errors []string
		}
		c.Check(json.NewDecoder(resp.Body).Decode(&errResp), check.IsNil)
		c.Check(errResp.Errors, check.HasLen, 1)
	}

	code, _ := s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "nobody"})
	c.Check(code, check.Equals, http.StatusNotFound)

	resp := s.do(c, "POST", "/stram/v1/heartbeat", s.cluster.SystemRootToken, map[string]interface{}{
		"container_id": "ext1",
		"operators":    []map[string]interface{}{{"operator_id": 1, "deploy_state": "DANCING"}},
	})
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *HandlerSuite) TestAuth(c *check.C) {
	for _, trial := range []struct {
		path  string
		token string
		code  int
	}{
		{"/stram/v1/containers", "", http.StatusUnauthorized},
		{"/stram/v1/containers", "wrong", http.StatusForbidden},
		{"/stram/v1/containers", s.cluster.SystemRootToken, http.StatusForbidden},
		{"/stram/v1/containers", s.cluster.ManagementToken, http.StatusOK},
		{"/metrics", "", http.StatusUnauthorized},
		{"/_health/ping", "", http.StatusUnauthorized},
		{"/_health/ping", s.cluster.ManagementToken, http.StatusOK},
		{"/stram/v1/config", "", http.StatusOK},
	} {
		resp := s.do(c, "GET", trial.path, trial.token, nil)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("%s %q", trial.path, trial.token))
	}
	resp := s.do(c, "POST", "/stram/v1/heartbeat", "", stram.ContainerHeartbeat{ContainerID: "ext1"})
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	resp = s.do(c, "POST", "/stram/v1/heartbeat", s.cluster.ManagementToken, stram.ContainerHeartbeat{ContainerID: "ext1"})
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}

func (s *HandlerSuite) TestManagementDisabled(c *check.C) {
	s.handler.Close()
	s.cancel()
	s.cluster.ManagementToken = ""
	s.setupHandler(c)
	resp := s.do(c, "GET", "/stram/v1/containers", "", nil)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*Management API authentication is not configured.*`)
}

func (s *HandlerSuite) TestExportConfig(c *check.C) {
	resp := s.do(c, "GET", "/stram/v1/config", "", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Not(check.Matches), `(?ms).*systemroottoken.*`)
	c.Check(resp.Body.String(), check.Not(check.Matches), `(?ms).*managementtoken.*`)
	var exported struct {
		Heartbeat struct {
			Interval    stram.Duration
			MissedLimit int
		}
	}
	c.Assert(json.NewDecoder(resp.Body).Decode(&exported), check.IsNil)
	c.Check(exported.Heartbeat.Interval, check.Equals, stram.Duration(1e9))
	c.Check(exported.Heartbeat.MissedLimit, check.Equals, 3)
}

func (s *HandlerSuite) TestPlanChangeSyncsContainers(c *check.C) {
	s.mgmt(c, "POST", "/stram/v1/containers/request", nil, nil)
	s.mgmt(c, "POST", "/stram/v1/resources/granted", stram.Resource{Priority: 1, ExternalID: "ext1"}, nil)
	s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "ext1"})
	s.assignment.Assign(1, []int{5})

	// The handler's plan watcher adopts operator 5 without waiting
	// for a heartbeat.
	var ctr plan.ContainerView
	for deadline := 1000; deadline > 0; deadline-- {
		s.mgmt(c, "GET", "/stram/v1/containers/1", nil, &ctr)
		if len(ctr.Operators) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.Check(ctr.Operators, check.DeepEquals, []int{5})
}

func (s *HandlerSuite) TestMetrics(c *check.C) {
	s.mgmt(c, "POST", "/stram/v1/containers/request", nil, nil)
	s.mgmt(c, "POST", "/stram/v1/resources/granted", stram.Resource{Priority: 1, ExternalID: "ext1"}, nil)
	s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "ext1"})
	s.heartbeat(c, stram.ContainerHeartbeat{ContainerID: "nobody"})
	s.handler.Coordinator.updateMetrics()

	resp := s.do(c, "GET", "/metrics", s.cluster.ManagementToken, nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(resp.Body)
	c.Assert(err, check.IsNil)

	value := func(name string, labels map[string]string) float64 {
		mf := mfs[name]
		c.Assert(mf, check.NotNil, check.Commentf("%s", name))
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				if mf.GetType() == dto.MetricType_COUNTER {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
		c.Errorf("no %s metric with labels %v", name, labels)
		return -1
	}
	c.Check(value("stram_coordinator_heartbeats_total", map[string]string{"outcome": "ok"}), check.Equals, 1.0)
	c.Check(value("stram_coordinator_heartbeats_total", map[string]string{"outcome": "unknown"}), check.Equals, 1.0)
	c.Check(value("stram_coordinator_containers", map[string]string{"state": "ACTIVE"}), check.Equals, 1.0)
	c.Check(value("stram_coordinator_checkpoint_purge_floor", nil), check.Equals, 0.0)
	c.Check(strings.Contains(resp.Header().Get("Content-Type"), "text/plain"), check.Equals, true)
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	n := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			n++
		}
	}
	return n == len(want)
}
