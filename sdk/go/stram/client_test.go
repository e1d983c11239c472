// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&clientSuite{})

type clientSuite struct {
	server *httptest.Server
	client *Client

	mtx    sync.Mutex
	bodies []string
	// Status codes to return for successive requests; after the
	// list is exhausted, respond 200.
	statuses []int
}

func (s *clientSuite) SetUpTest(c *check.C) {
	s.bodies = nil
	s.statuses = nil
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Header.Get("Authorization"), check.Equals, "Bearer zzz")
		c.Check(r.URL.Path, check.Equals, "/stram/v1/heartbeat")
		buf, _ := io.ReadAll(r.Body)
		s.mtx.Lock()
		s.bodies = append(s.bodies, string(buf))
		code := http.StatusOK
		if len(s.statuses) > 0 {
			code, s.statuses = s.statuses[0], s.statuses[1:]
		}
		s.mtx.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte(`{"instructions":[{"kind":"deploy","operator_id":3}],"purge":{"floor_window_id":7}}`))
		} else {
			w.Write([]byte(`{"errors":["unknown container \"c1\""]}`))
		}
	}))
	s.client = &Client{
		APIHost:      s.server.URL,
		AuthToken:    "zzz",
		Timeout:      time.Second,
		RetryWaitMin: time.Millisecond,
	}
}

func (s *clientSuite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *clientSuite) TestHeartbeat(c *check.C) {
	resp, err := s.client.Heartbeat(context.Background(), ContainerHeartbeat{
		ContainerID: "c1",
		Operators: []OperatorHeartbeat{
			{OperatorID: 3, DeployState: DeployStateActive, CurrentWindowID: 10, CheckpointWindowID: 8},
		},
	})
	c.Assert(err, check.IsNil)
	c.Check(resp.Instructions, check.DeepEquals, []Instruction{{Kind: InstructionDeploy, OperatorID: 3}})
	c.Assert(resp.Purge, check.NotNil)
	c.Check(resp.Purge.FloorWindowID, check.Equals, int64(7))
	c.Check(resp.Shutdown, check.Equals, false)

	c.Assert(s.bodies, check.HasLen, 1)
	var sent ContainerHeartbeat
	c.Assert(json.Unmarshal([]byte(s.bodies[0]), &sent), check.IsNil)
	c.Check(sent.ContainerID, check.Equals, "c1")
	c.Check(sent.Operators[0].DeployState, check.Equals, DeployStateActive)
}

func (s *clientSuite) TestRetryServerError(c *check.C) {
	s.statuses = []int{http.StatusBadGateway, http.StatusServiceUnavailable}
	resp, err := s.client.Heartbeat(context.Background(), ContainerHeartbeat{ContainerID: "c1"})
	c.Assert(err, check.IsNil)
	c.Check(resp.Instructions, check.HasLen, 1)
	// The same heartbeat was delivered three times.
	c.Assert(s.bodies, check.HasLen, 3)
	c.Check(s.bodies[1], check.Equals, s.bodies[0])
	c.Check(s.bodies[2], check.Equals, s.bodies[0])
}

func (s *clientSuite) TestNoRetryClientError(c *check.C) {
	s.statuses = []int{http.StatusNotFound}
	_, err := s.client.Heartbeat(context.Background(), ContainerHeartbeat{ContainerID: "c1"})
	c.Assert(err, check.NotNil)
	terr, ok := err.(TransactionError)
	c.Assert(ok, check.Equals, true)
	c.Check(terr.HTTPStatus(), check.Equals, http.StatusNotFound)
	c.Check(err, check.ErrorMatches, `request failed: POST .*/stram/v1/heartbeat: 404 Not Found: unknown container "c1"`)
	c.Check(s.bodies, check.HasLen, 1)
}

func (s *clientSuite) TestDecodeRejectsUnknownVariants(c *check.C) {
	var hb ContainerHeartbeat
	err := json.Unmarshal([]byte(`{"container_id":"c1","operators":[{"operator_id":1,"deploy_state":"EXPLODED"}]}`), &hb)
	c.Check(err, check.ErrorMatches, `.*unknown deploy state "EXPLODED".*`)

	var resp ContainerHeartbeatResponse
	err = json.Unmarshal([]byte(`{"instructions":[{"kind":"restart","operator_id":1}]}`), &resp)
	c.Check(err, check.ErrorMatches, `.*unknown instruction kind "restart".*`)
}
