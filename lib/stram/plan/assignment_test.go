// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package plan

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/stram.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AssignmentSuite{})

type AssignmentSuite struct{}

func (*AssignmentSuite) TestStatic(c *check.C) {
	a, err := NewStaticAssignment(map[int][]int{1: {1, 2}})
	c.Assert(err, check.IsNil)
	ch := a.Subscribe()
	defer a.Unsubscribe(ch)

	c.Check(a.DesiredOperatorsFor(1), check.DeepEquals, []int{1, 2})
	c.Check(a.DesiredOperatorsFor(2), check.HasLen, 0)
	ctr, ok := a.ContainerFor(2)
	c.Check(ok, check.Equals, true)
	c.Check(ctr, check.Equals, 1)

	a.Move(1, 2)
	c.Check(a.DesiredOperatorsFor(1), check.DeepEquals, []int{2})
	c.Check(a.DesiredOperatorsFor(2), check.DeepEquals, []int{1})
	select {
	case <-ch:
	case <-time.After(time.Second):
		c.Error("no notification after Move")
	}

	a.Assign(1, []int{2, 3})
	a.Unassign(1)
	c.Check(a.Placement(), check.DeepEquals, map[int][]int{1: {2, 3}})
	_, ok = a.ContainerFor(1)
	c.Check(ok, check.Equals, false)

	// Returned slices are copies.
	got := a.DesiredOperatorsFor(1)
	got[0] = 99
	c.Check(a.DesiredOperatorsFor(1), check.DeepEquals, []int{2, 3})

	err = a.Replace(map[int][]int{1: {1}, 2: {1}})
	c.Check(err, check.ErrorMatches, `operator 1 assigned to both container . and container .`)
	c.Check(a.Placement(), check.DeepEquals, map[int][]int{1: {2, 3}})
}

func (*AssignmentSuite) TestPlanFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "plan.yml")
	err := os.WriteFile(path, []byte(`
Containers:
  1: [1, 2]
  2: [3]
Operators:
  3:
    MEMORY_MB: "2048"
`), 0644)
	c.Assert(err, check.IsNil)

	a, err := LoadFileAssignment(path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(a.DesiredOperatorsFor(1), check.DeepEquals, []int{1, 2})
	c.Check(a.DesiredOperatorsFor(2), check.DeepEquals, []int{3})
	c.Check(a.OperatorAttributes(3), check.DeepEquals, map[string]string{"MEMORY_MB": "2048"})
	c.Check(a.OperatorAttributes(1), check.IsNil)

	// An invalid file leaves the previous placement in effect.
	c.Assert(os.WriteFile(path, []byte("Containers:\n  1: [1]\n  2: [1]\n"), 0644), check.IsNil)
	c.Check(a.reload(), check.ErrorMatches, `while loading plan file .*: operator 1 assigned to both .*`)
	c.Check(a.DesiredOperatorsFor(2), check.DeepEquals, []int{3})
	c.Check(a.OperatorAttributes(3), check.DeepEquals, map[string]string{"MEMORY_MB": "2048"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := a.Subscribe()
	go a.Watch(ctx)
	// give the watcher time to start
	time.Sleep(100 * time.Millisecond)

	c.Assert(os.WriteFile(path, []byte("Containers:\n  2: [1, 2, 3]\n"), 0644), check.IsNil)
	deadline := time.After(5 * time.Second)
	for len(a.DesiredOperatorsFor(2)) != 3 {
		select {
		case <-ch:
		case <-deadline:
			c.Fatal("timed out waiting for reload")
		}
	}
	c.Check(a.DesiredOperatorsFor(1), check.HasLen, 0)
	c.Check(a.OperatorAttributes(3), check.IsNil)
}

func (*AssignmentSuite) TestPlanFileAttributesBeforeNotify(c *check.C) {
	path := filepath.Join(c.MkDir(), "plan.yml")
	c.Assert(os.WriteFile(path, []byte("Containers:\n  1: [1]\n"), 0644), check.IsNil)
	a, err := LoadFileAssignment(path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	ch := a.Subscribe()
	defer a.Unsubscribe(ch)

	c.Assert(os.WriteFile(path, []byte("Containers:\n  1: [1, 2]\nOperators:\n  2:\n    MEMORY_MB: \"512\"\n"), 0644), check.IsNil)
	// while attributes cannot be swapped, subscribers must not
	// hear about the new placement
	a.mtx.Lock()
	done := make(chan error)
	go func() { done <- a.reload() }()
	select {
	case <-ch:
		c.Error("notified before attributes were updated")
	case <-time.After(200 * time.Millisecond):
	}
	a.mtx.Unlock()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for notification")
	}
	c.Check(a.OperatorAttributes(2), check.DeepEquals, map[string]string{"MEMORY_MB": "512"})
	c.Check(<-done, check.IsNil)
	c.Check(a.DesiredOperatorsFor(1), check.DeepEquals, []int{1, 2})
}

func (*AssignmentSuite) TestPlanFileErrors(c *check.C) {
	dir := c.MkDir()
	_, err := LoadFileAssignment(filepath.Join(dir, "missing.yml"), ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `couldn't read plan file .*`)

	path := filepath.Join(dir, "plan.yml")
	c.Assert(os.WriteFile(path, []byte("Containers:\n  1: [1]\nOperators:\n  4: {}\n"), 0644), check.IsNil)
	_, err = LoadFileAssignment(path, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `while loading plan file .*: attributes given for unassigned operator 4`)
}
