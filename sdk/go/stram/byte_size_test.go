// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ByteSizeSuite{})

type ByteSizeSuite struct{}

func (s *ByteSizeSuite) TestUnmarshal(c *check.C) {
	for _, testcase := range []struct {
		in  string
		out int64
	}{
		{"0", 0},
		{"5", 5},
		{`"5B"`, 5},
		{`"5 B"`, 5},
		{`" 4 KiB "`, 4096},
		{`"4K"`, 4000},
		{`"4KB"`, 4000},
		{`"4KiB"`, 4096},
		{`"4MiB"`, 4194304},
		{`"4 GiB"`, 4294967296},
		{`"4TB"`, 4000000000000},
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase.in+"\n"), &n)
		c.Check(err, check.IsNil, check.Commentf("%s", testcase.in))
		c.Check(int64(n), check.Equals, testcase.out, check.Commentf("%s", testcase.in))
	}
	for _, testcase := range []string{
		"B", "KiB", "4A", "BB", "4K iB",
		"400000 EB", // overflows int64
	} {
		var n ByteSize
		err := n.Set(testcase)
		c.Check(err, check.NotNil, check.Commentf("%s", testcase))
	}
}

func (s *ByteSizeSuite) TestString(c *check.C) {
	c.Check(ByteSize(1<<30).String(), check.Equals, "1.0 GiB")
	c.Check(ByteSize(1024).String(), check.Equals, "1.0 KiB")
}
