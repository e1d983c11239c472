// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestServiceAPIHost(c *check.C) {
	var svc Service
	c.Check(svc.APIHost(), check.Equals, "")

	err := json.Unmarshal([]byte(`{"InternalURLs":{"http://b.example:9010":{},"http://a.example:9010/":{}}}`), &svc)
	c.Assert(err, check.IsNil)
	c.Check(svc.APIHost(), check.Equals, "http://a.example:9010")

	err = json.Unmarshal([]byte(`{"ExternalURL":"https://stram.example/"}`), &svc)
	c.Assert(err, check.IsNil)
	c.Check(svc.APIHost(), check.Equals, "https://stram.example")
}

func (s *ConfigSuite) TestGetCluster(c *check.C) {
	var cfg Config
	_, err := cfg.GetCluster("")
	c.Check(err, check.ErrorMatches, `no clusters configured`)

	cfg.Clusters = map[string]Cluster{"z1111": {SystemRootToken: "xyzzy"}}
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "z1111")
	c.Check(cc.SystemRootToken, check.Equals, "xyzzy")

	cfg.Clusters["z2222"] = Cluster{}
	_, err = cfg.GetCluster("")
	c.Check(err, check.ErrorMatches, `multiple clusters configured.*`)
	cc, err = cfg.GetCluster("z2222")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "z2222")
}
