// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExportSuite{})

type ExportSuite struct{}

func (s *ExportSuite) TestExport(c *check.C) {
	cfg, err := testLoader(c, validConfigYAML, nil).Load()
	c.Assert(err, check.IsNil)
	cluster := cfg.Clusters["z1111"]
	cluster.ManagementToken = "abcdefg"
	cluster.SystemRootToken = "hijklmn"
	cluster.Checkpoints.S3.SecretAccessKey = "opqrstu"

	var exported bytes.Buffer
	err = ExportJSON(&exported, &cluster)
	c.Check(err, check.IsNil)
	if err != nil {
		c.Logf("If all the new keys are safe, add these to whitelist in export.go:")
		for _, k := range regexp.MustCompile(`"[^"]*"`).FindAllString(err.Error(), -1) {
			c.Logf("\t%q: true,", strings.Replace(k, `"`, "", -1))
		}
	}
	c.Check(exported.String(), check.Not(check.Matches), `(?ms).*(abcdefg|hijklmn|opqrstu).*`)

	var m map[string]interface{}
	c.Assert(json.Unmarshal(exported.Bytes(), &m), check.IsNil)
	c.Check(m["Heartbeat"], check.DeepEquals, map[string]interface{}{
		"Interval":    "1s",
		"MissedLimit": float64(3),
	})
	c.Check(m["Checkpoints"], check.IsNil)
}
