// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package checkpoint

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sort"

	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&S3PurgerSuite{})

type S3PurgerSuite struct {
	server *httptest.Server
	conf   stram.S3PurgeConfig
}

func (s *S3PurgerSuite) SetUpTest(c *check.C) {
	backend := s3mem.New()
	c.Assert(backend.CreateBucket("checkpoints"), check.IsNil)
	s.server = httptest.NewServer(gofakes3.New(backend).Server())
	s.conf = stram.S3PurgeConfig{
		Bucket:          "checkpoints",
		Prefix:          "app1",
		Endpoint:        s.server.URL,
		Region:          "test-region",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		UsePathStyle:    true,
	}
}

func (s *S3PurgerSuite) TearDownTest(c *check.C) {
	s.server.Close()
}

func (s *S3PurgerSuite) put(c *check.C, p *S3Purger, key string) {
	_, err := p.client.PutObject(context.Background(), &s3.PutObjectInput{
		Body:        bytes.NewReader([]byte("state")),
		Bucket:      aws.String(s.conf.Bucket),
		ContentType: aws.String("application/octet-stream"),
		Key:         aws.String(key),
	})
	c.Assert(err, check.IsNil)
}

func (s *S3PurgerSuite) keys(c *check.C, p *S3Purger) []string {
	resp, err := p.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.conf.Bucket),
		MaxKeys: aws.Int32(1000),
	})
	c.Assert(err, check.IsNil)
	var keys []string
	for _, obj := range resp.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys)
	return keys
}

func (s *S3PurgerSuite) TestPurge(c *check.C) {
	ctx := context.Background()
	p, err := NewS3Purger(ctx, s.conf, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)

	for _, cp := range []struct {
		op     int
		window int64
	}{
		{1, 2}, {1, 4}, {1, 6}, {2, 3}, {2, 5},
	} {
		s.put(c, p, p.Key(cp.op, cp.window))
	}
	// Not checkpoints, or not ours: must survive.
	s.put(c, p, "app1/README")
	s.put(c, p, "app2/1/1")

	n, err := p.Purge(ctx, 5)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 3)
	c.Check(s.keys(c, p), check.DeepEquals, []string{
		"app1/1/6",
		"app1/2/5",
		"app1/README",
		"app2/1/1",
	})

	// Purging again at the same floor is a no-op.
	n, err = p.Purge(ctx, 5)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 0)
}

func (s *S3PurgerSuite) TestNewPurger(c *check.C) {
	ctx := context.Background()
	cluster := &stram.Cluster{}
	p, err := NewPurger(ctx, cluster, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	n, err := p.Purge(ctx, 10)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 0)

	cluster.Checkpoints.PurgeBackend = "s3"
	_, err = NewPurger(ctx, cluster, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `Checkpoints.S3.Bucket is not configured`)

	cluster.Checkpoints.S3 = s.conf
	p, err = NewPurger(ctx, cluster, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(p, check.FitsTypeOf, &S3Purger{})

	cluster.Checkpoints.PurgeBackend = "tape"
	_, err = NewPurger(ctx, cluster, ctxlog.TestLogger(c))
	c.Check(err, check.ErrorMatches, `unknown Checkpoints.PurgeBackend "tape"`)
}

func (s *S3PurgerSuite) TestStoreSaveLoadPurge(c *check.C) {
	ctx := context.Background()
	st, err := NewS3Store(ctx, s.conf, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	p, err := NewS3Purger(ctx, s.conf, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)

	c.Check(st.Save(ctx, 1, 4, []byte("four")), check.IsNil)
	c.Check(st.Save(ctx, 1, 8, []byte("eight")), check.IsNil)
	c.Check(s.keys(c, p), check.DeepEquals, []string{"app1/1/4", "app1/1/8"})

	data, err := st.Load(ctx, 1, 8)
	c.Check(err, check.IsNil)
	c.Check(string(data), check.Equals, "eight")

	_, err = st.Load(ctx, 2, 8)
	c.Check(err, check.Equals, ErrNotFound)

	n, err := p.Purge(ctx, 8)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	_, err = st.Load(ctx, 1, 4)
	c.Check(err, check.Equals, ErrNotFound)
}
