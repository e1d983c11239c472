// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// s3Bucket is the checkpoint area of an S3 bucket. Operator runtimes
// store checkpoints at "{Prefix}/{operatorID}/{windowID}".
type s3Bucket struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Bucket(ctx context.Context, conf stram.S3PurgeConfig) (s3Bucket, error) {
	if conf.Bucket == "" {
		return s3Bucket{}, errors.New("Checkpoints.S3.Bucket is not configured")
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		func(o *config.LoadOptions) error {
			if conf.AccessKeyID != "" {
				o.Credentials = credentials.StaticCredentialsProvider{
					Value: aws.Credentials{
						AccessKeyID:     conf.AccessKeyID,
						SecretAccessKey: conf.SecretAccessKey,
						Source:          "stram cluster configuration",
					},
				}
			}
			if conf.Region != "" {
				o.Region = conf.Region
			}
			if conf.Endpoint != "" {
				o.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					if service == "S3" {
						return aws.Endpoint{
							URL:               conf.Endpoint,
							HostnameImmutable: true,
							SigningRegion:     region,
							Source:            aws.EndpointSourceCustom,
						}, nil
					}
					// else, use default
					return aws.Endpoint{}, &aws.EndpointNotFoundError{Err: errors.New("endpoint not overridden")}
				})
			}
			return nil
		})
	if err != nil {
		return s3Bucket{}, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = conf.UsePathStyle
	})
	return s3Bucket{
		client: client,
		bucket: conf.Bucket,
		prefix: strings.Trim(conf.Prefix, "/"),
	}, nil
}

// Key returns the object key for an operator's checkpoint.
func (p s3Bucket) Key(operatorID int, windowID int64) string {
	key := fmt.Sprintf("%d/%d", operatorID, windowID)
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	return key
}

// parseKey returns the window ID encoded in a checkpoint object key,
// or ok==false if the key doesn't look like a checkpoint.
func (p s3Bucket) parseKey(key string) (windowID int64, ok bool) {
	if p.prefix != "" {
		if !strings.HasPrefix(key, p.prefix+"/") {
			return 0, false
		}
		key = key[len(p.prefix)+1:]
	}
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return 0, false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return 0, false
	}
	windowID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return windowID, true
}

// S3Purger deletes checkpoint objects from an S3 bucket.
type S3Purger struct {
	s3Bucket
	logger logrus.FieldLogger
}

// NewS3Purger returns a purger for the configured bucket.
func NewS3Purger(ctx context.Context, conf stram.S3PurgeConfig, logger logrus.FieldLogger) (*S3Purger, error) {
	b, err := newS3Bucket(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &S3Purger{
		s3Bucket: b,
		logger:   logger.WithField("Bucket", conf.Bucket),
	}, nil
}

// Purge deletes every checkpoint object whose window is older than
// floor. Objects that don't look like checkpoints are left alone.
func (p *S3Purger) Purge(ctx context.Context, floor int64) (int, error) {
	listPrefix := ""
	if p.prefix != "" {
		listPrefix = p.prefix + "/"
	}
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(listPrefix),
	})
	var todo []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing checkpoints: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if window, ok := p.parseKey(key); ok && window < floor {
				todo = append(todo, key)
			}
		}
	}
	deleted := 0
	for _, key := range todo {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", key, err)
		}
		deleted++
	}
	p.logger.WithFields(logrus.Fields{
		"FloorWindowID": floor,
		"Deleted":       deleted,
	}).Info("purged checkpoints")
	return deleted, nil
}
