// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by S3Store.Load when no checkpoint exists
// for the requested operator and window.
var ErrNotFound = errors.New("checkpoint not found")

const (
	s3uploaderPartSize         = 5 * 1024 * 1024
	s3uploaderWriteConcurrency = 5
)

// S3Store writes and reads operator checkpoints in the same layout
// S3Purger deletes them from. Container agents use it to persist
// operator state at checkpoint windows.
type S3Store struct {
	s3Bucket
	logger logrus.FieldLogger
}

// NewS3Store returns a store for the configured bucket.
func NewS3Store(ctx context.Context, conf stram.S3PurgeConfig, logger logrus.FieldLogger) (*S3Store, error) {
	b, err := newS3Bucket(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &S3Store{
		s3Bucket: b,
		logger:   logger.WithField("Bucket", conf.Bucket),
	}, nil
}

// Save stores data as the checkpoint of operatorID at windowID.
func (st *S3Store) Save(ctx context.Context, operatorID int, windowID int64, data []byte) error {
	key := st.Key(operatorID, windowID)
	uploader := manager.NewUploader(st.client, func(u *manager.Uploader) {
		u.PartSize = s3uploaderPartSize
		u.Concurrency = s3uploaderWriteConcurrency
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	},
		// Avoid precomputing SHA256 before sending.
		manager.WithUploaderRequestOptions(s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)),
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, st.translateError(err))
	}
	st.logger.WithFields(logrus.Fields{
		"OperatorID": operatorID,
		"WindowID":   windowID,
		"Size":       len(data),
	}).Debug("saved checkpoint")
	return nil
}

// Load returns the checkpoint of operatorID at windowID.
func (st *S3Store) Load(ctx context.Context, operatorID int, windowID int64) ([]byte, error) {
	key := st.Key(operatorID, windowID)
	resp, err := st.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, st.translateError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func (st *S3Store) translateError(err error) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		switch aerr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return ErrNotFound
		}
	}
	return err
}
