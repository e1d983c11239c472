// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package checkpoint

import (
	"context"
	"fmt"

	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/sirupsen/logrus"
)

// A Purger deletes stored checkpoint data for windows older than the
// given recovery floor, and returns the number of checkpoints
// deleted.
type Purger interface {
	Purge(ctx context.Context, floor int64) (int, error)
}

// NewPurger returns the Purger selected by the cluster's
// Checkpoints.PurgeBackend setting.
func NewPurger(ctx context.Context, cluster *stram.Cluster, logger logrus.FieldLogger) (Purger, error) {
	switch cluster.Checkpoints.PurgeBackend {
	case "", "none":
		return logPurger{logger: logger}, nil
	case "s3":
		return NewS3Purger(ctx, cluster.Checkpoints.S3, logger)
	default:
		return nil, fmt.Errorf("unknown Checkpoints.PurgeBackend %q", cluster.Checkpoints.PurgeBackend)
	}
}

// logPurger deletes nothing. It is used when checkpoint storage is
// managed outside the coordinator.
type logPurger struct {
	logger logrus.FieldLogger
}

func (lp logPurger) Purge(ctx context.Context, floor int64) (int, error) {
	lp.logger.WithField("FloorWindowID", floor).Debug("recovery floor advanced; no purge backend configured")
	return 0, nil
}
