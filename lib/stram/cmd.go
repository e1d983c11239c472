// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"context"
	"fmt"

	"git.arvados.org/stram.git/lib/cmd"
	"git.arvados.org/stram.git/lib/service"
	"git.arvados.org/stram.git/lib/stram/checkpoint"
	"git.arvados.org/stram.git/lib/stram/plan"
	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(stram.ServiceNameCoordinator, newHandler)

func newHandler(ctx context.Context, cluster *stram.Cluster, _ string, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)

	var assignment plan.Assignment
	if cluster.Plan.File != "" {
		fa, err := plan.LoadFileAssignment(cluster.Plan.File, logger)
		if err != nil {
			return service.ErrorHandler(ctx, cluster, err)
		}
		go fa.Watch(ctx)
		assignment = fa
	} else {
		sa, err := plan.NewStaticAssignment(nil)
		if err != nil {
			return service.ErrorHandler(ctx, cluster, err)
		}
		assignment = sa
	}

	purger, err := checkpoint.NewPurger(ctx, cluster, logger)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing checkpoint purger: %w", err))
	}
	co, err := NewCoordinator(logger, reg, cluster, assignment, purger)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, err)
	}
	h := &handler{
		Cluster:     cluster,
		Context:     ctx,
		Registry:    reg,
		Assignment:  assignment,
		Coordinator: co,
	}
	go h.Start()
	return h
}
