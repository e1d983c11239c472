// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"net/http"

	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/httpserver"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that failed to start.
// It reports itself as unhealthy and answers every request with 503,
// so agents keep retrying their heartbeats until a healthy process
// takes over. The error is logged once here and again for each
// request.
func ErrorHandler(ctx context.Context, cluster *stram.Cluster, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	if cluster != nil {
		logger = logger.WithField("ClusterID", cluster.ClusterID)
	}
	logger.WithError(err).Error("unhealthy service")
	return errorHandler{err, logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithFields(logrus.Fields{
		"RequestMethod": r.Method,
		"RequestPath":   r.URL.Path,
	}).WithError(eh.err).Error("unhealthy service")
	httpserver.WriteError(w, httpserver.ErrorWithStatus(fmt.Errorf("service unavailable: %w", eh.err), http.StatusServiceUnavailable))
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel: the service has already failed.
func (eh errorHandler) Done() <-chan struct{} {
	return doneChannel
}

var doneChannel = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
