// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"git.arvados.org/stram.git/lib/config"
	"git.arvados.org/stram.git/lib/stram/plan"
	"git.arvados.org/stram.git/sdk/go/auth"
	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/health"
	"git.arvados.org/stram.git/sdk/go/httpserver"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Largest request body accepted by the API.
const maxRequestBody = 4 << 20

// placementSource is implemented by assignments that can report
// their whole placement and announce changes.
type placementSource interface {
	Placement() map[int][]int
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

type handler struct {
	Cluster     *stram.Cluster
	Context     context.Context
	Registry    *prometheus.Registry
	Assignment  plan.Assignment
	Coordinator *Coordinator

	logger      logrus.FieldLogger
	httpHandler http.Handler

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the coordinator. Start can be called multiple times
// with no ill effect.
func (h *handler) Start() {
	h.setupOnce.Do(h.setup)
}

// ServeHTTP implements service.Handler.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Start()
	h.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (h *handler) CheckHealth() error {
	h.Start()
	return h.Coordinator.CheckHealth()
}

// Done implements service.Handler.
func (h *handler) Done() <-chan struct{} {
	return h.stopped
}

// Close stops the coordinator and waits for its goroutines to exit.
// Typically used in tests.
func (h *handler) Close() {
	h.Start()
	select {
	case h.stop <- struct{}{}:
	default:
	}
	<-h.stopped
}

func (h *handler) setup() {
	h.logger = ctxlog.FromContext(h.Context)
	h.stop = make(chan struct{}, 1)
	h.stopped = make(chan struct{})

	mux := httprouter.New()
	mux.Handler("POST", "/stram/v1/heartbeat", auth.RequireLiteralToken(h.Cluster.SystemRootToken, http.HandlerFunc(h.apiHeartbeat)))
	mux.HandlerFunc("GET", "/stram/v1/config", h.apiConfig)
	mux.Handler("POST", "/stram/v1/resources/granted", h.management(h.apiResourceGranted))
	mux.Handler("POST", "/stram/v1/containers/lost", h.management(h.apiContainerLost))
	mux.Handler("POST", "/stram/v1/containers/request", h.management(h.apiContainerRequest))
	mux.Handler("POST", "/stram/v1/containers/kill", h.management(h.apiContainerKill))
	mux.Handler("GET", "/stram/v1/containers", h.management(h.apiContainers))
	mux.Handler("GET", "/stram/v1/containers/:id", h.management(h.apiContainer))
	mux.Handler("GET", "/stram/v1/operators/:id", h.management(h.apiOperator))
	mux.Handler("GET", "/stram/v1/checkpoint-floor", h.management(h.apiCheckpointFloor))
	mux.Handler("GET", "/stram/v1/stale-reports", h.management(h.apiStaleReports))
	mux.Handler("GET", "/stram/v1/plan", h.management(h.apiPlan))
	mux.Handler("PUT", "/stram/v1/plan/containers/:id", h.management(h.apiPlanAssign))
	metricsH := promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{
		ErrorLog: h.logger,
	})
	mux.Handler("GET", "/metrics", h.management(metricsH.ServeHTTP))
	mux.Handler("GET", "/metrics.json", h.management(metricsH.ServeHTTP))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  h.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": h.CheckHealth},
	})
	h.httpHandler = mux

	h.Coordinator.Start()
	go h.run()
}

// management wraps a management API endpoint with ManagementToken
// authentication. Without a configured token the endpoint is
// disabled.
func (h *handler) management(fn http.HandlerFunc) http.Handler {
	if h.Cluster.ManagementToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	return auth.RequireLiteralToken(h.Cluster.ManagementToken, fn)
}

// run pushes assignment changes to live containers until stopped.
func (h *handler) run() {
	defer close(h.stopped)
	defer h.Coordinator.Stop()

	var changed <-chan struct{}
	if ps, ok := h.Assignment.(placementSource); ok {
		changed = ps.Subscribe()
		defer ps.Unsubscribe(changed)
	}
	h.Coordinator.SyncPlan()
	for {
		select {
		case <-h.stop:
			return
		case <-h.Context.Done():
			return
		case <-changed:
			h.Coordinator.SyncPlan()
		}
	}
}

func (h *handler) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("error writing response")
	}
}

func (h *handler) sendError(w http.ResponseWriter, err error) {
	httpserver.Error(w, err.Error(), httpStatus(err))
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return httpserver.Errorf(http.StatusBadRequest, "error decoding request body: %w", err)
	}
	return nil
}

// intParam returns the named integer parameter from the route or the
// query string.
func intParam(r *http.Request, name string) (int, error) {
	s := httprouter.ParamsFromContext(r.Context()).ByName(name)
	if s == "" {
		s = r.FormValue(name)
	}
	if s == "" {
		return 0, httpserver.Errorf(http.StatusBadRequest, "%s parameter not provided", name)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, httpserver.Errorf(http.StatusBadRequest, "invalid %s %q", name, s)
	}
	return n, nil
}

// Heartbeat API: called by each container process.
func (h *handler) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb stram.ContainerHeartbeat
	if err := decodeBody(r, &hb); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	resp, err := h.Coordinator.ProcessHeartbeat(hb)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, resp)
}

// Public: the non-secret parts of the cluster config, so container
// agents can pick up heartbeat settings.
func (h *handler) apiConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := config.ExportJSON(w, h.Cluster); err != nil {
		h.logger.WithError(err).Error("error exporting config")
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Resource layer: a requested container has been granted.
func (h *handler) apiResourceGranted(w http.ResponseWriter, r *http.Request) {
	var res stram.Resource
	if err := decodeBody(r, &res); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	view, err := h.Coordinator.ContainerBecameAvailable(res)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, view)
}

// Resource layer: a container's process is gone.
func (h *handler) apiContainerLost(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "container_id")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if err := h.Coordinator.ContainerLost(id); err != nil {
		h.sendError(w, err)
		return
	}
}

// Management API: request a new container.
func (h *handler) apiContainerRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Memory stram.ByteSize `json:"memory"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			httpserver.WriteError(w, err)
			return
		}
	}
	h.sendJSON(w, h.Coordinator.RequestContainer(req.Memory))
}

// Management API: shut down the specified container.
func (h *handler) apiContainerKill(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "container_id")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if err := h.Coordinator.KillContainer(id, "via management API: "+r.FormValue("reason")); err != nil {
		h.sendError(w, err)
		return
	}
}

// Management API: all known containers.
func (h *handler) apiContainers(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []plan.ContainerView `json:"items"`
	}
	resp.Items = h.Coordinator.Containers()
	h.sendJSON(w, resp)
}

func (h *handler) apiContainer(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "id")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	view, err := h.Coordinator.Container(id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, view)
}

func (h *handler) apiOperator(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "id")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	view, err := h.Coordinator.Operator(id)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendJSON(w, view)
}

func (h *handler) apiCheckpointFloor(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]int64{"floor_window_id": h.Coordinator.CheckpointFloor()})
}

func (h *handler) apiStaleReports(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []StaleReport `json:"items"`
	}
	resp.Items = h.Coordinator.StaleReports()
	h.sendJSON(w, resp)
}

// Management API: current desired placement, by container ID.
func (h *handler) apiPlan(w http.ResponseWriter, r *http.Request) {
	ps, ok := h.Assignment.(placementSource)
	if !ok {
		httpserver.Error(w, "assignment does not support listing", http.StatusNotImplemented)
		return
	}
	resp := map[string][]int{}
	for ctr, ops := range ps.Placement() {
		resp[strconv.Itoa(ctr)] = ops
	}
	h.sendJSON(w, resp)
}

// Management API: replace the operators assigned to a container.
// Only available when the plan is not managed by a plan file.
func (h *handler) apiPlanAssign(w http.ResponseWriter, r *http.Request) {
	sa, ok := h.Assignment.(*plan.StaticAssignment)
	if !ok {
		httpserver.Error(w, fmt.Sprintf("assignment is read-only (Plan.File is %q)", h.Cluster.Plan.File), http.StatusConflict)
		return
	}
	id, err := intParam(r, "id")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var req struct {
		Operators []int `json:"operators"`
	}
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	sa.Assign(id, req.Operators)
	ctxlog.FromContext(r.Context()).WithFields(logrus.Fields{
		"ContainerID": id,
		"Operators":   req.Operators,
	}).Info("assignment changed via management API")
	h.sendJSON(w, map[string][]int{"operators": sa.DesiredOperatorsFor(id)})
}
