// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestLimiter wraps http.Handler, limiting the number of
// concurrent requests being handled by the wrapped Handler. Requests
// that arrive when the handler is already at the limit get 503.
//
// Caller must not modify any RequestLimiter fields after calling its
// methods.
type RequestLimiter struct {
	Handler http.Handler

	// Maximum number of requests being handled at once. Zero
	// means no limit.
	MaxConcurrent int

	// "concurrent_requests", "max_concurrent_requests", and
	// "rejected_requests_total" metrics are registered with
	// Registry, if it is not nil.
	Registry *prometheus.Registry

	setupOnce sync.Once
	mtx       sync.Mutex
	handling  int
	mRejected prometheus.Counter
}

func (rl *RequestLimiter) setup() {
	rl.mRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stram",
		Name:      "rejected_requests_total",
		Help:      "Number of requests refused because the server was at its concurrency limit.",
	})
	if rl.Registry == nil {
		return
	}
	rl.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "stram",
			Name:      "concurrent_requests",
			Help:      "Number of requests in progress",
		},
		func() float64 {
			rl.mtx.Lock()
			defer rl.mtx.Unlock()
			return float64(rl.handling)
		},
	))
	rl.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "stram",
			Name:      "max_concurrent_requests",
			Help:      "Maximum number of concurrent requests",
		},
		func() float64 { return float64(rl.MaxConcurrent) },
	))
	rl.Registry.MustRegister(rl.mRejected)
}

func (rl *RequestLimiter) acquire() bool {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	if rl.MaxConcurrent > 0 && rl.handling >= rl.MaxConcurrent {
		return false
	}
	rl.handling++
	return true
}

func (rl *RequestLimiter) release() {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	rl.handling--
}

func (rl *RequestLimiter) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	rl.setupOnce.Do(rl.setup)
	if !rl.acquire() {
		rl.mRejected.Inc()
		Error(resp, "server is at its concurrency limit, try again later", http.StatusServiceUnavailable)
		return
	}
	defer rl.release()
	rl.Handler.ServeHTTP(resp, req)
}
