// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// IDGenerator generates alphanumeric strings suitable for use as
// unique IDs (a given IDGenerator will never return the same ID
// twice).
type IDGenerator struct {
	// Prefix is prepended to each returned ID.
	Prefix string

	lastID int64
	mtx    sync.Mutex
}

// Next returns a new ID string. It is safe to call Next from multiple
// goroutines.
func (g *IDGenerator) Next() string {
	id := time.Now().UnixNano()
	g.mtx.Lock()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id
	g.mtx.Unlock()
	return g.Prefix + strconv.FormatInt(id, 36)
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", gen.Next())
		}
		h.ServeHTTP(w, req)
	})
}

// HandlerWithDeadline wraps an http.Handler, cancelling each
// request's context after the given timeout. Zero means no timeout.
func HandlerWithDeadline(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LogRequests wraps an http.Handler, logging each response via
// logger, and attaching a request-scoped logger to the request
// context (see ctxlog.FromContext).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		t0 := time.Now()
		defer func() {
			code := w.wroteStatus
			if code == 0 {
				code = http.StatusOK
			}
			lgr = lgr.WithFields(logrus.Fields{
				"timeTotal":      time.Since(t0).Seconds(),
				"respStatusCode": code,
				"respStatus":     http.StatusText(code),
				"respBytes":      w.wroteBodyBytes,
			})
			if code >= 500 {
				lgr.Warn("response")
			} else if req.URL.Path == "/metrics" || strings.HasPrefix(req.URL.Path, "/_health/") {
				lgr.Debug("response")
			} else {
				lgr.Info("response")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

// responseWriter records the status and body size sent to the client.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int
	wroteBodyBytes int
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
