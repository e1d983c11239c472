// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"strings"

	"git.arvados.org/stram.git/sdk/go/auth"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is the health check invoked by a request to
	// "{Prefix}foo". If "ping" is not listed, it always returns a
	// healthy response.
	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	switch {
	case h.Token == "":
		http.Error(w, "disabled", http.StatusNotFound)
		return
	case !ok || name == r.URL.Path:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	creds := auth.CredentialsFromRequest(r)
	if len(creds.Tokens) == 0 {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	} else if !creds.Has(h.Token) {
		http.Error(w, "authorization error", http.StatusForbidden)
		return
	}
	resp := map[string]string{"health": "OK"}
	if err := fn(); err != nil {
		resp = map[string]string{"health": "ERROR", "error": err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
