// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts bearer tokens from requests and checks them
// against configured tokens.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Credentials holds the tokens supplied with a request.
type Credentials struct {
	Tokens []string
}

// CredentialsFromRequest returns the tokens found in the request's
// "Authorization: Bearer ..." header and "api_token" query
// parameter, in that order.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := &Credentials{}
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && toks[0] == "Bearer" {
		c.Tokens = append(c.Tokens, strings.TrimSpace(toks[1]))
	}
	for _, tok := range r.URL.Query()["api_token"] {
		if tok = strings.TrimSpace(tok); tok != "" {
			c.Tokens = append(c.Tokens, tok)
		}
	}
	return c
}

// Has returns true if token is one of the supplied tokens.
func (c *Credentials) Has(token string) bool {
	for _, t := range c.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CredentialsFromRequest(r)
		if len(c.Tokens) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !c.Has(token) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
