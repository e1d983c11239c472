// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError is an error that knows which response status it
// should produce.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// Errorf returns an error that will be reported with the given
// status.
func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

// ErrorWithStatus wraps err so it will be reported with the given
// status. errors.Is and errors.As see through the wrapper.
func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

func (ews errorWithStatus) Unwrap() error {
	return ews.error
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error sends a JSON error response.
func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

// Errors sends a JSON error response with several messages.
func Errors(w http.ResponseWriter, errors []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errors})
}

// WriteError sends a JSON error response for err, using its
// HTTPStatus if it has one, otherwise 500.
func WriteError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		code = hse.HTTPStatus()
	}
	Error(w, err.Error(), code)
}
