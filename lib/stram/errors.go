// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"errors"
	"net/http"

	"git.arvados.org/stram.git/lib/stram/plan"
)

var (
	// ErrUnexpectedResource means a granted resource does not
	// match any pending allocation request.
	ErrUnexpectedResource = errors.New("unexpected resource")

	// ErrUnknownContainer means a heartbeat (or management call)
	// named a container the coordinator does not know, or no
	// longer knows.
	ErrUnknownContainer = errors.New("unknown container")

	ErrUnknownOperator = errors.New("unknown operator")

	ErrInvalidStateTransition = plan.ErrInvalidStateTransition
)

// httpStatus returns the response code for an error returned by a
// Coordinator method.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnexpectedResource):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnknownContainer), errors.Is(err, ErrUnknownOperator):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
