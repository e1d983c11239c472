// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stram

import (
	"fmt"

	"git.arvados.org/stram.git/lib/attribute"
)

// OperatorKeys are the attributes an operator can carry.
type OperatorKeys struct {
	MemoryMB               *attribute.Key[int]
	ApplicationWindowCount *attribute.Key[int]
	CheckpointWindowCount  *attribute.Key[int]
	// Stateless operators never checkpoint, so they do not hold
	// back the purge floor.
	Stateless *attribute.Key[bool]
}

// NewOperatorKeys declares the operator attribute keys in a new
// registry.
func NewOperatorKeys() (*attribute.Registry, OperatorKeys) {
	reg := attribute.NewRegistry()
	return reg, OperatorKeys{
		MemoryMB:               attribute.Int(reg, "MEMORY_MB", 1024),
		ApplicationWindowCount: attribute.Int(reg, "APPLICATION_WINDOW_COUNT", 1),
		CheckpointWindowCount:  attribute.Int(reg, "CHECKPOINT_WINDOW_COUNT", 60),
		Stateless:              attribute.Bool(reg, "STATELESS", false),
	}
}

// attributeSource is implemented by assignments that carry
// per-operator attribute overrides, like plan.FileAssignment.
type attributeSource interface {
	OperatorAttributes(operatorID int) map[string]string
}

// CheckOperatorAttributes returns an error if any of the given
// values is not a valid operator attribute.
func CheckOperatorAttributes(values map[string]string) error {
	reg, _ := NewOperatorKeys()
	if err := attribute.NewMap(reg).SetStrings(values); err != nil {
		return fmt.Errorf("OperatorAttributes: %w", err)
	}
	return nil
}
