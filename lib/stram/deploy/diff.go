// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package deploy computes the instructions that bring a container's
// running operators in line with its desired assignment.
package deploy

import (
	"sort"

	"git.arvados.org/stram.git/sdk/go/stram"
)

// Diff returns the instructions needed to turn the confirmed operator
// set into the desired one: an undeploy for each confirmed operator
// that is not desired, then a deploy for each desired operator that
// is not confirmed. Each group is in ascending operator ID order, so
// the container frees resources before it accepts new work.
//
// Duplicate IDs in either input are ignored. If nothing needs to
// change, Diff returns nil.
func Diff(desired, confirmed []int) []stram.Instruction {
	want := toSet(desired)
	have := toSet(confirmed)
	var insts []stram.Instruction
	for _, id := range sortedKeys(have) {
		if !want[id] {
			insts = append(insts, stram.Instruction{Kind: stram.InstructionUndeploy, OperatorID: id})
		}
	}
	for _, id := range sortedKeys(want) {
		if !have[id] {
			insts = append(insts, stram.Instruction{Kind: stram.InstructionDeploy, OperatorID: id})
		}
	}
	return insts
}

// Split returns the operator IDs of the undeploy and deploy
// instructions in insts, in order.
func Split(insts []stram.Instruction) (undeploy, deploy []int) {
	for _, inst := range insts {
		switch inst.Kind {
		case stram.InstructionUndeploy:
			undeploy = append(undeploy, inst.OperatorID)
		case stram.InstructionDeploy:
			deploy = append(deploy, inst.OperatorID)
		}
	}
	return
}

func toSet(ids []int) map[int]bool {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedKeys(set map[int]bool) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
