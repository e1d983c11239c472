// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/stram.git/lib/agent"
	"git.arvados.org/stram.git/lib/cli"
	"git.arvados.org/stram.git/lib/cmd"
	"git.arvados.org/stram.git/lib/config"
	lstram "git.arvados.org/stram.git/lib/stram"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"coordinator":     lstram.Command,
		"container-agent": agent.Command,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,

		"containers":       cli.Containers,
		"container":        cli.Container,
		"operator":         cli.Operator,
		"checkpoint-floor": cli.CheckpointFloor,
		"stale-reports":    cli.StaleReports,
		"plan":             cli.Plan,
		"config":           cli.Config,
		"request":          cli.Request,
		"kill":             cli.Kill,
		"lost":             cli.Lost,
		"assign":           cli.Assign,
		"grant":            cli.Grant,
	})
)

// fixArgs moves a management subcommand in front of any global
// options, so "stram -f yaml containers" works like "stram
// containers -f yaml".
func fixArgs(args []string) []string {
	flags, _ := cli.FlagSet()
	return cmd.SubcommandToFront(args, flags)
}

func main() {
	os.Exit(handler.RunCommand(os.Args[0], fixArgs(os.Args[1:]), os.Stdin, os.Stdout, os.Stderr))
}
