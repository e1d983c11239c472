// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"

	"rsc.io/getopt"
)

type FlagValues struct {
	Format  string
	DryRun  bool
	Short   bool
	Verbose bool
}

// FlagSet returns a flag set with the options shared by all
// management commands, with getopt-style short aliases.
func FlagSet() (*getopt.FlagSet, *FlagValues) {
	values := &FlagValues{Format: "json"}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.BoolVar(&values.DryRun, "dry-run", false, "Print the request instead of sending it")
	flags.Alias("n", "dry-run")
	flags.StringVar(&values.Format, "format", values.Format, "Output format: json, yaml, or id")
	flags.Alias("f", "format")
	flags.BoolVar(&values.Short, "short", false, "Print only IDs (equivalent to --format=id)")
	flags.Alias("s", "short")
	flags.BoolVar(&values.Verbose, "verbose", false, "Print the request URL on stderr")
	flags.Alias("v", "verbose")
	return flags, values
}
