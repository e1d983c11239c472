// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags calls f.Parse(args) and prints error/help messages,
// prefixed with prog, to stderr.
//
// positional is "" if the command takes no positional arguments,
// otherwise the text shown after "[options]" in the usage line.
//
// It returns ok=false if the program should exit now, with exit code
// 0 after -help and 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case err == nil && f.NArg() > 0 && positional == "":
		fmt.Fprintf(stderr, "%s: unrecognized command line arguments: %q (try -help)\n", prog, f.Args())
		return false, 2
	case err == nil:
		return true, 0
	case errors.Is(err, flag.ErrHelp):
		if f, ok := f.(*flag.FlagSet); ok && f.Usage != nil {
			f.SetOutput(stderr)
			f.Usage()
			return false, 0
		}
		fmt.Fprintln(stderr, usageLine(prog, positional))
		f.SetOutput(stderr)
		f.PrintDefaults()
		return false, 0
	default:
		fmt.Fprintf(stderr, "%s: error parsing command line arguments: %s\n%s\n", prog, err, usageLine(prog, positional))
		return false, 2
	}
}

func usageLine(prog, positional string) string {
	if positional == "" {
		return fmt.Sprintf("Usage: %s [options]", prog)
	}
	return fmt.Sprintf("Usage: %s [options] %s", prog, positional)
}
