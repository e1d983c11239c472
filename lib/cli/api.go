// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements management subcommands that talk to a
// running coordinator.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"

	"git.arvados.org/stram.git/lib/cmd"
	"git.arvados.org/stram.git/lib/config"
	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/ghodss/yaml"
)

var (
	Containers      cmd.Handler = apiCommand{request: get("stram/v1/containers")}
	Plan            cmd.Handler = apiCommand{request: get("stram/v1/plan")}
	CheckpointFloor cmd.Handler = apiCommand{request: get("stram/v1/checkpoint-floor")}
	StaleReports    cmd.Handler = apiCommand{request: get("stram/v1/stale-reports")}
	Config          cmd.Handler = apiCommand{request: get("stram/v1/config")}

	Container = apiCommand{usage: "container-id", minArgs: 1, maxArgs: 1,
		request: func(args []string) (string, string, interface{}, error) {
			id, err := parseID(args[0])
			return "GET", "stram/v1/containers/" + id, nil, err
		}}

	Operator = apiCommand{usage: "operator-id", minArgs: 1, maxArgs: 1,
		request: func(args []string) (string, string, interface{}, error) {
			id, err := parseID(args[0])
			return "GET", "stram/v1/operators/" + id, nil, err
		}}

	Request = apiCommand{usage: "[memory]", maxArgs: 1,
		request: func(args []string) (string, string, interface{}, error) {
			var body struct {
				Memory stram.ByteSize `json:"memory"`
			}
			if len(args) > 0 {
				if err := body.Memory.Set(args[0]); err != nil {
					return "", "", nil, err
				}
			}
			return "POST", "stram/v1/containers/request", body, nil
		}}

	Kill = apiCommand{usage: "container-id [reason]", minArgs: 1, maxArgs: 2,
		request: func(args []string) (string, string, interface{}, error) {
			id, err := parseID(args[0])
			q := url.Values{"container_id": {id}}
			if len(args) > 1 {
				q.Set("reason", args[1])
			}
			return "POST", "stram/v1/containers/kill?" + q.Encode(), nil, err
		}}

	Lost = apiCommand{usage: "container-id", minArgs: 1, maxArgs: 1,
		request: func(args []string) (string, string, interface{}, error) {
			id, err := parseID(args[0])
			return "POST", "stram/v1/containers/lost?" + url.Values{"container_id": {id}}.Encode(), nil, err
		}}

	Assign = apiCommand{usage: "container-id [operator-id ...]", minArgs: 1, maxArgs: -1,
		request: func(args []string) (string, string, interface{}, error) {
			id, err := parseID(args[0])
			if err != nil {
				return "", "", nil, err
			}
			body := struct {
				Operators []int `json:"operators"`
			}{Operators: []int{}}
			for _, arg := range args[1:] {
				op, err := strconv.Atoi(arg)
				if err != nil {
					return "", "", nil, fmt.Errorf("invalid operator id %q", arg)
				}
				body.Operators = append(body.Operators, op)
			}
			return "PUT", "stram/v1/plan/containers/" + id, body, nil
		}}

	Grant = apiCommand{usage: "priority external-id host [memory]", minArgs: 3, maxArgs: 4,
		request: func(args []string) (string, string, interface{}, error) {
			prio, err := strconv.Atoi(args[0])
			if err != nil {
				return "", "", nil, fmt.Errorf("invalid priority %q", args[0])
			}
			res := stram.Resource{Priority: prio, ExternalID: args[1], Host: args[2]}
			if len(args) > 3 {
				if err := res.Memory.Set(args[3]); err != nil {
					return "", "", nil, err
				}
			}
			return "POST", "stram/v1/resources/granted", res, nil
		}}
)

type requestFunc func(args []string) (method, path string, body interface{}, err error)

func get(path string) requestFunc {
	return func([]string) (string, string, interface{}, error) {
		return "GET", path, nil, nil
	}
}

func parseID(s string) (string, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 {
		return "", fmt.Errorf("invalid id %q", s)
	}
	return strconv.Itoa(id), nil
}

// apiCommand sends one request to the coordinator's management API
// and prints the response.
type apiCommand struct {
	usage   string
	minArgs int
	// Negative means no limit.
	maxArgs int
	request requestFunc
}

func (ac apiCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		}
	}()

	flags, opts := FlagSet()
	loader := config.NewLoader(stdin, ctxlog.New(stderr, "text", "warn"))
	loader.SetupFlags(flags.FlagSet)
	if ok, code := cmd.ParseFlags(flags, prog, args, ac.usage, stderr); !ok {
		return code
	} else if n := flags.NArg(); n < ac.minArgs || (ac.maxArgs >= 0 && n > ac.maxArgs) {
		fmt.Fprintf(stderr, "usage: %s [options] %s\n", prog, ac.usage)
		return 2
	}
	if opts.Short {
		opts.Format = "id"
	}
	switch opts.Format {
	case "json", "yaml", "id":
	default:
		err = fmt.Errorf("unsupported format %q", opts.Format)
		return 2
	}

	method, path, body, err := ac.request(flags.Args())
	if err != nil {
		return 2
	}
	client, err := newClient(loader)
	if err != nil {
		return 1
	}
	if opts.DryRun {
		fmt.Fprintf(stdout, "%s %s/%s\n", method, client.APIHost, path)
		if body != nil {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			err = enc.Encode(body)
		}
		if err != nil {
			return 1
		}
		return 0
	}
	if opts.Verbose {
		fmt.Fprintf(stderr, "%s %s/%s\n", method, client.APIHost, path)
	}

	var resp json.RawMessage
	err = client.RequestAndDecode(context.Background(), &resp, method, path, body)
	if err != nil {
		return 1
	}
	if len(resp) == 0 {
		return 0
	}
	err = printResponse(stdout, opts.Format, resp)
	if err != nil {
		err = fmt.Errorf("encoding: %w", err)
		return 1
	}
	return 0
}

// newClient returns a client configured from STRAM_API_HOST and
// STRAM_API_TOKEN, falling back to the coordinator URL and
// ManagementToken in the cluster config.
func newClient(loader *config.Loader) (*stram.Client, error) {
	client := stram.NewClientFromEnv()
	if client.APIHost != "" && client.AuthToken != "" {
		return client, nil
	}
	cfg, err := loader.Load()
	if err != nil {
		if client.APIHost == "" {
			return nil, fmt.Errorf("STRAM_API_HOST is not set, and cannot load config: %w", err)
		}
		return client, nil
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return nil, err
	}
	if client.APIHost == "" {
		client.APIHost = cluster.Services.Coordinator.APIHost()
	}
	if client.AuthToken == "" {
		client.AuthToken = cluster.ManagementToken
	}
	if client.APIHost == "" {
		return nil, errors.New("STRAM_API_HOST is not set, and config has no Services.Coordinator URL")
	}
	return client, nil
}

func printResponse(w io.Writer, format string, resp json.RawMessage) error {
	switch format {
	case "yaml":
		buf, err := yaml.JSONToYAML(resp)
		if err != nil {
			return err
		}
		_, err = w.Write(buf)
		return err
	case "id":
		ids, err := responseIDs(resp)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(w, id)
		}
		return nil
	default:
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
}

// responseIDs extracts the ids from a response: the "id" of a single
// object, the "id" of each entry in "items", the operator ids of an
// assignment, or the container ids of a plan.
func responseIDs(resp json.RawMessage) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(resp, &obj); err != nil {
		return nil, err
	}
	if id, ok := obj["id"]; ok {
		return []string{string(id)}, nil
	}
	if items, ok := obj["items"]; ok {
		var list []struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(items, &list); err != nil {
			return nil, err
		}
		var ids []string
		for _, item := range list {
			if item.ID != "" {
				ids = append(ids, item.ID.String())
			}
		}
		return ids, nil
	}
	if floor, ok := obj["floor_window_id"]; ok {
		return []string{string(floor)}, nil
	}
	if ops, ok := obj["operators"]; ok {
		var list []int
		if err := json.Unmarshal(ops, &list); err != nil {
			return nil, err
		}
		var ids []string
		for _, op := range list {
			ids = append(ids, strconv.Itoa(op))
		}
		return ids, nil
	}
	var plan map[string][]int
	if err := json.Unmarshal(resp, &plan); err != nil {
		return nil, errors.New("response has no ids")
	}
	var ids []int
	for k := range plan {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, errors.New("response has no ids")
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var out []string
	for _, id := range ids {
		out = append(out, strconv.Itoa(id))
	}
	return out, nil
}
