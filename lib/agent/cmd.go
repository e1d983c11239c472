// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dario.cat/mergo"
	"git.arvados.org/stram.git/lib/cmd"
	"git.arvados.org/stram.git/lib/config"
	"git.arvados.org/stram.git/lib/stram/checkpoint"
	"git.arvados.org/stram.git/sdk/go/ctxlog"
	"git.arvados.org/stram.git/sdk/go/stram"
	"github.com/sirupsen/logrus"
)

// Command runs a container agent until the coordinator tells it to
// shut down.
var Command cmd.Handler = command{}

type command struct{}

// options are the agent settings that can come from either the
// command line or the cluster config. Command line values win.
type options struct {
	APIHost     string
	AuthToken   string
	Insecure    bool
	ContainerID string
	Interval    time.Duration
	Memory      stram.ByteSize
	Checkpoints bool
}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "json", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	var opts options
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	flags.StringVar(&opts.APIHost, "coordinator", os.Getenv("STRAM_API_HOST"), "Coordinator `URL` (default Services.Coordinator.ExternalURL)")
	flags.StringVar(&opts.AuthToken, "token", os.Getenv("STRAM_API_TOKEN"), "Heartbeat `token` (default SystemRootToken)")
	flags.BoolVar(&opts.Insecure, "insecure", false, "Accept unverified TLS certificates")
	flags.StringVar(&opts.ContainerID, "container-id", os.Getenv("STRAM_CONTAINER_ID"), "External `id` assigned to this container by the resource layer")
	flags.DurationVar(&opts.Interval, "interval", 0, "Heartbeat `interval` (default Heartbeat.Interval)")
	flags.Var(&opts.Memory, "memory", "Memory `size` to report (default Containers.DefaultMemory)")
	flags.BoolVar(&opts.Checkpoints, "save-checkpoints", false, "Save checkpoints to the Checkpoints.S3 bucket")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	explicitConfig := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})

	var cluster *stram.Cluster
	cfg, err := loader.Load()
	if errors.Is(err, fs.ErrNotExist) && !explicitConfig {
		logger.WithField("Path", loader.Path).Debug("no config file, using command line options only")
		cluster, err = &stram.Cluster{}, nil
	} else if err != nil {
		return 1
	} else if cluster, err = cfg.GetCluster(""); err != nil {
		return 1
	} else {
		logger = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	}

	if err = mergo.Merge(&opts, clusterOptions(cluster)); err != nil {
		return 1
	}
	if opts.APIHost == "" {
		err = errors.New("no coordinator URL given, and none in cluster config")
		return 2
	}
	if opts.ContainerID == "" {
		err = errors.New("-container-id is required")
		return 2
	}

	a := &Agent{
		Client: &stram.Client{
			APIHost:   opts.APIHost,
			AuthToken: opts.AuthToken,
			Insecure:  opts.Insecure,
			Logger:    logger,
		},
		ContainerID: opts.ContainerID,
		Interval:    opts.Interval,
		Memory:      opts.Memory,
		Logger:      logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.Checkpoints {
		a.Store, err = checkpoint.NewS3Store(ctx, cluster.Checkpoints.S3, logger)
		if err != nil {
			return 1
		}
	}
	logger.WithFields(logrus.Fields{
		"ContainerID": opts.ContainerID,
		"Coordinator": opts.APIHost,
		"Interval":    opts.Interval,
	}).Info("starting container agent")
	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return 1
	}
	return 0
}

// clusterOptions returns the agent settings implied by the cluster
// config.
func clusterOptions(cluster *stram.Cluster) options {
	return options{
		APIHost:   cluster.Services.Coordinator.APIHost(),
		AuthToken: cluster.SystemRootToken,
		Interval:  cluster.Heartbeat.Interval.Duration(),
		Memory:    cluster.Containers.DefaultMemory,
	}
}
