// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"os"

	"github.com/nimbushpc/slurmscale/lib/cmd"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/scaler"
	"github.com/nimbushpc/slurmscale/lib/service"
	"github.com/nimbushpc/slurmscale/lib/slurm"
	"github.com/nimbushpc/slurmscale/lib/slurmconf"
	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"autoscaler": autoscalerCommand,

		"conf":     confCommand(slurmconf.WriteSlurmConf),
		"topology": confCommand(slurmconf.WriteTopology),
		"gres":     confCommand(slurmconf.WriteGresConf),

		"nodes":   apiCommand("GET", "/slurmscale/v1/nodes"),
		"resume":  apiCommand("POST", "/slurmscale/v1/nodes/resume"),
		"suspend": apiCommand("POST", "/slurmscale/v1/nodes/suspend"),
		"fail":    apiCommand("POST", "/slurmscale/v1/nodes/fail"),
	})

	autoscalerCommand = service.Command("autoscaler", func(ctx context.Context, cluster *config.Cluster, reg *prometheus.Registry) service.Handler {
		sc := &scaler.Scaler{
			Cluster:  cluster,
			Context:  ctx,
			Registry: reg,
		}
		sc.Reader = slurm.NewReader(ctxlog.FromContext(ctx), slurm.NewCLI(), cluster.Slurm.PollInterval.Duration())
		return sc
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
