// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"io"

	"github.com/nimbushpc/slurmscale/lib/cmd"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
)

// confCommand returns a cmd.Handler that loads the site config and
// writes the corresponding generated Slurm config file to stdout.
func confCommand(write func(io.Writer, *config.Cluster) error) cmd.Handler {
	return cmd.RunFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		logger := ctxlog.New(stderr, "text", "info")
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		loader := config.NewLoader(stdin, logger)
		loader.SetupFlags(flags)
		if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
			return code
		}
		cluster, err := loader.Load()
		if err != nil {
			logger.WithError(err).Error("error loading config")
			return 1
		}
		err = write(stdout, cluster)
		if err != nil {
			logger.WithError(err).Error("error writing config file")
			return 1
		}
		return 0
	})
}
