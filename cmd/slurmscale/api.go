// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/nimbushpc/slurmscale/lib/cmd"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/slurm"
	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
)

// apiCommand returns a cmd.Handler that calls the autoscaler's
// management API. POST endpoints take a Slurm hostlist expression as
// their positional argument, so "slurmscale resume" and "slurmscale
// suspend" can be installed directly as the cluster's ResumeProgram
// and SuspendProgram.
func apiCommand(method, path string) cmd.Handler {
	return cmd.RunFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		logger := ctxlog.New(stderr, "text", "info")
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		loader := config.NewLoader(stdin, logger)
		loader.SetupFlags(flags)
		baseURL := flags.String("url", "", "Management API base `URL` (default: derived from the Service.Listen config entry)")
		positional := ""
		if method == "POST" {
			positional = "hostlist"
		}
		if ok, code := cmd.ParseFlags(flags, prog, args, positional, stderr); !ok {
			return code
		}
		cluster, err := loader.Load()
		if err != nil {
			logger.WithError(err).Error("error loading config")
			return 1
		}
		if *baseURL == "" {
			listen := cluster.Service.Listen
			if strings.HasPrefix(listen, ":") {
				listen = "localhost" + listen
			}
			*baseURL = "http://" + listen
		}
		token := cluster.ManagementToken
		if t := os.Getenv("SLURMSCALE_MANAGEMENT_TOKEN"); t != "" {
			token = t
		}

		var body io.Reader
		if method == "POST" {
			if flags.NArg() != 1 {
				fmt.Fprintf(stderr, "usage: %s [options] hostlist\n", prog)
				return 2
			}
			names, err := slurm.ExpandHostlist(flags.Arg(0))
			if err != nil {
				logger.WithError(err).Error("error parsing hostlist")
				return 2
			}
			body = strings.NewReader(url.Values{"names": {strings.Join(names, ",")}}.Encode())
		}
		req, err := http.NewRequest(method, *baseURL+path, body)
		if err != nil {
			logger.WithError(err).Error("error building request")
			return 1
		}
		if method == "POST" {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			logger.WithError(err).Error("request failed")
			return 1
		}
		defer resp.Body.Close()
		io.Copy(stdout, resp.Body)
		if resp.StatusCode >= 300 {
			logger.WithField("Status", resp.Status).Error("request failed")
			return 1
		}
		return 0
	})
}
