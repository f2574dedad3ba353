// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm reads the Slurm control daemon's view of the cluster:
// which nodes it wants powered up or down, and which ones are
// responding.
package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// A CLI runs Slurm's command-line tools. Command output is returned
// untrimmed; callers parse it.
type CLI interface {
	Sinfo(ctx context.Context, args ...string) ([]byte, error)
	Scontrol(ctx context.Context, args ...string) ([]byte, error)
}

type slurmCLI struct {
	runSemaphore chan bool
}

// NewCLI returns a CLI that shells out to sinfo/scontrol, with at
// most 3 commands in flight at once.
func NewCLI() CLI {
	return &slurmCLI{
		runSemaphore: make(chan bool, 3),
	}
}

func (scli *slurmCLI) Sinfo(ctx context.Context, args ...string) ([]byte, error) {
	return scli.run(ctx, "sinfo", args)
}

func (scli *slurmCLI) Scontrol(ctx context.Context, args ...string) ([]byte, error) {
	return scli.run(ctx, "scontrol", args)
}

func (scli *slurmCLI) run(ctx context.Context, prog string, args []string) ([]byte, error) {
	select {
	case scli.runSemaphore <- true:
		defer func() { <-scli.runSemaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	cmd := exec.CommandContext(ctx, prog, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %s (%q)", prog, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
