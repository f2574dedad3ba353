// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nimbushpc/slurmscale/lib/scaler"
	"github.com/sirupsen/logrus"
)

// A Reader polls sinfo and converts node power-state flags into the
// scheduler snapshot the reconciler consumes. Slurm marks power
// intent with single-character suffixes on the node state: "#" while
// a node is expected to power up, "%" while it is expected to power
// down, "~" once it is powered down, and "*" while it is not
// responding.
type Reader struct {
	logger       logrus.FieldLogger
	cli          CLI
	pollInterval time.Duration

	mtx      sync.Mutex
	snapshot scaler.SchedulerState
	err      error
	have     bool

	startOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewReader returns a Reader polling via the given CLI.
func NewReader(logger logrus.FieldLogger, cli CLI, pollInterval time.Duration) *Reader {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Reader{
		logger:       logger,
		cli:          cli,
		pollInterval: pollInterval,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Start begins background polling. Start can be called multiple times
// with no ill effect.
func (rdr *Reader) Start() {
	rdr.startOnce.Do(func() {
		go rdr.poll()
	})
}

// Close stops the polling goroutine.
func (rdr *Reader) Close() {
	rdr.Start()
	close(rdr.done)
	<-rdr.stopped
}

// ReadState implements scaler.StateReader. It returns the latest
// snapshot, polling synchronously if none has been taken yet.
func (rdr *Reader) ReadState(ctx context.Context) (scaler.SchedulerState, error) {
	rdr.Start()
	rdr.mtx.Lock()
	have, err := rdr.have, rdr.err
	rdr.mtx.Unlock()
	if !have && err == nil {
		rdr.update(ctx)
	}
	rdr.mtx.Lock()
	defer rdr.mtx.Unlock()
	if !rdr.have {
		return scaler.SchedulerState{}, rdr.err
	}
	return rdr.snapshot, nil
}

func (rdr *Reader) poll() {
	defer close(rdr.stopped)
	ticker := time.NewTicker(rdr.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rdr.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rdr.pollInterval)
			rdr.update(ctx)
			cancel()
		}
	}
}

func (rdr *Reader) update(ctx context.Context) {
	out, err := rdr.cli.Sinfo(ctx, "--noheader", "--Node", "--format=%N %T")
	rdr.mtx.Lock()
	defer rdr.mtx.Unlock()
	if err != nil {
		rdr.logger.WithError(err).Warn("sinfo failed")
		rdr.err = err
		return
	}
	rdr.snapshot = parseSinfo(out)
	rdr.err = nil
	rdr.have = true
}

// parseSinfo converts "--Node --format=%N %T" output into a
// SchedulerState.
func parseSinfo(out []byte) scaler.SchedulerState {
	state := scaler.SchedulerState{
		ResumeRequests:  map[string]bool{},
		SuspendRequests: map[string]bool{},
		AliveNodes:      map[string]bool{},
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		name, nodeState := fields[0], fields[1]
		base := strings.TrimRight(nodeState, "~#%*!@$+-")
		flags := nodeState[len(base):]
		switch {
		case strings.ContainsAny(flags, "#"):
			state.ResumeRequests[name] = true
		case strings.ContainsAny(flags, "%"):
			state.SuspendRequests[name] = true
		case strings.ContainsAny(flags, "~"):
			// Powered down, nothing wanted.
		case strings.ContainsAny(flags, "*") || strings.HasPrefix(base, "down") || strings.HasPrefix(base, "unknown"):
			// Not responding.
		default:
			state.AliveNodes[name] = true
		}
	}
	return state
}
