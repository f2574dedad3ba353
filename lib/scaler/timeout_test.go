// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"time"

	"github.com/nimbushpc/slurmscale/lib/registry"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TimeoutSuite{})

type TimeoutSuite struct{}

func (s *TimeoutSuite) TestExpiry(c *check.C) {
	policy := TimeoutPolicy{
		ResumeTimeout:  1800 * time.Second,
		SuspendTimeout: 600 * time.Second,
	}
	t0 := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	for _, trial := range []struct {
		state   registry.State
		elapsed time.Duration
		expired bool
	}{
		{registry.StateResumeRequested, 1799 * time.Second, false},
		{registry.StateResumeRequested, 1801 * time.Second, true},
		{registry.StateBooting, 0, false},
		{registry.StateBooting, 1799 * time.Second, false},
		{registry.StateBooting, 1800 * time.Second, false},
		{registry.StateBooting, 1801 * time.Second, true},
		{registry.StateSuspendRequested, 601 * time.Second, true},
		{registry.StateStopping, 599 * time.Second, false},
		{registry.StateStopping, 601 * time.Second, true},
		{registry.StateOff, 24 * time.Hour, false},
		{registry.StateRunning, 24 * time.Hour, false},
		{registry.StateFailed, 24 * time.Hour, false},
	} {
		rec := registry.NodeRecord{Name: "hpc-001", State: trial.state, StateEnteredAt: t0}
		c.Check(policy.Expired(rec, t0.Add(trial.elapsed)), check.Equals, trial.expired,
			check.Commentf("state %s elapsed %s", trial.state, trial.elapsed))
	}
}

func (s *TimeoutSuite) TestDeadline(c *check.C) {
	policy := TimeoutPolicy{ResumeTimeout: time.Hour, SuspendTimeout: time.Minute}
	t0 := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)

	deadline, ok := policy.Deadline(registry.NodeRecord{State: registry.StateBooting, StateEnteredAt: t0})
	c.Check(ok, check.Equals, true)
	c.Check(deadline, check.Equals, t0.Add(time.Hour))

	deadline, ok = policy.Deadline(registry.NodeRecord{State: registry.StateStopping, StateEnteredAt: t0})
	c.Check(ok, check.Equals, true)
	c.Check(deadline, check.Equals, t0.Add(time.Minute))

	_, ok = policy.Deadline(registry.NodeRecord{State: registry.StateRunning, StateEnteredAt: t0})
	c.Check(ok, check.Equals, false)
}
