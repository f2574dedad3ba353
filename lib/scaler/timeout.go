// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"time"

	"github.com/nimbushpc/slurmscale/lib/registry"
)

// TimeoutPolicy decides when a node has spent too long in a
// transitional state. It is a pure value: all inputs arrive as
// arguments, so callers (and tests) control the clock.
type TimeoutPolicy struct {
	ResumeTimeout  time.Duration
	SuspendTimeout time.Duration
}

// Deadline returns the time at which the given record expires, and
// ok==true, if its state is subject to a timeout. States that can
// persist indefinitely (Off, Running, Failed, ...) return ok==false.
func (p TimeoutPolicy) Deadline(rec registry.NodeRecord) (time.Time, bool) {
	switch rec.State {
	case registry.StateResumeRequested, registry.StateBooting:
		return rec.StateEnteredAt.Add(p.ResumeTimeout), true
	case registry.StateSuspendRequested, registry.StateStopping:
		return rec.StateEnteredAt.Add(p.SuspendTimeout), true
	default:
		return time.Time{}, false
	}
}

// Expired reports whether the record's state timeout has elapsed at
// the given instant. A record exactly at its deadline has not
// expired.
func (p TimeoutPolicy) Expired(rec registry.NodeRecord, now time.Time) bool {
	deadline, ok := p.Deadline(rec)
	return ok && now.After(deadline)
}
