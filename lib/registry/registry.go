// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package registry stores the durable record of every logical cluster
// node: its lifecycle state, the cloud instance backing it, and the
// bookkeeping the reconciler needs across restarts.
package registry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

// State is a node's position in the power-up/power-down lifecycle.
type State int

const (
	// StateOff: no cloud instance exists or should exist.
	StateOff State = iota
	// StateResumeRequested: the scheduler asked for the node;
	// recorded durably before any cloud call is made.
	StateResumeRequested
	// StateBooting: the cloud reported a created instance which
	// has not yet been seen Running.
	StateBooting
	// StateRunning: instance confirmed up.
	StateRunning
	// StateSuspendRequested: the scheduler asked to power the
	// node down; recorded durably before terminating.
	StateSuspendRequested
	// StateStopping: terminate has been issued; waiting for the
	// cloud to report Terminated.
	StateStopping
	// StateFailed: the last resume or suspend attempt did not
	// complete. Not terminal for the node, only for the attempt.
	StateFailed
)

var stateString = map[State]string{
	StateOff:              "off",
	StateResumeRequested:  "resume-requested",
	StateBooting:          "booting",
	StateRunning:          "running",
	StateSuspendRequested: "suspend-requested",
	StateStopping:         "stopping",
	StateFailed:           "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, str := range stateString {
		if str == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", text)
}

// Value implements driver.Valuer so State is stored as its string
// form.
func (s State) Value() (driver.Value, error) {
	return stateString[s], nil
}

// Scan implements sql.Scanner.
func (s *State) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into node state", value)
	}
}

// HasInstance reports whether a record in this state must carry a
// cloud instance ID.
func (s State) HasInstance() bool {
	return s == StateBooting || s == StateRunning || s == StateStopping
}

// A NodeRecord is the durable record for one logical node.
type NodeRecord struct {
	// Stable name the scheduler knows the node by.
	Name string `db:"name" json:"name"`

	State State `db:"state" json:"state"`

	// Set iff State.HasInstance().
	CloudInstanceID string `db:"cloud_instance_id" json:"cloud_instance_id,omitempty"`

	// When the record last changed state; basis for timeout
	// checks.
	StateEnteredAt time.Time `db:"state_entered_at" json:"state_entered_at"`

	// OS platform family label, e.g. "debian". Assigned when the
	// record is created, immutable afterwards.
	Platform string `db:"platform" json:"platform"`

	// Consecutive failed resume attempts. Reset on a successful
	// transition to Running.
	RetryCount int `db:"retry_count" json:"retry_count"`
}

// CheckInvariant returns an error if the record violates the
// instance-ID invariant.
func (rec NodeRecord) CheckInvariant() error {
	if rec.State.HasInstance() && rec.CloudInstanceID == "" {
		return fmt.Errorf("node %s: state %s requires a cloud instance ID", rec.Name, rec.State)
	}
	if !rec.State.HasInstance() && rec.CloudInstanceID != "" {
		return fmt.Errorf("node %s: state %s must not carry cloud instance ID %q", rec.Name, rec.State, rec.CloudInstanceID)
	}
	return nil
}

// ErrConflict is returned by Upsert when the caller's expected
// previous state no longer matches the stored record. The caller must
// re-read and retry.
var ErrConflict = errors.New("registry: stale state, re-read and retry")

// ErrNotFound is returned by Get for unknown node names.
var ErrNotFound = errors.New("registry: node not found")

// A Registry stores NodeRecords. All operations are atomic
// per-record.
//
// Upsert is a compare-and-set: it succeeds only if the stored record
// is currently in prevState (or does not exist, when prevState ==
// StateOff and the caller is creating the record). Concurrent writers
// therefore serialize per name; a lost race surfaces as ErrConflict
// rather than a silently dropped transition.
type Registry interface {
	Get(ctx context.Context, name string) (NodeRecord, error)
	Upsert(ctx context.Context, rec NodeRecord, prevState State) error
	List(ctx context.Context) ([]NodeRecord, error)
	Delete(ctx context.Context, name string) error
}
