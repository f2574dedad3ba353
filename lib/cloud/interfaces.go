// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud abstracts the provisioning API of an elastic cloud
// provider like AWS, GCE, or Azure.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by an InstanceGateway when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceGateway when the
// cloud service indicates the account cannot create more VMs than
// already exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// InstanceID is a cloud provider's unique identifier for a VM
// instance.
type InstanceID string

// InstanceTags are provider-level key/value metadata attached to each
// created instance.
type InstanceTags map[string]string

// InstanceStatus is the provider's view of an instance's lifecycle.
type InstanceStatus string

const (
	// StatusPending means the instance exists but is not yet
	// running.
	StatusPending InstanceStatus = "pending"
	// StatusRunning means the instance is up.
	StatusRunning InstanceStatus = "running"
	// StatusTerminated means the instance is gone or shutting
	// down irreversibly.
	StatusTerminated InstanceStatus = "terminated"
	// StatusUnknown means the provider could not report a state
	// for the queried ID. Callers must not treat this as
	// Terminated: provider APIs are eventually consistent and a
	// just-created instance can be Unknown for a poll interval.
	StatusUnknown InstanceStatus = "unknown"
)

// An InstanceSpec names one instance to create and the provider
// machine type backing it.
type InstanceSpec struct {
	// Logical node name; also used as the instance's hostname
	// tag.
	Name string
	// Provider SKU, e.g., "m5.large" or "Standard_D2s_v3".
	MachineType string
}

// A CreateResult reports the outcome of creating one named instance
// in a batch. Exactly one of ID and Err is meaningful.
type CreateResult struct {
	ID  InstanceID
	Err error
}

// A ProvisionError is a per-name/per-ID failure inside an otherwise
// successful batch call.
type ProvisionError struct {
	Name  string
	Cause error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s: %s", e.Name, e.Cause)
}

func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// An InstanceGateway manages the set of VM instances backing one
// cluster's compute nodes.
//
// All methods are goroutine safe. Batch methods return per-item
// results: a non-nil top-level error means the whole call failed
// (e.g., rate limited) and no per-item conclusions may be drawn.
type InstanceGateway interface {
	// Create the named instances. Partial success is normal: the
	// returned map has an entry for every requested name, each
	// carrying either an instance ID or a per-name error.
	//
	// The top-level error should implement RateLimitError and
	// QuotaError where applicable.
	CreateInstances(ctx context.Context, specs []InstanceSpec) (map[string]CreateResult, error)

	// Terminate the given instances. Idempotent: terminating an
	// already-terminated (or never-seen) ID is a successful
	// no-op, reported as a nil entry in the result map.
	TerminateInstances(ctx context.Context, ids []InstanceID) (map[InstanceID]error, error)

	// Report current status for the given instances. IDs the
	// provider has no record of are reported as StatusUnknown,
	// except IDs the provider positively remembers terminating,
	// which are StatusTerminated.
	QueryStatus(ctx context.Context, ids []InstanceID) (map[InstanceID]InstanceStatus, error)

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns an InstanceGateway configured by the given opaque
// parameters, scoped to the given cluster name.
//
// The returned gateway must tag every instance it creates with the
// cluster name, and must not touch instances carrying a different or
// missing cluster tag: two scalers for different clusters in the same
// cloud account must not interfere.
type Driver interface {
	InstanceGateway(params json.RawMessage, clusterName string, logger logrus.FieldLogger) (InstanceGateway, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceGateway method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(params json.RawMessage, clusterName string, logger logrus.FieldLogger) (InstanceGateway, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(params json.RawMessage, clusterName string, logger logrus.FieldLogger) (InstanceGateway, error)

func (df driverFunc) InstanceGateway(params json.RawMessage, clusterName string, logger logrus.FieldLogger) (InstanceGateway, error) {
	return df(params, clusterName, logger)
}
