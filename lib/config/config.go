// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the cluster configuration consumed by the
// autoscaler service and the admin CLI.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Cluster is the unmarshalled site configuration: one Slurm cluster,
// its cloud driver, and the services around them.
type Cluster struct {
	// Cluster name, used to tag cloud resources so concurrent
	// scalers for different clusters don't interfere.
	Name string

	// Token accepted by the management API and health endpoints.
	// Empty disables the management API.
	ManagementToken string

	SystemLogs struct {
		LogLevel string
		Format   string
	}

	Service struct {
		// Address for the management/metrics HTTP server,
		// e.g., ":9400".
		Listen string
	}

	// Node registry storage. Driver "postgres" uses Connection;
	// driver "memory" keeps records in process (single-node
	// deployments and tests).
	NodeRegistry struct {
		Driver     string
		Connection PostgreSQLConnection
	}

	CloudVMs struct {
		// Cloud driver name ("ec2", "azure", "stub") and its
		// opaque configuration.
		Driver           string
		DriverParameters json.RawMessage

		// How long a node may stay in ResumeRequested/Booting
		// before it is declared failed and its instance
		// reclaimed.
		ResumeTimeout Duration
		// How long a node may stay in
		// SuspendRequested/Stopping before it is flagged for
		// operator attention.
		SuspendTimeout Duration

		// Reconciler tick interval.
		TickInterval Duration

		// Consecutive failed resume attempts after which a
		// node is alerted as persistently failing instead of
		// retried.
		MaxRetryAttempts int

		// Upper bound on names per CreateInstances call.
		MaxCreateBatch int
	}

	Slurm struct {
		// How often the scheduler state snapshot is refreshed.
		PollInterval Duration
	}

	// Accounting endpoint for node lifecycle events. Events are
	// dropped (with a log message) if URL is empty.
	Accounting struct {
		URL      string
		Username string
		Password string
	}

	// OS platform family of the compute node image: "debian",
	// "redhat-legacy" or "redhat-modern". Selects the fixed
	// UID/GID pairs assigned to the slurm and munge accounts.
	Platform struct {
		Family string
	}

	Partitions map[string]Partition
}

// Partition describes one Slurm partition backed by a homogeneous
// cloud nodearray.
type Partition struct {
	// Prefix for generated node names; sanitized to valid
	// hostname characters.
	NodenamePrefix string

	// Cloud machine type (provider SKU) backing this partition.
	MachineType string

	MaxVMCount      int
	MaxScalesetSize int

	VCPUs     int
	PCPUs     int
	GPUs      int
	MemoryMiB int

	// Fraction of memory withheld from Slurm to cover OS/VM
	// overhead (0.05 = 5%).
	DampenMemory float64

	IsDefault bool

	// Tightly-coupled partition: nodes are chunked into placement
	// groups of MaxScalesetSize.
	IsHPC bool

	// Advertise physical cores to Slurm instead of vcpus.
	UsePCPU bool
}

// PostgreSQLConnection is a map of parameter name to value, rendered
// as a libpq connection string.
type PostgreSQLConnection map[string]string

// String returns the connection parameters in "k=v k=v ..." form,
// with deterministic ordering.
func (c PostgreSQLConnection) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		if v := c[k]; v != "" {
			if s != "" {
				s += " "
			}
			s += fmt.Sprintf("%s=%s", k, v)
		}
	}
	return s
}
