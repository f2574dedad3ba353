// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML is the configuration that applies before the site
// configuration file is overlaid.
var DefaultYAML = []byte(`# Do not use this file for site configuration. Create
# /etc/slurmscale/config.yml instead.

Cluster:
  Name: ""

  # Token to be included in management API and healthcheck
  # requests. Disabled by default. The server expects a request
  # header of the form "Authorization: Bearer xxx".
  ManagementToken: ""

  SystemLogs:
    LogLevel: info
    Format: json

  Service:
    Listen: ":9400"

  NodeRegistry:
    Driver: postgres
    Connection:
      host: localhost
      dbname: slurmscale
      user: slurmscale
      password: ""
      sslmode: prefer

  CloudVMs:
    Driver: ""
    DriverParameters: {}

    # A node requested to power up must report Running within
    # ResumeTimeout, and a node requested to power down must report
    # Terminated within SuspendTimeout, or it is declared failed.
    ResumeTimeout: 1800s
    SuspendTimeout: 600s

    TickInterval: 10s

    MaxRetryAttempts: 3
    MaxCreateBatch: 100

  Slurm:
    PollInterval: 15s

  Accounting:
    URL: ""
    Username: ""
    Password: ""

  Platform:
    Family: debian

  Partitions: {}
`)
