// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"fmt"

	"github.com/nimbushpc/slurmscale/lib/cloud"
	"github.com/nimbushpc/slurmscale/lib/cloud/azure"
	"github.com/nimbushpc/slurmscale/lib/cloud/ec2"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/sirupsen/logrus"
)

// Drivers is the set of cloud drivers the service can be configured
// to use.
var Drivers = map[string]cloud.Driver{
	"azure": azure.Driver,
	"ec2":   ec2.Driver,
}

func newGateway(cluster *config.Cluster, logger logrus.FieldLogger) (cloud.InstanceGateway, error) {
	driver, ok := Drivers[cluster.CloudVMs.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", cluster.CloudVMs.Driver)
	}
	return driver.InstanceGateway(cluster.CloudVMs.DriverParameters, cluster.Name, logger)
}
