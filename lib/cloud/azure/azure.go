// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package azure provides the Azure implementation of the
// cloud.InstanceGateway interface. Each node is backed by one virtual
// machine named after the node, plus a dedicated NIC.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/nimbushpc/slurmscale/lib/cloud"
	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/sirupsen/logrus"
)

const (
	tagCluster  = "slurmscale-cluster"
	tagNodeName = "slurmscale-node"
)

// Driver is the azure implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newAzureGateway)

type azureGatewayConfig struct {
	SubscriptionID       string
	ClientID             string
	ClientSecret         string
	TenantID             string
	CloudEnvironment     string
	ResourceGroup        string
	Location             string
	Network              string
	NetworkResourceGroup string
	Subnet               string
	ImageID              string
	AdminUsername        string
	AdminPublicKey       string
}

type azureGateway struct {
	conf        azureGatewayConfig
	clusterName string
	logger      logrus.FieldLogger
	vmClient    compute.VirtualMachinesClient
	netClient   network.InterfacesClient
}

func newAzureGateway(config json.RawMessage, clusterName string, logger logrus.FieldLogger) (cloud.InstanceGateway, error) {
	gw := &azureGateway{
		clusterName: clusterName,
		logger:      logger,
	}
	if err := json.Unmarshal(config, &gw.conf); err != nil {
		return nil, err
	}
	if gw.conf.CloudEnvironment == "" {
		gw.conf.CloudEnvironment = "AzurePublicCloud"
	}
	if gw.conf.NetworkResourceGroup == "" {
		gw.conf.NetworkResourceGroup = gw.conf.ResourceGroup
	}
	env, err := azure.EnvironmentFromName(gw.conf.CloudEnvironment)
	if err != nil {
		return nil, err
	}
	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     gw.conf.ClientID,
		ClientSecret: gw.conf.ClientSecret,
		TenantID:     gw.conf.TenantID,
		Resource:     env.ResourceManagerEndpoint,
		AADEndpoint:  env.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return nil, err
	}
	gw.vmClient = compute.NewVirtualMachinesClient(gw.conf.SubscriptionID)
	gw.vmClient.Authorizer = authorizer
	gw.netClient = network.NewInterfacesClient(gw.conf.SubscriptionID)
	gw.netClient.Authorizer = authorizer
	return gw, nil
}

func (gw *azureGateway) tags(name string) map[string]*string {
	return map[string]*string{
		tagCluster:  to.StringPtr(gw.clusterName),
		tagNodeName: to.StringPtr(name),
	}
}

// CreateInstances implements cloud.InstanceGateway. The instance ID
// of an Azure-backed node is its VM name.
func (gw *azureGateway) CreateInstances(ctx context.Context, specs []cloud.InstanceSpec) (map[string]cloud.CreateResult, error) {
	results := map[string]cloud.CreateResult{}
	for i, spec := range specs {
		err := gw.createVM(ctx, spec)
		if err != nil {
			err = wrapAzureError(err)
			switch err.(type) {
			case cloud.RateLimitError, cloud.QuotaError:
				if i == 0 {
					return nil, err
				}
				return results, nil
			}
			results[spec.Name] = cloud.CreateResult{Err: &cloud.ProvisionError{Name: spec.Name, Cause: err}}
			continue
		}
		results[spec.Name] = cloud.CreateResult{ID: cloud.InstanceID(spec.Name)}
	}
	return results, nil
}

func (gw *azureGateway) createVM(ctx context.Context, spec cloud.InstanceSpec) error {
	subnetID := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/virtualNetworks/%s/subnets/%s",
		gw.conf.SubscriptionID, gw.conf.NetworkResourceGroup, gw.conf.Network, gw.conf.Subnet)
	nicFuture, err := gw.netClient.CreateOrUpdate(ctx, gw.conf.ResourceGroup, spec.Name+"-nic", network.Interface{
		Location: to.StringPtr(gw.conf.Location),
		Tags:     gw.tags(spec.Name),
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{{
				Name: to.StringPtr("ip0"),
				InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &network.Subnet{ID: to.StringPtr(subnetID)},
					PrivateIPAllocationMethod: network.Dynamic,
				},
			}},
		},
	})
	if err != nil {
		return err
	}
	if err = nicFuture.WaitForCompletionRef(ctx, gw.netClient.Client); err != nil {
		return err
	}
	nic, err := nicFuture.Result(gw.netClient)
	if err != nil {
		return err
	}

	vmFuture, err := gw.vmClient.CreateOrUpdate(ctx, gw.conf.ResourceGroup, spec.Name, compute.VirtualMachine{
		Location: to.StringPtr(gw.conf.Location),
		Tags:     gw.tags(spec.Name),
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{
				VMSize: compute.VirtualMachineSizeTypes(spec.MachineType),
			},
			StorageProfile: &compute.StorageProfile{
				ImageReference: &compute.ImageReference{
					ID: to.StringPtr(gw.conf.ImageID),
				},
				OsDisk: &compute.OSDisk{
					CreateOption: compute.DiskCreateOptionTypesFromImage,
				},
			},
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{{
					ID: nic.ID,
					NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
						Primary: to.BoolPtr(true),
					},
				}},
			},
			OsProfile: &compute.OSProfile{
				ComputerName:  to.StringPtr(spec.Name),
				AdminUsername: to.StringPtr(gw.conf.AdminUsername),
				LinuxConfiguration: &compute.LinuxConfiguration{
					DisablePasswordAuthentication: to.BoolPtr(true),
					SSH: &compute.SSHConfiguration{
						PublicKeys: &[]compute.SSHPublicKey{{
							Path:    to.StringPtr("/home/" + gw.conf.AdminUsername + "/.ssh/authorized_keys"),
							KeyData: to.StringPtr(gw.conf.AdminPublicKey),
						}},
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}
	if err = vmFuture.WaitForCompletionRef(ctx, gw.vmClient.Client); err != nil {
		return err
	}
	_, err = vmFuture.Result(gw.vmClient)
	return err
}

// TerminateInstances implements cloud.InstanceGateway. Deleting a VM
// that no longer exists is a successful no-op; the NIC is removed
// best effort afterwards.
func (gw *azureGateway) TerminateInstances(ctx context.Context, ids []cloud.InstanceID) (map[cloud.InstanceID]error, error) {
	results := map[cloud.InstanceID]error{}
	for _, id := range ids {
		results[id] = wrapAzureError(gw.deleteVM(ctx, string(id)))
	}
	return results, nil
}

func (gw *azureGateway) deleteVM(ctx context.Context, name string) error {
	future, err := gw.vmClient.Delete(ctx, gw.conf.ResourceGroup, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil
		}
		return err
	}
	if err = future.WaitForCompletionRef(ctx, gw.vmClient.Client); err != nil && !isAzureNotFound(err) {
		return err
	}
	nicFuture, err := gw.netClient.Delete(ctx, gw.conf.ResourceGroup, name+"-nic")
	if err != nil {
		if !isAzureNotFound(err) {
			gw.logger.WithError(err).WithField("Instance", name).Warn("error deleting NIC")
		}
		return nil
	}
	if err = nicFuture.WaitForCompletionRef(ctx, gw.netClient.Client); err != nil && !isAzureNotFound(err) {
		gw.logger.WithError(err).WithField("Instance", name).Warn("error deleting NIC")
	}
	return nil
}

// QueryStatus implements cloud.InstanceGateway.
func (gw *azureGateway) QueryStatus(ctx context.Context, ids []cloud.InstanceID) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	results := map[cloud.InstanceID]cloud.InstanceStatus{}
	for _, id := range ids {
		vm, err := gw.vmClient.Get(ctx, gw.conf.ResourceGroup, string(id), compute.InstanceView)
		if err != nil {
			if isAzureNotFound(err) {
				results[id] = cloud.StatusUnknown
				continue
			}
			return nil, wrapAzureError(err)
		}
		if vm.Tags[tagCluster] == nil || *vm.Tags[tagCluster] != gw.clusterName {
			results[id] = cloud.StatusUnknown
			continue
		}
		results[id] = vmStatus(vm)
	}
	return results, nil
}

func vmStatus(vm compute.VirtualMachine) cloud.InstanceStatus {
	if vm.VirtualMachineProperties == nil || vm.InstanceView == nil || vm.InstanceView.Statuses == nil {
		return cloud.StatusPending
	}
	for _, st := range *vm.InstanceView.Statuses {
		switch to.String(st.Code) {
		case "PowerState/running":
			return cloud.StatusRunning
		case "PowerState/deallocated", "PowerState/stopped":
			return cloud.StatusTerminated
		}
	}
	return cloud.StatusPending
}

// Stop implements cloud.InstanceGateway.
func (gw *azureGateway) Stop() {}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return false
	}
	return de.StatusCode == http.StatusNotFound
}

func wrapAzureError(err error) error {
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return err
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok {
		return err
	}
	if rq.Response == nil {
		return err
	}
	if rq.Response.StatusCode == 429 || len(rq.Response.Header["Retry-After"]) >= 1 {
		// API throttling. A 429 is not required to carry a
		// Retry-After header; without one, retry in 20
		// seconds.
		earliestRetry := time.Now().Add(20 * time.Second)
		if h := rq.Response.Header["Retry-After"]; len(h) > 0 {
			ra := h[0]
			if t, parseErr := http.ParseTime(ra); parseErr == nil {
				earliestRetry = t
			} else if dur, parseErr := strconv.ParseInt(ra, 10, 64); parseErr == nil {
				// Not a timestamp, must be number of seconds
				earliestRetry = time.Now().Add(time.Duration(dur) * time.Second)
			}
		}
		return &azureRateLimitError{*rq, earliestRetry}
	}
	if rq.ServiceError == nil {
		return err
	}
	if quotaRe.FindString(rq.ServiceError.Code) != "" || quotaRe.FindString(rq.ServiceError.Message) != "" {
		return &azureQuotaError{*rq}
	}
	return err
}
