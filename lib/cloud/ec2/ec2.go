// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 provides the AWS implementation of the
// cloud.InstanceGateway interface.
package ec2

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nimbushpc/slurmscale/lib/cloud"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const (
	tagCluster  = "slurmscale-cluster"
	tagNodeName = "slurmscale-node"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2Gateway)

type ec2GatewayConfig struct {
	AccessKeyID        string
	SecretAccessKey    string
	Region             string
	SecurityGroupID    string
	SubnetID           string
	ImageID            string
	KeyPairName        string
	IAMInstanceProfile string
}

type ec2Gateway struct {
	conf        ec2GatewayConfig
	clusterName string
	logger      logrus.FieldLogger
	client      *awsec2.Client
}

func newEC2Gateway(config json.RawMessage, clusterName string, logger logrus.FieldLogger) (cloud.InstanceGateway, error) {
	gw := &ec2Gateway{
		clusterName: clusterName,
		logger:      logger,
	}
	if err := json.Unmarshal(config, &gw.conf); err != nil {
		return nil, err
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(gw.conf.Region),
	}
	if gw.conf.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(gw.conf.AccessKeyID, gw.conf.SecretAccessKey, "")))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	gw.client = awsec2.NewFromConfig(awscfg)
	return gw, nil
}

// CreateInstances implements cloud.InstanceGateway. One RunInstances
// call is made per name so each instance carries its own hostname
// tag; rate-limit and quota errors abort the rest of the batch and
// surface as the top-level error.
func (gw *ec2Gateway) CreateInstances(ctx context.Context, specs []cloud.InstanceSpec) (map[string]cloud.CreateResult, error) {
	results := map[string]cloud.CreateResult{}
	for i, spec := range specs {
		id, err := gw.runInstance(ctx, spec)
		if err != nil {
			err = wrapError(err)
			var rle cloud.RateLimitError
			var qe cloud.QuotaError
			if errors.As(err, &rle) || errors.As(err, &qe) {
				if i == 0 {
					return nil, err
				}
				// Partial batch: report what
				// succeeded, leave the rest unanswered
				// for the next pass.
				return results, nil
			}
			results[spec.Name] = cloud.CreateResult{Err: &cloud.ProvisionError{Name: spec.Name, Cause: err}}
			continue
		}
		results[spec.Name] = cloud.CreateResult{ID: id}
	}
	return results, nil
}

func (gw *ec2Gateway) runInstance(ctx context.Context, spec cloud.InstanceSpec) (cloud.InstanceID, error) {
	input := &awsec2.RunInstancesInput{
		MaxCount:     aws.Int32(1),
		MinCount:     aws.Int32(1),
		ImageId:      aws.String(gw.conf.ImageID),
		InstanceType: ec2types.InstanceType(spec.MachineType),
		NetworkInterfaces: []ec2types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   []string{gw.conf.SecurityGroupID},
			SubnetId:                 aws.String(gw.conf.SubnetID),
		}},
		InstanceInitiatedShutdownBehavior: ec2types.ShutdownBehaviorTerminate,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(tagCluster), Value: aws.String(gw.clusterName)},
				{Key: aws.String(tagNodeName), Value: aws.String(spec.Name)},
				{Key: aws.String("Name"), Value: aws.String(spec.Name)},
			},
		}},
	}
	if gw.conf.KeyPairName != "" {
		input.KeyName = aws.String(gw.conf.KeyPairName)
	}
	if gw.conf.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(gw.conf.IAMInstanceProfile),
		}
	}
	out, err := gw.client.RunInstances(ctx, input)
	if err != nil {
		return "", err
	}
	if len(out.Instances) == 0 {
		return "", errors.New("RunInstances returned no instances")
	}
	return cloud.InstanceID(aws.ToString(out.Instances[0].InstanceId)), nil
}

// TerminateInstances implements cloud.InstanceGateway. IDs EC2 no
// longer knows terminate successfully as no-ops.
func (gw *ec2Gateway) TerminateInstances(ctx context.Context, ids []cloud.InstanceID) (map[cloud.InstanceID]error, error) {
	results := map[cloud.InstanceID]error{}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	_, err := gw.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
		InstanceIds: strIDs,
	})
	if err == nil {
		for _, id := range ids {
			results[id] = nil
		}
		return results, nil
	}
	if !isNotFound(err) {
		return nil, wrapError(err)
	}
	// At least one ID is unknown, which fails the whole call;
	// retry one at a time so known instances still terminate.
	for _, id := range ids {
		_, err := gw.client.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{
			InstanceIds: []string{string(id)},
		})
		if err != nil && !isNotFound(err) {
			results[id] = wrapError(err)
			continue
		}
		results[id] = nil
	}
	return results, nil
}

// QueryStatus implements cloud.InstanceGateway.
func (gw *ec2Gateway) QueryStatus(ctx context.Context, ids []cloud.InstanceID) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	results := map[cloud.InstanceID]cloud.InstanceStatus{}
	for _, id := range ids {
		results[id] = cloud.StatusUnknown
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	paginator := awsec2.NewDescribeInstancesPaginator(gw.client, &awsec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("instance-id"), Values: strIDs},
			{Name: aws.String("tag:" + tagCluster), Values: []string{gw.clusterName}},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range page.Reservations {
			for _, inst := range rsv.Instances {
				id := cloud.InstanceID(aws.ToString(inst.InstanceId))
				if inst.State == nil {
					continue
				}
				switch inst.State.Name {
				case ec2types.InstanceStateNamePending:
					results[id] = cloud.StatusPending
				case ec2types.InstanceStateNameRunning:
					results[id] = cloud.StatusRunning
				default:
					results[id] = cloud.StatusTerminated
				}
			}
		}
	}
	return results, nil
}

// Stop implements cloud.InstanceGateway.
func (gw *ec2Gateway) Stop() {}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type quotaError struct {
	error
}

func (err quotaError) IsQuotaError() bool {
	return true
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound"
}

func wrapError(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded":
		return rateLimitError{error: err, earliestRetry: time.Now().Add(10 * time.Second)}
	case "InstanceLimitExceeded", "VcpuLimitExceeded", "MaxSpotInstanceCountExceeded":
		return quotaError{error: err}
	}
	return err
}
