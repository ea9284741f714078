package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"spot-runner/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// capacityCodes are launch failures worth retrying later or elsewhere
var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InsufficientCapacity":         true,
	"SpotMaxPriceTooLow":           true,
	"MaxSpotInstanceCountExceeded": true,
	"Unsupported":                  true,
}

// launchError marks retryable RunInstances failures as capacity errors. A new
// instance profile is rejected as invalid until IAM has propagated it.
func launchError(err error) error {
	code := errorCode(err)
	if capacityCodes[code] || (code == "InvalidParameterValue" && strings.Contains(err.Error(), "iamInstanceProfile")) {
		return &models.CapacityError{Code: code, Err: err}
	}
	return fmt.Errorf("failed to run instance: %w", err)
}

// spotTerminationCode is the state reason of a reclaimed spot instance
const spotTerminationCode = "Server.SpotInstanceTermination"

// Launch starts one instance as described by req
func (c *Client) Launch(ctx context.Context, req models.LaunchRequest) (models.RemoteInstance, error) {
	tags := []types.Tag{
		{Key: aws.String(TagName), Value: aws.String(fmt.Sprintf("spotrun-%s", req.Project))},
		{Key: aws.String(TagManagedBy), Value: aws.String(ManagedByValue)},
		{Key: aws.String(TagProject), Value: aws.String(req.Project)},
		{Key: aws.String(TagInstance), Value: aws.String(req.InstanceID)},
		{Key: aws.String(TagRun), Value: aws.String(req.RunID)},
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.ImageID),
		InstanceType: types.InstanceType(req.TypeID),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(getUserDataScript()))),
		ClientToken:  aws.String(req.InstanceID),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	}
	if req.KeyName != "" {
		input.KeyName = aws.String(req.KeyName)
	}
	if req.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{req.SecurityGroupID}
	}
	if req.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(req.InstanceProfile)}
	}
	if req.Zone != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(req.Zone)}
	}
	if req.Market == models.MarketSpot {
		spot := &types.SpotMarketOptions{
			SpotInstanceType:             types.SpotInstanceTypeOneTime,
			InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
		}
		if req.MaxPrice > 0 {
			spot.MaxPrice = aws.String(strconv.FormatFloat(req.MaxPrice, 'f', 4, 64))
		}
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType:  types.MarketTypeSpot,
			SpotOptions: spot,
		}
	}

	result, err := c.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return models.RemoteInstance{}, launchError(err)
	}
	if len(result.Instances) == 0 {
		return models.RemoteInstance{}, fmt.Errorf("run instances returned no instance")
	}
	return toRemoteInstance(result.Instances[0]), nil
}

// Describe returns the provider view of one instance; unknown ids yield models.ErrNotFound
func (c *Client) Describe(ctx context.Context, providerID string) (models.RemoteInstance, error) {
	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{providerID},
	})
	if err != nil {
		if errorCode(err) == "InvalidInstanceID.NotFound" {
			return models.RemoteInstance{}, fmt.Errorf("instance %s: %w", providerID, models.ErrNotFound)
		}
		return models.RemoteInstance{}, fmt.Errorf("failed to describe instance %s: %w", providerID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return toRemoteInstance(inst), nil
		}
	}
	return models.RemoteInstance{}, fmt.Errorf("instance %s: %w", providerID, models.ErrNotFound)
}

// Terminate requests termination of every id; ids the provider no longer knows count as terminated
func (c *Client) Terminate(ctx context.Context, providerIDs []string) error {
	if len(providerIDs) == 0 {
		return nil
	}
	_, err := c.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: providerIDs,
	})
	if err != nil {
		if errorCode(err) == "InvalidInstanceID.NotFound" && len(providerIDs) == 1 {
			return nil
		}
		return fmt.Errorf("failed to terminate instances: %w", err)
	}
	return nil
}

// ListByProject returns every non-terminated instance tagged with project
func (c *Client) ListByProject(ctx context.Context, project string) ([]models.RemoteInstance, error) {
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2Client, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + TagProject), Values: []string{project}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped", "shutting-down"}},
		},
	})

	var instances []models.RemoteInstance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				instances = append(instances, toRemoteInstance(inst))
			}
		}
	}
	return instances, nil
}

func toRemoteInstance(inst types.Instance) models.RemoteInstance {
	ri := models.RemoteInstance{
		ProviderID:    aws.ToString(inst.InstanceId),
		SpotRequestID: aws.ToString(inst.SpotInstanceRequestId),
		TypeID:        string(inst.InstanceType),
		LaunchTime:    inst.LaunchTime,
		State:         models.RemoteUnknown,
	}
	if inst.State != nil {
		ri.State = models.RemoteState(inst.State.Name)
	}
	if inst.Placement != nil {
		ri.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	ri.Address = aws.ToString(inst.PublicDnsName)
	if ri.Address == "" {
		ri.Address = aws.ToString(inst.PublicIpAddress)
	}
	if inst.StateReason != nil {
		ri.Reason = aws.ToString(inst.StateReason.Code)
		ri.Interrupted = ri.Reason == spotTerminationCode
	}
	return ri
}

// getUserDataScript prepares the instance for the SSH bootstrap
func getUserDataScript() string {
	return `#!/bin/bash
set -e

# Bootstrap tools used by the deployer
if command -v yum &> /dev/null; then
    yum install -y unzip curl tar
elif command -v apt-get &> /dev/null; then
    apt-get update -y && apt-get install -y unzip curl tar
fi

echo "Instance initialization complete" >> /var/log/user-data.log
`
}
