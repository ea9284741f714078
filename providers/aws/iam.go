package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/rs/zerolog/log"
)

// iamAPI is the subset of the IAM client used to manage instance profiles
type iamAPI interface {
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
	CreateInstanceProfile(ctx context.Context, in *iam.CreateInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error)
	GetInstanceProfile(ctx context.Context, in *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	AddRoleToInstanceProfile(ctx context.Context, in *iam.AddRoleToInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, in *iam.RemoveRoleFromInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	DeleteInstanceProfile(ctx context.Context, in *iam.DeleteInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error)
	DeleteRolePolicy(ctx context.Context, in *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteRole(ctx context.Context, in *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

const (
	rolePolicyName = "spotrun-access"
	ec2TrustPolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:AssumeRole"}]}`

	// profileWait bounds how long a new instance profile may take to become visible
	profileWait = 2 * time.Minute
)

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// instancePolicy grants read/write on buckets and write access to logGroup
func instancePolicy(buckets []string, logGroup string) (string, error) {
	if len(buckets) == 0 {
		return "", errors.New("instance policy needs at least one bucket")
	}
	var bucketARNs, objectARNs []string
	for _, b := range buckets {
		bucketARNs = append(bucketARNs, "arn:aws:s3:::"+b)
		objectARNs = append(objectARNs, "arn:aws:s3:::"+b+"/*")
	}
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{Effect: "Allow", Action: []string{"s3:ListBucket", "s3:GetBucketLocation"}, Resource: bucketARNs},
			{Effect: "Allow", Action: []string{"s3:GetObject", "s3:PutObject"}, Resource: objectARNs},
		},
	}
	if logGroup != "" {
		doc.Statement = append(doc.Statement, policyStatement{
			Effect: "Allow",
			Action: []string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:DescribeLogStreams", "logs:PutLogEvents"},
			Resource: []string{
				"arn:aws:logs:*:*:log-group:" + logGroup,
				"arn:aws:logs:*:*:log-group:" + logGroup + ":*",
			},
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ensureInstanceProfile creates (or updates) the project role and its instance
// profile and waits until the profile is visible
func (c *Client) ensureInstanceProfile(ctx context.Context, project, name string, buckets []string, logGroup string) (string, error) {
	tags := []iamtypes.Tag{
		{Key: aws.String(TagManagedBy), Value: aws.String(ManagedByValue)},
		{Key: aws.String(TagProject), Value: aws.String(project)},
	}

	_, err := c.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(ec2TrustPolicy),
		Description:              aws.String("Instance role for spot-runner project " + project),
		Tags:                     tags,
	})
	if err != nil && errorCode(err) != "EntityAlreadyExists" {
		return "", fmt.Errorf("failed to create role: %w", err)
	}

	policy, err := instancePolicy(buckets, logGroup)
	if err != nil {
		return "", err
	}
	if _, err := c.iamClient.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(name),
		PolicyName:     aws.String(rolePolicyName),
		PolicyDocument: aws.String(policy),
	}); err != nil {
		return "", fmt.Errorf("failed to put role policy: %w", err)
	}

	_, err = c.iamClient.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		Tags:                tags,
	})
	created := err == nil
	if err != nil && errorCode(err) != "EntityAlreadyExists" {
		return "", fmt.Errorf("failed to create instance profile: %w", err)
	}

	out, err := c.iamClient.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("failed to get instance profile: %w", err)
	}
	attached := false
	if out.InstanceProfile != nil {
		for _, role := range out.InstanceProfile.Roles {
			if aws.ToString(role.RoleName) == name {
				attached = true
			}
		}
	}
	if !attached {
		if _, err := c.iamClient.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(name),
			RoleName:            aws.String(name),
		}); err != nil && errorCode(err) != "LimitExceeded" {
			return "", fmt.Errorf("failed to add role to instance profile: %w", err)
		}
	}

	if created || !attached {
		waiter := iam.NewInstanceProfileExistsWaiter(c.iamClient)
		if err := waiter.Wait(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)}, profileWait); err != nil {
			return "", fmt.Errorf("instance profile %s not ready: %w", name, err)
		}
		log.Info().Str("profile", name).Msg("instance profile created")
	}
	return name, nil
}

// deleteInstanceProfile removes the project instance profile and role; missing entities are skipped
func (c *Client) deleteInstanceProfile(ctx context.Context, name string) error {
	var errs []error
	check := func(what string, err error) {
		if err != nil && errorCode(err) != "NoSuchEntity" {
			errs = append(errs, fmt.Errorf("failed to %s: %w", what, err))
		}
	}

	_, err := c.iamClient.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(name),
	})
	check("remove role from instance profile", err)
	_, err = c.iamClient.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)})
	check("delete instance profile", err)
	_, err = c.iamClient.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(rolePolicyName)})
	check("delete role policy", err)
	_, err = c.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	check("delete role", err)

	return errors.Join(errs...)
}
