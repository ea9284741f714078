package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"spot-runner/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"
)

// EnsureAccess creates (or reuses) what req selects: the project key pair and
// an SSH security group open to req.CIDR, and an instance profile whose role
// reaches req.Buckets and req.LogGroup
func (c *Client) EnsureAccess(ctx context.Context, req models.AccessRequest) (models.AccessConfig, error) {
	name := accessName(req.Project)
	var access models.AccessConfig

	if req.SSH {
		keyPath, err := c.ensureKeyPair(ctx, req.Project, name)
		if err != nil {
			return models.AccessConfig{}, err
		}
		groupID, err := c.ensureSecurityGroup(ctx, req.Project, name, req.CIDR)
		if err != nil {
			return models.AccessConfig{}, err
		}
		access.KeyName, access.KeyPath, access.SecurityGroupID = name, keyPath, groupID
	}
	if req.Role {
		profile, err := c.ensureInstanceProfile(ctx, req.Project, name, req.Buckets, req.LogGroup)
		if err != nil {
			return models.AccessConfig{}, err
		}
		access.InstanceProfile = profile
	}
	return access, nil
}

// DeleteAccess removes the key pair, its local key file, the security group
// and the instance profile of project
func (c *Client) DeleteAccess(ctx context.Context, project string) error {
	name := accessName(project)
	var errs []error

	if _, err := c.ec2Client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)}); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete key pair: %w", err))
	}
	if err := os.Remove(c.keyPath(name)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	groupID, err := c.findSecurityGroup(ctx, name)
	if err != nil {
		errs = append(errs, err)
	} else if groupID != "" {
		if _, err := c.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(groupID)}); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete security group: %w", err))
		}
	}
	if err := c.deleteInstanceProfile(ctx, name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func accessName(project string) string {
	return "spotrun-" + models.FormatName(project)
}

func (c *Client) keyPath(name string) string {
	return filepath.Join(c.keyDir, name+".pem")
}

func (c *Client) ensureKeyPair(ctx context.Context, project, name string) (string, error) {
	path := c.keyPath(name)
	out, err := c.ec2Client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(name),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeKeyPair, Tags: projectTags(project)},
		},
	})
	if err != nil {
		if errorCode(err) == "InvalidKeyPair.Duplicate" {
			if _, statErr := os.Stat(path); statErr == nil {
				return path, nil
			}
			return "", fmt.Errorf("key pair %s exists but %s is missing", name, path)
		}
		return "", fmt.Errorf("failed to create key pair: %w", err)
	}

	if err := os.MkdirAll(c.keyDir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(aws.ToString(out.KeyMaterial)), 0o600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	log.Info().Str("key", name).Str("path", path).Msg("key pair created")
	return path, nil
}

func (c *Client) ensureSecurityGroup(ctx context.Context, project, name, cidr string) (string, error) {
	groupID, err := c.findSecurityGroup(ctx, name)
	if err != nil {
		return "", err
	}
	if groupID == "" {
		out, err := c.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(name),
			Description: aws.String("SSH access for spot-runner project " + project),
			TagSpecifications: []types.TagSpecification{
				{ResourceType: types.ResourceTypeSecurityGroup, Tags: projectTags(project)},
			},
		})
		if err != nil {
			return "", fmt.Errorf("failed to create security group: %w", err)
		}
		groupID = aws.ToString(out.GroupId)
		log.Info().Str("group", groupID).Msg("security group created")
	}

	_, err = c.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []types.IpPermission{
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(22),
				ToPort:     aws.Int32(22),
				IpRanges:   []types.IpRange{{CidrIp: aws.String(cidr)}},
			},
		},
	})
	if err != nil && errorCode(err) != "InvalidPermission.Duplicate" {
		return "", fmt.Errorf("failed to authorize ssh ingress: %w", err)
	}
	return groupID, nil
}

func (c *Client) findSecurityGroup(ctx context.Context, name string) (string, error) {
	out, err := c.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{{Name: aws.String("group-name"), Values: []string{name}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe security groups: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", nil
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

func projectTags(project string) []types.Tag {
	return []types.Tag{
		{Key: aws.String(TagManagedBy), Value: aws.String(ManagedByValue)},
		{Key: aws.String(TagProject), Value: aws.String(project)},
	}
}
