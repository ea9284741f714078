package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// DefaultImagePattern matches the Amazon Linux 2023 x86_64 images
const DefaultImagePattern = "al2023-ami-2023.*-x86_64"

// LatestImage returns the newest available image owned by owner whose name matches pattern
func (c *Client) LatestImage(ctx context.Context, owner, pattern string) (string, error) {
	if owner == "" {
		owner = "amazon"
	}
	result, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{owner},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe images: %w", err)
	}
	if len(result.Images) == 0 {
		return "", fmt.Errorf("no image matching %q owned by %s in %s", pattern, owner, c.region)
	}

	images := result.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// verifyImage verifies that an image exists and is available
func (c *Client) verifyImage(ctx context.Context, imageID string) (bool, error) {
	result, err := c.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
		Filters: []types.Filter{
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return false, err
	}
	return len(result.Images) > 0, nil
}

// ResolveImage returns imageID when it is available, otherwise the newest image matching pattern
func (c *Client) ResolveImage(ctx context.Context, imageID, pattern string) (string, error) {
	if imageID != "" {
		ok, err := c.verifyImage(ctx, imageID)
		if err != nil {
			return "", fmt.Errorf("failed to verify image %s: %w", imageID, err)
		}
		if !ok {
			return "", fmt.Errorf("image %s not available in %s", imageID, c.region)
		}
		return imageID, nil
	}
	if pattern == "" {
		pattern = DefaultImagePattern
	}
	return c.LatestImage(ctx, "amazon", pattern)
}
