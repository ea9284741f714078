package aws

import (
	"context"
	"fmt"
	"sort"

	"spot-runner/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// InstanceTypes lists every current-generation x86_64 instance type in the region,
// sorted by vcpu, memory and then name so catalog order is stable between calls
func (c *Client) InstanceTypes(ctx context.Context) ([]models.InstanceType, error) {
	paginator := ec2.NewDescribeInstanceTypesPaginator(c.ec2Client, &ec2.DescribeInstanceTypesInput{
		Filters: []types.Filter{
			{Name: aws.String("current-generation"), Values: []string{"true"}},
			{Name: aws.String("processor-info.supported-architecture"), Values: []string{"x86_64"}},
		},
	})

	var catalog []models.InstanceType
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instance types: %w", err)
		}
		for _, info := range page.InstanceTypes {
			catalog = append(catalog, toInstanceType(info))
		}
	}

	sort.Slice(catalog, func(i, j int) bool {
		a, b := catalog[i], catalog[j]
		if a.VCPU != b.VCPU {
			return a.VCPU < b.VCPU
		}
		if a.MemoryGiB != b.MemoryGiB {
			return a.MemoryGiB < b.MemoryGiB
		}
		return a.TypeID < b.TypeID
	})
	return catalog, nil
}

func toInstanceType(info types.InstanceTypeInfo) models.InstanceType {
	t := models.InstanceType{TypeID: string(info.InstanceType)}
	if info.VCpuInfo != nil {
		t.VCPU = int(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.MemoryInfo != nil {
		t.MemoryGiB = float64(aws.ToInt64(info.MemoryInfo.SizeInMiB)) / 1024
	}
	if info.GpuInfo != nil {
		for _, g := range info.GpuInfo.Gpus {
			device := models.GPUDevice{
				Manufacturer: aws.ToString(g.Manufacturer),
				Model:        aws.ToString(g.Name),
				Count:        int(aws.ToInt32(g.Count)),
			}
			if g.MemoryInfo != nil {
				device.MemoryGiB = float64(aws.ToInt32(g.MemoryInfo.SizeInMiB)) / 1024
			}
			t.GPUs = append(t.GPUs, device)
		}
	}
	for _, class := range info.SupportedUsageClasses {
		if class == types.UsageClassTypeSpot {
			t.SpotSupported = true
		}
	}
	return t
}
