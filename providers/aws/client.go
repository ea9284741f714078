package aws

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/smithy-go"
)

// Tags applied to every resource the runner creates
const (
	TagName        = "Name"
	TagManagedBy   = "ManagedBy"
	ManagedByValue = "spot-runner"
	TagProject     = "spotrun:project"
	TagInstance    = "spotrun:instance"
	TagRun         = "spotrun:run"
)

// pricingRegion hosts the Price List API endpoint
const pricingRegion = "us-east-1"

// Client is the AWS provider client
type Client struct {
	ec2Client     *ec2.Client
	iamClient     iamAPI
	pricingClient *pricing.Client
	region        string
	keyDir        string
}

// NewClient creates a new AWS client for region; key material is written under keyDir
func NewClient(ctx context.Context, region, keyDir string) (*Client, error) {
	cfg, err := loadConfig(ctx, region)
	if err != nil {
		return nil, err
	}

	return &Client{
		ec2Client: ec2.NewFromConfig(cfg),
		iamClient: iam.NewFromConfig(cfg),
		pricingClient: pricing.NewFromConfig(cfg, func(o *pricing.Options) {
			o.Region = pricingRegion
		}),
		region: cfg.Region,
		keyDir: keyDir,
	}, nil
}

// Region returns the region the client operates in
func (c *Client) Region() string {
	return c.region
}

func loadConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// errorCode returns the API error code carried by err, if any
func errorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}
