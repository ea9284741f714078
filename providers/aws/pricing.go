package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"spot-runner/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// linuxProduct is the spot product description priced for runs
const linuxProduct = "Linux/UNIX"

// SpotPrices fetches the current spot price of typeID in every zone of the region
func (c *Client) SpotPrices(ctx context.Context, typeID string) ([]models.PriceQuote, error) {
	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(c.ec2Client, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(typeID)},
		ProductDescriptions: []string{linuxProduct},
		StartTime:           aws.Time(time.Now()),
	})

	latest := make(map[string]types.SpotPrice)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe spot price history: %w", err)
		}
		for _, sp := range page.SpotPriceHistory {
			zone := aws.ToString(sp.AvailabilityZone)
			prev, ok := latest[zone]
			if !ok || aws.ToTime(sp.Timestamp).After(aws.ToTime(prev.Timestamp)) {
				latest[zone] = sp
			}
		}
	}

	quotes := make([]models.PriceQuote, 0, len(latest))
	for zone, sp := range latest {
		price, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid spot price %q for %s in %s: %w", aws.ToString(sp.SpotPrice), typeID, zone, err)
		}
		quotes = append(quotes, models.PriceQuote{
			TypeID: typeID,
			Zone:   zone,
			Market: models.MarketSpot,
			Price:  price,
		})
	}
	return quotes, nil
}

// OnDemandPrice fetches the hourly Linux on-demand price of typeID in the client region
func (c *Client) OnDemandPrice(ctx context.Context, typeID string) (*float64, error) {
	filter := func(field, value string) pricingtypes.Filter {
		return pricingtypes.Filter{
			Type:  pricingtypes.FilterTypeTermMatch,
			Field: aws.String(field),
			Value: aws.String(value),
		}
	}

	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			filter("instanceType", typeID),
			filter("regionCode", c.region),
			filter("operatingSystem", "Linux"),
			filter("tenancy", "Shared"),
			filter("preInstalledSw", "NA"),
			filter("capacitystatus", "Used"),
		},
		MaxResults: aws.Int32(10),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	for _, raw := range out.PriceList {
		price, ok, err := parseOnDemandPrice(raw)
		if err != nil {
			return nil, err
		}
		if ok {
			return &price, nil
		}
	}
	return nil, nil
}

// priceListItem is the subset of a Price List product document we read
type priceListItem struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parseOnDemandPrice extracts the first non-zero hourly USD price of a product document
func parseOnDemandPrice(raw string) (float64, bool, error) {
	var item priceListItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return 0, false, fmt.Errorf("failed to parse price list item: %w", err)
	}
	for _, term := range item.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			usd, ok := dim.PricePerUnit["USD"]
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(usd, 64)
			if err != nil {
				return 0, false, fmt.Errorf("invalid on-demand price %q: %w", usd, err)
			}
			if price > 0 {
				return price, true, nil
			}
		}
	}
	return 0, false, nil
}
