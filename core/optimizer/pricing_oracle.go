package optimizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spot-runner/core/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PriceSource reports current prices for a single instance type
type PriceSource interface {
	// SpotPrices returns the current spot price per zone; empty when the type has no spot offer
	SpotPrices(ctx context.Context, typeID string) ([]models.PriceQuote, error)
	// OnDemandPrice returns the regional on-demand price, nil when not offered
	OnDemandPrice(ctx context.Context, typeID string) (*float64, error)
}

// OracleConfig tunes the pricing fan-out
type OracleConfig struct {
	Concurrency    int
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DefaultZone is used for types priced on-demand only; empty lets the provider choose
	DefaultZone string
}

// DefaultOracleConfig returns the default pricing configuration
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		Concurrency:    8,
		MaxTries:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// PricingOracle picks the cheapest qualifying offer among candidates
type PricingOracle struct {
	source PriceSource
	cfg    OracleConfig
}

// NewPricingOracle creates a new pricing oracle
func NewPricingOracle(source PriceSource, cfg OracleConfig) *PricingOracle {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	return &PricingOracle{source: source, cfg: cfg}
}

type candidatePrices struct {
	spot     []models.PriceQuote
	onDemand *float64
}

// Select returns the cheapest offer not exceeding req.MaxPrice
func (o *PricingOracle) Select(ctx context.Context, req models.ResourceRequirement, candidates []models.InstanceCandidate) (*models.Selection, error) {
	ranked, err := o.Rank(ctx, req, candidates)
	if err != nil {
		return nil, err
	}
	return &ranked[0], nil
}

// Rank prices every candidate and returns the qualifying offers, cheapest first.
// Ties prefer spot, then catalog order, then zone name.
func (o *PricingOracle) Rank(ctx context.Context, req models.ResourceRequirement, candidates []models.InstanceCandidate) ([]models.Selection, error) {
	if len(candidates) == 0 {
		return nil, &models.NoCandidateError{Requirement: req, Reason: "no candidates to price"}
	}

	prices := make([]*candidatePrices, len(candidates))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			p, err := o.fetch(gctx, c.TypeID)
			if err != nil {
				log.Warn().Err(err).Str("type", c.TypeID).Msg("pricing query failed, dropping candidate")
				mu.Lock()
				failures[c.TypeID] = err
				mu.Unlock()
				return nil
			}
			prices[i] = p
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var offers []models.Selection
	for i, c := range candidates {
		if prices[i] == nil {
			continue
		}
		offers = append(offers, o.offersFor(c, prices[i])...)
	}

	if len(offers) == 0 {
		if len(failures) > 0 {
			return nil, &models.PricingUnavailableError{Failures: failures}
		}
		return nil, &models.NoCandidateError{Requirement: req, Reason: "no candidate has a spot or on-demand offer"}
	}

	var qualifying []models.Selection
	cheapest := offers[0].Price
	for _, offer := range offers {
		if offer.Price < cheapest {
			cheapest = offer.Price
		}
		if req.WithinPrice(offer.Price) {
			qualifying = append(qualifying, offer)
		}
	}
	if len(qualifying) == 0 {
		return nil, &models.NoCandidateError{
			Requirement: req,
			Reason:      fmt.Sprintf("cheapest offer %.4f/h exceeds max price %.4f/h", cheapest, *req.MaxPrice),
		}
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		a, b := qualifying[i], qualifying[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.Market != b.Market {
			return a.Market == models.MarketSpot
		}
		if a.Candidate.CatalogIndex != b.Candidate.CatalogIndex {
			return a.Candidate.CatalogIndex < b.Candidate.CatalogIndex
		}
		return a.Candidate.Zone < b.Candidate.Zone
	})

	best := qualifying[0]
	log.Info().
		Str("type", best.Candidate.TypeID).
		Str("zone", best.Candidate.Zone).
		Str("market", string(best.Market)).
		Float64("price", best.Price).
		Int("candidates", len(candidates)).
		Int("failed", len(failures)).
		Msg("selected instance offer")

	return qualifying, nil
}

// offersFor expands a priced candidate into one offer per zone at min(spot, on-demand)
func (o *PricingOracle) offersFor(c models.InstanceCandidate, p *candidatePrices) []models.Selection {
	var offers []models.Selection
	for _, q := range p.spot {
		spot := q.Price
		cand := c
		cand.Zone = q.Zone
		cand.SpotPrice = &spot
		cand.OnDemandPrice = p.onDemand

		offer := models.Selection{Candidate: cand, Market: models.MarketSpot, Price: spot}
		if p.onDemand != nil && *p.onDemand < spot {
			offer.Market = models.MarketOnDemand
			offer.Price = *p.onDemand
		}
		offers = append(offers, offer)
	}

	if len(p.spot) == 0 && p.onDemand != nil {
		cand := c
		cand.Zone = o.cfg.DefaultZone
		cand.OnDemandPrice = p.onDemand
		offers = append(offers, models.Selection{Candidate: cand, Market: models.MarketOnDemand, Price: *p.onDemand})
	}
	return offers
}

// fetch queries both markets for one type, retrying with exponential backoff
func (o *PricingOracle) fetch(ctx context.Context, typeID string) (*candidatePrices, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (*candidatePrices, error) {
		spot, err := o.source.SpotPrices(ctx, typeID)
		if err != nil {
			return nil, fmt.Errorf("spot prices: %w", err)
		}
		onDemand, err := o.source.OnDemandPrice(ctx, typeID)
		if err != nil {
			return nil, fmt.Errorf("on-demand price: %w", err)
		}
		return &candidatePrices{spot: spot, onDemand: onDemand}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(o.cfg.MaxTries))
}
