package optimizer

import (
	"context"
	"fmt"

	"spot-runner/core/models"
)

// Catalog lists the instance types a provider offers
type Catalog interface {
	InstanceTypes(ctx context.Context) ([]models.InstanceType, error)
}

// Resolver maps a resource requirement onto catalog candidates
type Resolver struct {
	catalog Catalog
}

// NewResolver creates a new resolver
func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns every catalog type satisfying req, in catalog order
func (r *Resolver) Resolve(ctx context.Context, req models.ResourceRequirement) ([]models.InstanceCandidate, error) {
	types, err := r.catalog.InstanceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance catalog: %w", err)
	}
	return FilterCandidates(req, types)
}

// FilterCandidates keeps the types satisfying req. The result is deterministic
// for a given catalog and empty results yield *models.NoCandidateError.
func FilterCandidates(req models.ResourceRequirement, catalog []models.InstanceType) ([]models.InstanceCandidate, error) {
	var candidates []models.InstanceCandidate
	for i, t := range catalog {
		if !req.Satisfies(t) {
			continue
		}
		candidates = append(candidates, models.InstanceCandidate{
			InstanceType: t,
			CatalogIndex: i,
		})
	}

	if len(candidates) == 0 {
		return nil, &models.NoCandidateError{
			Requirement: req,
			Reason:      fmt.Sprintf("none of %d catalog types match", len(catalog)),
		}
	}
	return candidates, nil
}
