package optimizer

import (
	"fmt"
	"math"
	"time"
)

// MaxInstances caps the number of instances a single project may run
const MaxInstances = 100

// RunPlan is the resolved instance count, duration and budget of a project
type RunPlan struct {
	NInstances int
	// Duration is zero when the project runs until terminated
	Duration time.Duration
	// Budget is zero when no budget applies
	Budget       float64
	PricePerHour float64
}

// HourlyCost returns the combined hourly cost of every instance
func (p RunPlan) HourlyCost() float64 {
	return float64(p.NInstances) * p.PricePerHour
}

// CostCalculator derives run plans and costs from an hourly price
type CostCalculator struct {
	maxInstances int
}

// NewCostCalculator creates a new cost calculator
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{maxInstances: MaxInstances}
}

// Plan fills in whichever of instances, duration and budget is missing.
// Zero means unset. With only one value given, instances defaults to 1.
func (cc *CostCalculator) Plan(price float64, nInstances int, duration time.Duration, budget float64) (RunPlan, error) {
	if price <= 0 {
		return RunPlan{}, fmt.Errorf("invalid instance price %.4f", price)
	}
	plan := RunPlan{NInstances: nInstances, Duration: duration, Budget: budget, PricePerHour: price}

	switch {
	case nInstances > 0 && duration > 0 && budget > 0:
		// all given, keep as is
	case nInstances == 0 && duration > 0 && budget > 0:
		plan.NInstances = int(math.Round(budget / (duration.Hours() * price)))
		if plan.NInstances < 1 {
			return RunPlan{}, fmt.Errorf("budget %.2f cannot run one instance for %s", budget, duration)
		}
		plan.Duration = cc.durationFor(plan.NInstances, budget, price)
	case duration == 0 && budget > 0:
		if plan.NInstances == 0 {
			plan.NInstances = 1
		}
		plan.Duration = cc.durationFor(plan.NInstances, budget, price)
	case budget == 0 && duration > 0:
		if plan.NInstances == 0 {
			plan.NInstances = 1
		}
		plan.Budget = cc.CalculateCost(plan.NInstances, duration, price)
	default:
		if plan.NInstances == 0 {
			plan.NInstances = 1
		}
	}

	if plan.NInstances > cc.maxInstances {
		return RunPlan{}, fmt.Errorf("reached maximum of %d instances, increase duration or reduce budget", cc.maxInstances)
	}
	return plan, nil
}

// CalculateCost returns the cost of running n instances for d at price per hour
func (cc *CostCalculator) CalculateCost(n int, d time.Duration, price float64) float64 {
	return float64(n) * d.Hours() * price
}

func (cc *CostCalculator) durationFor(n int, budget, price float64) time.Duration {
	hours := budget / (float64(n) * price)
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}
