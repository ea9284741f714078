package models

import "strings"

// GPUDevice describes one accelerator model attached to an instance type
type GPUDevice struct {
	Manufacturer string  `json:"manufacturer,omitempty"`
	Model        string  `json:"model"`
	Count        int     `json:"count"`
	MemoryGiB    float64 `json:"memory_gib"` // per device
}

// InstanceType is one row of the provider catalog
type InstanceType struct {
	TypeID        string      `json:"type_id"`
	VCPU          int         `json:"vcpu"`
	MemoryGiB     float64     `json:"memory_gib"`
	GPUs          []GPUDevice `json:"gpus,omitempty"`
	SpotSupported bool        `json:"spot_supported"`
}

// GPUCount returns the total number of accelerators on the type
func (t InstanceType) GPUCount() int {
	n := 0
	for _, g := range t.GPUs {
		n += g.Count
	}
	return n
}

// HasGPUModel reports whether any attached accelerator matches model (case-insensitive)
func (t InstanceType) HasGPUModel(model string) bool {
	for _, g := range t.GPUs {
		if strings.EqualFold(g.Model, model) {
			return true
		}
	}
	return false
}

// MinGPUMemoryGiB returns the smallest per-device memory, or 0 without accelerators
func (t InstanceType) MinGPUMemoryGiB() float64 {
	min := 0.0
	for i, g := range t.GPUs {
		if i == 0 || g.MemoryGiB < min {
			min = g.MemoryGiB
		}
	}
	return min
}

// Market is the purchasing option an instance is launched with
type Market string

const (
	MarketSpot     Market = "spot"
	MarketOnDemand Market = "on-demand"
)

// InstanceCandidate is an instance type satisfying a requirement, priced by the oracle
type InstanceCandidate struct {
	InstanceType
	CatalogIndex  int      `json:"catalog_index"`
	SpotPrice     *float64 `json:"spot_price,omitempty"`      // USD/hour
	OnDemandPrice *float64 `json:"on_demand_price,omitempty"` // USD/hour
	Zone          string   `json:"zone,omitempty"`
}

// PriceQuote is the price of one candidate in one zone for one market
type PriceQuote struct {
	TypeID string  `json:"type_id"`
	Zone   string  `json:"zone"`
	Market Market  `json:"market"`
	Price  float64 `json:"price"`
}

// Selection is the cheapest qualifying (candidate, zone, market) chosen for a run
type Selection struct {
	Candidate InstanceCandidate `json:"candidate"`
	Market    Market            `json:"market"`
	Price     float64           `json:"price"` // effective USD/hour
}
