package models

import "fmt"

// GPUSpec constrains the accelerators an instance must carry
type GPUSpec struct {
	Count        int     `json:"count" yaml:"count" hcl:"count,optional" validate:"gte=0"`
	Model        string  `json:"model,omitempty" yaml:"model,omitempty" hcl:"model,optional"`
	MinMemoryGiB float64 `json:"min_memory_gib,omitempty" yaml:"min_memory_gib,omitempty" hcl:"min_memory_gib,optional" validate:"gte=0"`
}

// ResourceRequirement describes the minimum compute a run needs.
// It is passed by value and never mutated once a run is submitted.
type ResourceRequirement struct {
	MinMemoryGiB float64  `json:"min_memory_gib" yaml:"min_memory_gib" validate:"gte=0"`
	MinVCPU      int      `json:"min_vcpu" yaml:"min_vcpu" validate:"gte=0"`
	GPU          *GPUSpec `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	MaxPrice     *float64 `json:"max_price,omitempty" yaml:"max_price,omitempty" validate:"omitempty,gt=0"`
}

// Satisfies reports whether t meets every constraint of r, except price
func (r ResourceRequirement) Satisfies(t InstanceType) bool {
	if t.VCPU < r.MinVCPU {
		return false
	}
	if t.MemoryGiB < r.MinMemoryGiB {
		return false
	}
	if r.GPU == nil {
		return true
	}
	if t.GPUCount() < r.GPU.Count {
		return false
	}
	if r.GPU.Model != "" && !t.HasGPUModel(r.GPU.Model) {
		return false
	}
	if r.GPU.MinMemoryGiB > 0 && (t.GPUCount() == 0 || t.MinGPUMemoryGiB() < r.GPU.MinMemoryGiB) {
		return false
	}
	return true
}

// WithinPrice reports whether price respects the optional ceiling
func (r ResourceRequirement) WithinPrice(price float64) bool {
	return r.MaxPrice == nil || price <= *r.MaxPrice
}

func (r ResourceRequirement) String() string {
	s := fmt.Sprintf("vcpu>=%d memory>=%gGiB", r.MinVCPU, r.MinMemoryGiB)
	if r.GPU != nil {
		s += fmt.Sprintf(" gpu>=%d", r.GPU.Count)
		if r.GPU.Model != "" {
			s += " model=" + r.GPU.Model
		}
		if r.GPU.MinMemoryGiB > 0 {
			s += fmt.Sprintf(" gpu_memory>=%gGiB", r.GPU.MinMemoryGiB)
		}
	}
	if r.MaxPrice != nil {
		s += fmt.Sprintf(" max_price=%g", *r.MaxPrice)
	}
	return s
}
