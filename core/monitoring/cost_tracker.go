package monitoring

import (
	"context"
	"sync"
	"time"

	"spot-runner/core/models"
)

// CostTracker accrues instance cost from the time each instance spends Running
type CostTracker struct {
	mu       sync.RWMutex
	projects map[string]*projectCost
	now      func() time.Time
}

type projectCost struct {
	accrued float64
	running map[string]runningSince
}

type runningSince struct {
	since time.Time
	price float64
}

// NewCostTracker creates a new cost tracker
func NewCostTracker() *CostTracker {
	return &CostTracker{
		projects: make(map[string]*projectCost),
		now:      time.Now,
	}
}

func (ct *CostTracker) project(name string) *projectCost {
	pc, ok := ct.projects[name]
	if !ok {
		pc = &projectCost{running: make(map[string]runningSince)}
		ct.projects[name] = pc
	}
	return pc
}

// RecordTransition starts the meter on Running and stops it when the instance leaves Running
func (ct *CostTracker) RecordTransition(_ context.Context, inst models.ProvisionedInstance, from models.InstanceState, _ string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	pc := ct.project(inst.ProjectName)
	now := ct.now()
	if inst.State == models.StateRunning {
		pc.running[inst.ID] = runningSince{since: now, price: inst.Price}
		return
	}
	if from == models.StateRunning {
		if r, ok := pc.running[inst.ID]; ok {
			pc.accrued += r.price * now.Sub(r.since).Hours()
			delete(pc.running, inst.ID)
		}
	}
}

// RunningCost returns the accrued cost of a project including instances still running
func (ct *CostTracker) RunningCost(project string) float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	pc, ok := ct.projects[project]
	if !ok {
		return 0
	}
	now := ct.now()
	total := pc.accrued
	for _, r := range pc.running {
		total += r.price * now.Sub(r.since).Hours()
	}
	return total
}

// RunningInstances returns how many instances of a project are metered
func (ct *CostTracker) RunningInstances(project string) int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if pc, ok := ct.projects[project]; ok {
		return len(pc.running)
	}
	return 0
}

// OverBudget reports whether a positive budget has been exceeded
func (ct *CostTracker) OverBudget(project string, budget float64) bool {
	return budget > 0 && ct.RunningCost(project) > budget
}

// StopTracking forgets a project
func (ct *CostTracker) StopTracking(project string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.projects, project)
}
