package handlers

import (
	"net/http"
	"time"

	"spot-runner/core/models"
	"spot-runner/core/monitoring"
)

// DashboardHandler serves cost summaries across projects
type DashboardHandler struct {
	service ProjectService
	costs   *monitoring.CostTracker
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(service ProjectService, costs *monitoring.CostTracker) *DashboardHandler {
	return &DashboardHandler{service: service, costs: costs}
}

// GetCostMetrics handles GET /v1/dashboard/costs. Projects created before
// start_date (RFC 3339, default 30 days ago) are left out.
func (h *DashboardHandler) GetCostMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now().AddDate(0, 0, -30)
	if startDate := r.URL.Query().Get("start_date"); startDate != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startDate)
		if err != nil {
			http.Error(w, "Invalid start_date format", http.StatusBadRequest)
			return
		}
	}

	projects, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, "Failed to list projects", err)
		return
	}

	var totalCost, runningCost float64
	runningProjects, runningInstances := 0, 0
	items := make([]map[string]interface{}, 0, len(projects))

	for _, p := range projects {
		if p.CreatedAt.Before(start) {
			continue
		}
		cost := p.RunningCostUSD
		instances := 0
		if p.Status == models.ProjectRunning || p.Status == models.ProjectStarting {
			runningProjects++
			if live := h.costs.RunningCost(p.Name); live > cost {
				cost = live
			}
			instances = h.costs.RunningInstances(p.Name)
			runningInstances += instances
			runningCost += cost
		}
		totalCost += cost

		items = append(items, map[string]interface{}{
			"name":              p.Name,
			"status":            p.Status,
			"cost_usd":          cost,
			"budget_usd":        p.Budget,
			"running_instances": instances,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since": start.Format(time.RFC3339),
		"costs": map[string]interface{}{
			"total_usd":   totalCost,
			"running_usd": runningCost,
		},
		"projects": map[string]interface{}{
			"running":   runningProjects,
			"instances": runningInstances,
		},
		"items": items,
	})
}
