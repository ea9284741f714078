package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"spot-runner/core/models"
	"spot-runner/core/scheduler"
	"spot-runner/core/spec"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// ProjectService is the runner surface exposed over HTTP
type ProjectService interface {
	Launch(ctx context.Context, project *models.Project) (*scheduler.Run, error)
	Quote(ctx context.Context, project *models.Project) (*scheduler.Quote, error)
	Status(ctx context.Context, name string) (*scheduler.StatusReport, error)
	List(ctx context.Context) ([]*models.Project, error)
	Terminate(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Events(ctx context.Context, name string, limit int) ([]models.InstanceEvent, error)
}

// ProjectHandler handles project-related HTTP requests
type ProjectHandler struct {
	service ProjectService
}

// NewProjectHandler creates a new project handler
func NewProjectHandler(service ProjectService) *ProjectHandler {
	return &ProjectHandler{service: service}
}

// SubmitProjectRequest carries a project descriptor, either inline or as a
// path on the server's filesystem
type SubmitProjectRequest struct {
	File       string `json:"file,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
	// Format is "yaml" or "hcl" for inline descriptors
	Format  string `json:"format,omitempty"`
	BaseDir string `json:"base_dir,omitempty"`
}

// SubmitProjectResponse represents the response after starting a project
type SubmitProjectResponse struct {
	Name      string               `json:"name"`
	RunID     string               `json:"run_id"`
	Status    models.ProjectStatus `json:"status"`
	Bucket    string               `json:"bucket"`
	Selection *models.Selection    `json:"selection,omitempty"`
	Instances int                  `json:"instances"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
}

func (h *ProjectHandler) decodeProject(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	var req SubmitProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}

	var (
		project *models.Project
		err     error
	)
	switch {
	case req.File != "":
		project, err = spec.LoadFile(req.File)
	case req.Descriptor != "":
		name := "project.yaml"
		if req.Format == "hcl" {
			name = "project.hcl"
		}
		var ps *spec.ProjectSpec
		ps, err = spec.Parse([]byte(req.Descriptor), name)
		if err == nil {
			project, err = ps.Project(req.BaseDir)
		}
	default:
		err = errors.New("file or descriptor is required")
	}
	if err != nil {
		http.Error(w, "Invalid project: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return project, true
}

// StartProject handles POST /v1/projects
func (h *ProjectHandler) StartProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.decodeProject(w, r)
	if !ok {
		return
	}

	if _, err := h.service.Launch(r.Context(), project); err != nil {
		writeError(w, "Failed to start project", err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitProjectResponse{
		Name:      project.Name,
		RunID:     project.RunID,
		Status:    project.Status,
		Bucket:    project.Bucket,
		Selection: project.Selection,
		Instances: project.NInstances,
		StartedAt: project.StartedAt,
	})
}

// QuoteProject handles POST /v1/quotes
func (h *ProjectHandler) QuoteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.decodeProject(w, r)
	if !ok {
		return
	}

	quote, err := h.service.Quote(r.Context(), project)
	if err != nil {
		writeError(w, "Failed to quote project", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"selection":    quote.Selection,
		"alternatives": quote.Alternatives,
		"plan": map[string]interface{}{
			"instances":      quote.Plan.NInstances,
			"duration":       quote.Plan.Duration.String(),
			"budget_usd":     quote.Plan.Budget,
			"price_per_hour": quote.Plan.PricePerHour,
			"hourly_cost":    quote.Plan.HourlyCost(),
		},
	})
}

// GetProject handles GET /v1/projects/{name}
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	report, err := h.service.Status(r.Context(), name)
	if err != nil {
		writeError(w, "Failed to get project", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListProjects handles GET /v1/projects
func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")

	projects, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, "Failed to list projects", err)
		return
	}

	items := make([]map[string]interface{}, 0, len(projects))
	for _, p := range projects {
		if statusParam != "" && string(p.Status) != statusParam {
			continue
		}
		item := map[string]interface{}{
			"name":       p.Name,
			"status":     p.Status,
			"region":     p.Region,
			"bucket":     p.Bucket,
			"instances":  p.NInstances,
			"cost_usd":   p.RunningCostUSD,
			"created_at": p.CreatedAt,
		}
		if p.Selection != nil {
			item["instance_type"] = p.Selection.Candidate.TypeID
			item["market"] = p.Selection.Market
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// TerminateProject handles POST /v1/projects/{name}/terminate
func (h *ProjectHandler) TerminateProject(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.service.Terminate(r.Context(), name); err != nil {
		writeError(w, "Failed to terminate project", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"status": models.ProjectTerminated,
	})
}

// DestroyProject handles DELETE /v1/projects/{name}
func (h *ProjectHandler) DestroyProject(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.service.Destroy(r.Context(), name); err != nil {
		writeError(w, "Failed to destroy project", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"status": models.ProjectDestroyed,
	})
}

// GetProjectEvents handles GET /v1/projects/{name}/events
func (h *ProjectHandler) GetProjectEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.service.Events(r.Context(), name, limit)
	if err != nil {
		writeError(w, "Failed to fetch events", err)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"instance_id": event.InstanceID,
			"at":          event.At,
			"to_state":    event.ToState,
			"reason":      event.Reason,
		}
		if event.FromState != nil {
			item["from_state"] = *event.FromState
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain errors onto status codes
func writeError(w http.ResponseWriter, msg string, err error) {
	var (
		noCandidate *models.NoCandidateError
		conflict    *models.KeyConflictError
		pricing     *models.PricingUnavailableError
		syncErr     *models.SyncError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &syncErr), errors.Is(err, models.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.As(err, &noCandidate):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &pricing):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
	}
	http.Error(w, msg+": "+err.Error(), status)
}
