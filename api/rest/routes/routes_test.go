package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spot-runner/core/models"
	"spot-runner/core/monitoring"
	"spot-runner/core/optimizer"
	"spot-runner/core/scheduler"

	"github.com/gorilla/mux"
)

type fakeService struct {
	launched   []*models.Project
	terminated []string
	destroyed  []string
	projects   []*models.Project
	launchErr  error
}

func (s *fakeService) Launch(_ context.Context, p *models.Project) (*scheduler.Run, error) {
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	p.RunID = "run-1"
	p.Status = models.ProjectStarting
	p.Bucket = models.BucketName("spotrun", p.Name)
	s.launched = append(s.launched, p)
	return nil, nil
}

func (s *fakeService) Quote(_ context.Context, p *models.Project) (*scheduler.Quote, error) {
	sel := models.Selection{Market: models.MarketSpot, Price: 0.05}
	sel.Candidate.TypeID = "t3.large"
	return &scheduler.Quote{Selection: sel, Plan: optimizer.RunPlan{NInstances: 2, PricePerHour: 0.05}}, nil
}

func (s *fakeService) Status(_ context.Context, name string) (*scheduler.StatusReport, error) {
	for _, p := range s.projects {
		if p.Name == name {
			return &scheduler.StatusReport{Project: p, CostUSD: 1.5}, nil
		}
	}
	return nil, fmt.Errorf("project %s: %w", name, models.ErrNotFound)
}

func (s *fakeService) List(context.Context) ([]*models.Project, error) {
	return s.projects, nil
}

func (s *fakeService) Terminate(_ context.Context, name string) error {
	s.terminated = append(s.terminated, name)
	return nil
}

func (s *fakeService) Destroy(_ context.Context, name string) error {
	s.destroyed = append(s.destroyed, name)
	return nil
}

func (s *fakeService) Events(_ context.Context, name string, limit int) ([]models.InstanceEvent, error) {
	from := models.StatePending
	return []models.InstanceEvent{
		{InstanceID: "inst-1", Project: name, At: time.Now(), FromState: &from, ToState: models.StateRunning, Reason: "instance running"},
	}, nil
}

func newServer(svc *fakeService) (*httptest.Server, *monitoring.Metrics) {
	metrics := monitoring.NewMetrics()
	r := mux.NewRouter()
	SetupRoutes(r, svc, monitoring.NewCostTracker(), metrics)
	return httptest.NewServer(r), metrics
}

func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestStartProject(t *testing.T) {
	svc := &fakeService{}
	srv, _ := newServer(svc)
	defer srv.Close()

	dir := projectDir(t)
	resp := post(t, srv.URL+"/v1/projects", map[string]string{
		"descriptor": "name: demo\npath: main.go\ninstances: 2\n",
		"base_dir":   dir,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Name   string `json:"name"`
		RunID  string `json:"run_id"`
		Bucket string `json:"bucket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "demo" || out.RunID != "run-1" || out.Bucket != "spotrun-demo" {
		t.Fatalf("response = %+v", out)
	}
	if len(svc.launched) != 1 || svc.launched[0].Path != filepath.Join(dir, "main.go") {
		t.Fatalf("launched = %+v", svc.launched)
	}
}

func TestStartProjectErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      map[string]string
		launchErr error
		want      int
	}{
		{"empty request", map[string]string{}, nil, http.StatusBadRequest},
		{"invalid descriptor", map[string]string{"descriptor": "name: demo\n"}, nil, http.StatusBadRequest},
		{"no candidate", map[string]string{"descriptor": "name: demo\npath: main.go\n"}, &models.NoCandidateError{Reason: "none"}, http.StatusUnprocessableEntity},
		{"key conflict", map[string]string{"descriptor": "name: demo\npath: main.go\n"}, &models.KeyConflictError{Key: "a"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(&fakeService{launchErr: tt.launchErr})
			defer srv.Close()

			body := tt.body
			if _, ok := body["descriptor"]; ok {
				body["base_dir"] = projectDir(t)
			}
			resp := post(t, srv.URL+"/v1/projects", body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestQuoteProject(t *testing.T) {
	srv, _ := newServer(&fakeService{})
	defer srv.Close()

	resp := post(t, srv.URL+"/v1/quotes", map[string]string{
		"descriptor": "name = \"demo\"\npath = \"main.go\"\n",
		"format":     "hcl",
		"base_dir":   projectDir(t),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Selection models.Selection `json:"selection"`
		Plan      struct {
			Instances  int     `json:"instances"`
			HourlyCost float64 `json:"hourly_cost"`
		} `json:"plan"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Selection.Candidate.TypeID != "t3.large" || out.Plan.Instances != 2 || out.Plan.HourlyCost != 0.1 {
		t.Fatalf("quote = %+v", out)
	}
}

func TestProjectQueries(t *testing.T) {
	now := time.Now()
	svc := &fakeService{projects: []*models.Project{
		{Name: "a", Status: models.ProjectRunning, CreatedAt: now},
		{Name: "b", Status: models.ProjectTerminated, CreatedAt: now, RunningCostUSD: 2},
	}}
	srv, _ := newServer(svc)
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"get", "/v1/projects/a", http.StatusOK, `"cost_usd":1.5`},
		{"get missing", "/v1/projects/zzz", http.StatusNotFound, "not found"},
		{"list", "/v1/projects", http.StatusOK, `"name":"b"`},
		{"list filtered", "/v1/projects?status=running", http.StatusOK, `"name":"a"`},
		{"events", "/v1/projects/a/events?limit=10", http.StatusOK, `"to_state":"running"`},
		{"events bad limit", "/v1/projects/a/events?limit=x", http.StatusBadRequest, "Invalid limit"},
		{"dashboard", "/v1/dashboard/costs", http.StatusOK, `"total_usd":2`},
		{"health", "/health", http.StatusOK, "OK"},
		{"metrics", "/metrics", http.StatusOK, "spotrun_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			if resp.StatusCode != tt.status || !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("GET %s = %d %s", tt.path, resp.StatusCode, buf.String())
			}
		})
	}
}

func TestTerminateAndDestroy(t *testing.T) {
	svc := &fakeService{}
	srv, _ := newServer(svc)
	defer srv.Close()

	resp := post(t, srv.URL+"/v1/projects/demo/terminate", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(svc.terminated) != 1 || svc.terminated[0] != "demo" {
		t.Fatalf("terminate = %d %v", resp.StatusCode, svc.terminated)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/projects/demo", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(svc.destroyed) != 1 {
		t.Fatalf("destroy = %d %v", resp.StatusCode, svc.destroyed)
	}
}
