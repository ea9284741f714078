package routes

import (
	"net/http"

	"spot-runner/api/rest/handlers"
	"spot-runner/core/monitoring"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, service handlers.ProjectService, costs *monitoring.CostTracker, metrics *monitoring.Metrics) {
	projectHandler := handlers.NewProjectHandler(service)
	dashboardHandler := handlers.NewDashboardHandler(service, costs)

	api := r.PathPrefix("/v1").Subrouter()

	// Project endpoints
	api.HandleFunc("/projects", projectHandler.StartProject).Methods("POST")
	api.HandleFunc("/projects", projectHandler.ListProjects).Methods("GET")
	api.HandleFunc("/projects/{name}", projectHandler.GetProject).Methods("GET")
	api.HandleFunc("/projects/{name}", projectHandler.DestroyProject).Methods("DELETE")
	api.HandleFunc("/projects/{name}/terminate", projectHandler.TerminateProject).Methods("POST")
	api.HandleFunc("/projects/{name}/events", projectHandler.GetProjectEvents).Methods("GET")
	api.HandleFunc("/quotes", projectHandler.QuoteProject).Methods("POST")

	// Dashboard endpoints
	api.HandleFunc("/dashboard/costs", dashboardHandler.GetCostMetrics).Methods("GET")

	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}
