package monitoring

import (
	"context"
	"net/http"
	"time"

	"spot-runner/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotrun"

// Metrics exports provisioning and cost metrics for Prometheus.
// A zero Metrics is a valid no-op collector.
type Metrics struct {
	transitions     *prometheus.CounterVec
	instances       *prometheus.GaugeVec
	selections      *prometheus.CounterVec
	selectedPrice   *prometheus.GaugeVec
	deployments     *prometheus.CounterVec
	deployDuration  *prometheus.HistogramVec
	terminateErrors prometheus.Counter
	runningCost     *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a collector on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_transitions_total",
				Help:      "Total number of instance state transitions",
			},
			[]string{"from", "to"},
		),
		instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances",
				Help:      "Current number of instances per project and state",
			},
			[]string{"project", "state"},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of instance selections by market",
			},
			[]string{"market"},
		),
		selectedPrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "selected_price_usd_per_hour",
				Help:      "Hourly price of the instance type selected for a project",
			},
			[]string{"project", "type", "market"},
		),
		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of deployments by status",
			},
			[]string{"status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of instance deployments in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"status"},
		),
		terminateErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "termination_failures_total",
				Help:      "Total number of termination requests the provider did not acknowledge",
			},
		),
		runningCost: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "project_cost_usd",
				Help:      "Accrued cost per project",
			},
			[]string{"project"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.instances,
		m.selections,
		m.selectedPrice,
		m.deployments,
		m.deployDuration,
		m.terminateErrors,
		m.runningCost,
	)
	return m
}

// RecordTransition counts a state change and moves the per-state gauge
func (m *Metrics) RecordTransition(_ context.Context, inst models.ProvisionedInstance, from models.InstanceState, _ string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(inst.State)).Inc()
	if from != "" {
		m.instances.WithLabelValues(inst.ProjectName, string(from)).Dec()
	}
	m.instances.WithLabelValues(inst.ProjectName, string(inst.State)).Inc()
}

// RecordSelection records the candidate chosen for a project
func (m *Metrics) RecordSelection(project string, sel models.Selection) {
	if m == nil || m.selections == nil {
		return
	}
	m.selections.WithLabelValues(string(sel.Market)).Inc()
	m.selectedPrice.WithLabelValues(project, sel.Candidate.TypeID, string(sel.Market)).Set(sel.Price)
}

// RecordDeployment records a finished deployment
func (m *Metrics) RecordDeployment(err error, duration time.Duration) {
	if m == nil || m.deployments == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.deployments.WithLabelValues(status).Inc()
	m.deployDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTerminationFailure counts an unacknowledged termination
func (m *Metrics) RecordTerminationFailure() {
	if m == nil || m.terminateErrors == nil {
		return
	}
	m.terminateErrors.Inc()
}

// SetProjectCost sets the accrued cost of a project
func (m *Metrics) SetProjectCost(project string, usd float64) {
	if m == nil || m.runningCost == nil {
		return
	}
	m.runningCost.WithLabelValues(project).Set(usd)
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
