package models

import (
	"regexp"
	"strings"
	"time"
)

// ProjectStatus represents the lifecycle of a project
type ProjectStatus string

const (
	ProjectPending     ProjectStatus = "pending"
	ProjectStarting    ProjectStatus = "starting"
	ProjectRunning     ProjectStatus = "running"
	ProjectTerminating ProjectStatus = "terminating"
	ProjectTerminated  ProjectStatus = "terminated"
	ProjectFailed      ProjectStatus = "failed"
	ProjectDestroyed   ProjectStatus = "destroyed"
)

// DataEntry binds a logical key to a local source and its remote copy
type DataEntry struct {
	Key             string `json:"key" yaml:"key" validate:"required"`
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	LocalSource     string `json:"local_source,omitempty" yaml:"source,omitempty"`
	RemoteCachePath string `json:"remote_cache_path,omitempty" yaml:"-"`
}

// ObjectKey is the object-store key holding the entry's content
func (e DataEntry) ObjectKey() string {
	return "data/" + e.Key
}

// Project is a user run: code, packages, data and the compute it needs.
// It is immutable once started.
type Project struct {
	Name           string              `json:"name"`
	Path           string              `json:"path"`
	EntryPoint     string              `json:"entry_point,omitempty"`
	Packages       []string            `json:"packages,omitempty"`
	Requirements   []string            `json:"requirements,omitempty"`
	Commands       []string            `json:"commands,omitempty"`
	RuntimeVersion string              `json:"runtime_version"`
	NInstances     int                 `json:"n_instances"`
	Duration       time.Duration       `json:"duration"`
	Budget         float64             `json:"budget"`
	Requirement    ResourceRequirement `json:"requirement"`
	Data           []DataEntry         `json:"data,omitempty"`
	EnvVars        map[string]string   `json:"env_vars,omitempty"`
	Bucket         string              `json:"bucket"`
	Region         string              `json:"region"`
	Status         ProjectStatus       `json:"status"`
	Selection      *Selection          `json:"selection,omitempty"`
	RunID          string              `json:"run_id,omitempty"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	RunningCostUSD float64             `json:"running_cost_usd"`
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// FormatName lowercases name and replaces runs of non-alphanumerics with '-'
func FormatName(name string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// LogGroupName returns the CloudWatch log group remote runs of project stream to
func LogGroupName(project string) string {
	return "/spotrun/" + FormatName(project)
}

// BucketName returns the per-project bucket name
func BucketName(prefix, project string) string {
	return prefix + "-" + FormatName(project)
}
