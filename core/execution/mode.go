package execution

import (
	"os"
	"strings"
	"sync"
)

// Mode is where user code is running
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Environment markers exported to user code on provisioned instances
const (
	EnvMarker     = "SPOTRUN"
	EnvProject    = "SPOTRUN_PROJECT"
	EnvBucket     = "SPOTRUN_BUCKET"
	EnvRunID      = "SPOTRUN_RUN_ID"
	EnvInstanceID = "SPOTRUN_INSTANCE_ID"
	EnvRegion     = "SPOTRUN_REGION"
	EnvHome       = "SPOTRUN_HOME"
	EnvLogGroup   = "SPOTRUN_LOG_GROUP"
)

// detectedMode reads the marker once per process
var detectedMode = sync.OnceValue(func() Mode {
	return modeFromEnv(os.Getenv(EnvMarker))
})

func modeFromEnv(v string) Mode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return ModeRemote
	default:
		return ModeLocal
	}
}

// DetectMode returns the process execution mode, resolved on first call
func DetectMode() Mode {
	return detectedMode()
}

// RunInfo identifies the run a remote process belongs to
type RunInfo struct {
	Project    string
	Bucket     string
	RunID      string
	InstanceID string
	Region     string
	Home       string
	LogGroup   string
}

// RunInfoFromEnv reads the run markers from the environment
func RunInfoFromEnv() RunInfo {
	return RunInfo{
		Project:    os.Getenv(EnvProject),
		Bucket:     os.Getenv(EnvBucket),
		RunID:      os.Getenv(EnvRunID),
		InstanceID: os.Getenv(EnvInstanceID),
		Region:     os.Getenv(EnvRegion),
		Home:       os.Getenv(EnvHome),
		LogGroup:   os.Getenv(EnvLogGroup),
	}
}

// Env renders the markers as environment assignments for a remote process
func (r RunInfo) Env() map[string]string {
	return map[string]string{
		EnvMarker:     "1",
		EnvProject:    r.Project,
		EnvBucket:     r.Bucket,
		EnvRunID:      r.RunID,
		EnvInstanceID: r.InstanceID,
		EnvRegion:     r.Region,
		EnvHome:       r.Home,
		EnvLogGroup:   r.LogGroup,
	}
}
