package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// NoCandidateError is returned when no instance type satisfies a requirement
type NoCandidateError struct {
	Requirement ResourceRequirement
	Reason      string
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no instance candidate for %s: %s", e.Requirement, e.Reason)
}

// PricingUnavailableError is returned when no candidate could be priced
type PricingUnavailableError struct {
	Failures map[string]error // keyed by instance type
}

func (e *PricingUnavailableError) Error() string {
	types := make([]string, 0, len(e.Failures))
	for t := range e.Failures {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s: %v", t, e.Failures[t]))
	}
	return "pricing unavailable for every candidate (" + strings.Join(parts, "; ") + ")"
}

func (e *PricingUnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// ProvisioningTimeoutError is returned when an instance does not reach Running in time
type ProvisioningTimeoutError struct {
	InstanceID string
	LastState  InstanceState
	Timeout    time.Duration
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("instance %s not running after %s (last state %s)", e.InstanceID, e.Timeout, e.LastState)
}

// ProvisioningFailedError is returned when the launch attempts are exhausted or a launch fails permanently
type ProvisioningFailedError struct {
	InstanceID string
	Attempts   int
	Err        error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("failed to provision instance %s after %d attempt(s): %v", e.InstanceID, e.Attempts, e.Err)
}

func (e *ProvisioningFailedError) Unwrap() error { return e.Err }

// DeploymentError is returned when a bootstrap step exits non-zero
type DeploymentError struct {
	InstanceID string
	Step       string
	ExitCode   int
	Stderr     string
	Err        error
}

func (e *DeploymentError) Error() string {
	msg := fmt.Sprintf("deployment step %q failed on %s (exit %d)", e.Step, e.InstanceID, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// SyncError is returned when data cannot be moved between local storage and the object store
type SyncError struct {
	Op     string // "upload" or "fetch"
	Key    string
	Source string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("failed to %s data %q from %s: %v", e.Op, e.Key, e.Source, e.Err)
	}
	return fmt.Sprintf("failed to %s data %q: %v", e.Op, e.Key, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// TerminationError is returned when the provider did not acknowledge termination
type TerminationError struct {
	InstanceIDs []string
	Err         error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("failed to terminate instances %s: %v", strings.Join(e.InstanceIDs, ","), e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// KeyConflictError is returned when a data key is registered twice
type KeyConflictError struct {
	Key string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("data key %q is already registered", e.Key)
}

// ErrInvalidKey is returned for data and output keys that are not relative paths
var ErrInvalidKey = errors.New("invalid key")

// CheckKey rejects keys that are empty or would escape the directory they are joined to
func CheckKey(key string) error {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return fmt.Errorf("%w %q: must be a relative path without ..", ErrInvalidKey, key)
	}
	return nil
}

// ErrNotFound is returned by repositories and object stores for missing records
var ErrNotFound = errors.New("not found")

// CapacityError marks a launch the provider could not fulfil right now,
// such as exhausted spot capacity. Launches failing this way may be retried.
type CapacityError struct {
	Code string
	Err  error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity unavailable (%s): %v", e.Code, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// IsCapacityError reports whether err is a retryable capacity failure
func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}
