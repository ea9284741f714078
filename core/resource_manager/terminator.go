package resource_manager

import (
	"context"
	"fmt"
	"time"

	"spot-runner/core/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// TerminatorConfig bounds termination retries
type TerminatorConfig struct {
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultTerminatorConfig returns the default retry bounds
func DefaultTerminatorConfig() TerminatorConfig {
	return TerminatorConfig{
		MaxTries:       5,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
	}
}

// Terminator releases provisioned instances; terminating twice is a no-op
type Terminator struct {
	api InstanceAPI
	cfg TerminatorConfig
}

// NewTerminator creates a new terminator
func NewTerminator(api InstanceAPI, cfg TerminatorConfig) *Terminator {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	return &Terminator{api: api, cfg: cfg}
}

type claim int

const (
	claimSkip claim = iota
	claimWait
	claimRelease
)

// claimLocked decides what terminating m requires; m.mu must be held
func (t *Terminator) claimLocked(ctx context.Context, m *Machine) claim {
	m.cancelled = true
	st := m.inst.State

	switch {
	case st == models.StateTerminated:
		return claimSkip
	case m.releasing:
		return claimWait
	case m.launching:
		if st != models.StateTerminating {
			_ = m.transitionLocked(ctx, models.StateTerminating, "cancel requested during launch")
		}
		return claimWait
	case m.inst.ProviderID == "" || m.providerReleased:
		if st != models.StateTerminating && !models.CanTransition(st, models.StateTerminated) {
			_ = m.transitionLocked(ctx, models.StateTerminating, "termination requested")
		}
		_ = m.transitionLocked(ctx, models.StateTerminated, "nothing to release")
		return claimSkip
	default:
		if st != models.StateTerminating {
			_ = m.transitionLocked(ctx, models.StateTerminating, "termination requested")
		}
		m.releasing = true
		return claimRelease
	}
}

// Terminate releases every machine and blocks until the provider acknowledges.
// Machines already Terminated are skipped without a provider call.
func (t *Terminator) Terminate(ctx context.Context, machines ...*Machine) error {
	var toRelease, toWait []*Machine
	var ids []string

	for _, m := range machines {
		m.mu.Lock()
		switch t.claimLocked(ctx, m) {
		case claimRelease:
			toRelease = append(toRelease, m)
			ids = append(ids, m.inst.ProviderID)
		case claimWait:
			toWait = append(toWait, m)
		}
		m.mu.Unlock()
	}

	if len(ids) > 0 {
		if err := t.release(ctx, ids); err != nil {
			for _, m := range toRelease {
				m.mu.Lock()
				m.releasing = false
				m.mu.Unlock()
			}
			log.Error().Err(err).Strs("instances", ids).Msg("failed to terminate instances, they may still be running")
			return &models.TerminationError{InstanceIDs: ids, Err: err}
		}
		for _, m := range toRelease {
			m.mu.Lock()
			m.releasing = false
			_ = m.transitionLocked(ctx, models.StateTerminated, "provider acknowledged termination")
			m.mu.Unlock()
		}
		log.Info().Strs("instances", ids).Msg("instances terminated")
	}

	for _, m := range toWait {
		if err := t.waitReleased(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// waitReleased blocks until a release owned by another caller settles
func (t *Terminator) waitReleased(ctx context.Context, m *Machine) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.Released():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			stalled := !m.releasing && !m.launching && m.inst.State != models.StateTerminated
			id := m.inst.ProviderID
			m.mu.Unlock()
			if stalled {
				return &models.TerminationError{InstanceIDs: []string{id}, Err: fmt.Errorf("concurrent termination did not complete")}
			}
		}
	}
}

// TerminateIDs releases provider instances not owned by a machine, such as orphans found by tag
func (t *Terminator) TerminateIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.release(ctx, ids); err != nil {
		log.Error().Err(err).Strs("instances", ids).Msg("failed to terminate instances, they may still be running")
		return &models.TerminationError{InstanceIDs: ids, Err: err}
	}
	return nil
}

func (t *Terminator) release(ctx context.Context, ids []string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialBackoff
	b.MaxInterval = t.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, t.api.Terminate(ctx, ids)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(t.cfg.MaxTries))
	return err
}
