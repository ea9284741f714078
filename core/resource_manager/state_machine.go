package resource_manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spot-runner/core/models"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InstanceAPI is the provider surface the state machine drives
type InstanceAPI interface {
	Launch(ctx context.Context, req models.LaunchRequest) (models.RemoteInstance, error)
	Describe(ctx context.Context, providerID string) (models.RemoteInstance, error)
	Terminate(ctx context.Context, providerIDs []string) error
}

// EventRecorder observes every state transition
type EventRecorder interface {
	RecordTransition(ctx context.Context, inst models.ProvisionedInstance, from models.InstanceState, reason string)
}

// Config bounds provisioning
type Config struct {
	PollInterval time.Duration
	// Timeout bounds the time from the first launch attempt to Running
	Timeout time.Duration
	// MaxAttempts is the total number of launch attempts, interruptions included
	MaxAttempts int
	// TerminateOnHookFailure releases an instance whose running hook fails
	TerminateOnHookFailure bool
}

// DefaultConfig returns the default provisioning bounds
func DefaultConfig() Config {
	return Config{
		PollInterval:           5 * time.Second,
		Timeout:                10 * time.Minute,
		MaxAttempts:            3,
		TerminateOnHookFailure: true,
	}
}

// ErrCancelled is returned by a machine whose instance was terminated while provisioning
var ErrCancelled = errors.New("provisioning cancelled by termination")

var errIllegalTransition = errors.New("illegal state transition")

type pollResult int

const (
	pollRunning pollResult = iota
	pollInterrupted
	pollTimeout
	pollCancelled
)

// Machine drives one instance from Requesting to Running and owns its state
type Machine struct {
	mu       sync.Mutex
	inst     models.ProvisionedInstance
	template models.LaunchRequest
	api      InstanceAPI
	recorder EventRecorder
	cfg      Config
	logger   zerolog.Logger

	launching        bool // a launch call is in flight
	cancelled        bool // termination was requested
	releasing        bool // a provider terminate call is in flight
	providerReleased bool // the provider instance was already released
	released         chan struct{}
}

// NewMachine creates a machine in Requesting state for one instance
func NewMachine(id string, template models.LaunchRequest, api InstanceAPI, recorder EventRecorder, cfg Config) *Machine {
	template.InstanceID = id
	m := &Machine{
		inst: models.ProvisionedInstance{
			ID:          id,
			ProjectName: template.Project,
			State:       models.StateRequesting,
			TypeID:      template.TypeID,
			Zone:        template.Zone,
			Market:      template.Market,
			Price:       template.Price,
			UpdatedAt:   time.Now(),
		},
		template: template,
		api:      api,
		recorder: recorder,
		cfg:      cfg,
		logger:   log.With().Str("component", "provisioner").Str("instance", id).Logger(),
		released: make(chan struct{}),
	}
	return m
}

// Snapshot returns a copy of the current instance state
func (m *Machine) Snapshot() models.ProvisionedInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst
}

// State returns the current state
func (m *Machine) State() models.InstanceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst.State
}

// Released is closed once the instance reaches Terminated
func (m *Machine) Released() <-chan struct{} {
	return m.released
}

// transitionLocked moves to state `to`; m.mu must be held
func (m *Machine) transitionLocked(ctx context.Context, to models.InstanceState, reason string) error {
	from := m.inst.State
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", errIllegalTransition, from, to)
	}
	m.inst.State = to
	m.inst.UpdatedAt = time.Now()

	m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("instance state changed")
	if m.recorder != nil {
		m.recorder.RecordTransition(ctx, m.inst, from, reason)
	}
	if to == models.StateTerminated {
		close(m.released)
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, to models.InstanceState, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(ctx, to, reason)
}

func (m *Machine) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Run launches the instance and polls it until Running, retrying interruptions
// up to MaxAttempts. It returns ErrCancelled when terminated concurrently.
func (m *Machine) Run(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		m.mu.Lock()
		if m.cancelled {
			m.mu.Unlock()
			return ErrCancelled
		}
		m.mu.Unlock()

		if m.timedOut(ctx, tctx) {
			return m.fail(ctx, &models.ProvisioningTimeoutError{InstanceID: m.inst.ID, LastState: models.StateRequesting, Timeout: m.cfg.Timeout})
		}
		if ctx.Err() != nil {
			return m.abandon(ctx)
		}

		m.mu.Lock()
		m.inst.Attempts = attempt
		m.launching = true
		m.mu.Unlock()

		remote, err := m.api.Launch(tctx, m.template)

		m.mu.Lock()
		cancelled := m.cancelled
		if !cancelled {
			m.launching = false
		}
		if err == nil {
			m.inst.ProviderID = remote.ProviderID
			m.inst.SpotRequestID = remote.SpotRequestID
			if remote.Zone != "" {
				m.inst.Zone = remote.Zone
			}
		}
		m.mu.Unlock()

		if cancelled {
			return m.releaseLateLaunch(ctx, remote, err)
		}

		if err != nil {
			if m.timedOut(ctx, tctx) {
				return m.fail(ctx, &models.ProvisioningTimeoutError{InstanceID: m.inst.ID, LastState: models.StateRequesting, Timeout: m.cfg.Timeout})
			}
			if ctx.Err() != nil {
				return m.abandon(ctx)
			}
			if models.IsCapacityError(err) {
				if retryErr := m.interrupted(ctx, attempt, err); retryErr != nil {
					return retryErr
				}
				m.pause(tctx)
				continue
			}
			return m.fail(ctx, &models.ProvisioningFailedError{InstanceID: m.inst.ID, Attempts: attempt, Err: err})
		}

		if err := m.transition(ctx, models.StatePending, "launched "+remote.ProviderID); err != nil {
			return m.cancelledOr(err)
		}

		result, remote := m.poll(tctx, remote.ProviderID)
		switch result {
		case pollRunning:
			m.mu.Lock()
			m.inst.Address = remote.Address
			m.inst.LaunchTime = remote.LaunchTime
			err := m.transitionLocked(ctx, models.StateRunning, "provider reports running")
			m.mu.Unlock()
			if err != nil {
				return m.cancelledOr(err)
			}
			m.logger.Info().Str("provider_id", remote.ProviderID).Str("address", remote.Address).Int("attempts", attempt).Msg("instance running")
			return nil

		case pollInterrupted:
			if remote.State != models.RemoteTerminated && remote.State != models.RemoteShuttingDown {
				if err := m.releasePartial(ctx); err != nil {
					return m.fail(ctx, &models.ProvisioningFailedError{InstanceID: m.inst.ID, Attempts: attempt, Err: err})
				}
			}
			if retryErr := m.interrupted(ctx, attempt, fmt.Errorf("instance %s reclaimed: %s", remote.ProviderID, remote.Reason)); retryErr != nil {
				return retryErr
			}
			m.pause(tctx)

		case pollCancelled:
			return ErrCancelled

		case pollTimeout:
			if ctx.Err() != nil {
				return m.abandon(ctx)
			}
			_ = m.releasePartial(ctx)
			return m.fail(ctx, &models.ProvisioningTimeoutError{InstanceID: m.inst.ID, LastState: models.StatePending, Timeout: m.cfg.Timeout})
		}
	}
}

// interrupted records an interruption and either re-enters Requesting or fails when attempts are exhausted
func (m *Machine) interrupted(ctx context.Context, attempt int, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inst.LastError = cause.Error()
	if err := m.transitionLocked(ctx, models.StateInterrupted, cause.Error()); err != nil {
		return m.cancelledOrLocked(err)
	}
	if attempt >= m.cfg.MaxAttempts {
		failErr := &models.ProvisioningFailedError{InstanceID: m.inst.ID, Attempts: attempt, Err: cause}
		if err := m.transitionLocked(ctx, models.StateFailed, "attempts exhausted"); err != nil {
			return m.cancelledOrLocked(err)
		}
		return failErr
	}

	m.inst.Retries++
	m.inst.ProviderID = ""
	m.inst.SpotRequestID = ""
	m.providerReleased = false
	m.logger.Warn().Err(cause).Int("attempt", attempt).Msg("instance interrupted, retrying")
	if err := m.transitionLocked(ctx, models.StateRequesting, "retry after interruption"); err != nil {
		return m.cancelledOrLocked(err)
	}
	return nil
}

// poll describes the instance every PollInterval until it settles
func (m *Machine) poll(ctx context.Context, providerID string) (pollResult, models.RemoteInstance) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if m.isCancelled() {
			return pollCancelled, models.RemoteInstance{}
		}

		remote, err := m.api.Describe(ctx, providerID)
		switch {
		case err != nil:
			if !errors.Is(err, models.ErrNotFound) {
				m.logger.Warn().Err(err).Msg("failed to describe instance")
			}
		case remote.Interrupted:
			return pollInterrupted, remote
		case remote.State == models.RemoteRunning && remote.Address != "":
			return pollRunning, remote
		case remote.State == models.RemoteTerminated, remote.State == models.RemoteShuttingDown,
			remote.State == models.RemoteStopped, remote.State == models.RemoteStopping:
			if m.isCancelled() {
				return pollCancelled, remote
			}
			if remote.Reason == "" {
				remote.Reason = string(remote.State)
			}
			return pollInterrupted, remote
		}

		select {
		case <-ctx.Done():
			return pollTimeout, models.RemoteInstance{ProviderID: providerID}
		case <-ticker.C:
		}
	}
}

// pause waits one poll interval before the next launch attempt
func (m *Machine) pause(ctx context.Context) {
	t := time.NewTimer(m.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (m *Machine) timedOut(ctx, tctx context.Context) bool {
	return ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded)
}

// releasePartial terminates the provider instance of an attempt that will not reach Running
func (m *Machine) releasePartial(ctx context.Context) error {
	m.mu.Lock()
	id := m.inst.ProviderID
	done := m.providerReleased
	m.mu.Unlock()
	if id == "" || done {
		return nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := m.api.Terminate(rctx, []string{id}); err != nil {
		m.logger.Error().Err(err).Str("provider_id", id).Msg("failed to release instance")
		return &models.TerminationError{InstanceIDs: []string{id}, Err: err}
	}
	m.mu.Lock()
	m.providerReleased = true
	m.mu.Unlock()
	return nil
}

// abandon releases whatever the current attempt launched once ctx ends and
// moves the machine to Terminated. It returns the context error.
func (m *Machine) abandon(ctx context.Context) error {
	rctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return ErrCancelled
	}
	if m.inst.State != models.StateTerminating {
		if err := m.transitionLocked(rctx, models.StateTerminating, "provisioning cancelled"); err != nil {
			m.mu.Unlock()
			return errors.Join(ctx.Err(), err)
		}
	}
	m.releasing = true
	m.mu.Unlock()

	relErr := m.releasePartial(rctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.releasing = false
	if relErr != nil {
		return errors.Join(ctx.Err(), relErr)
	}
	_ = m.transitionLocked(rctx, models.StateTerminated, "released after cancellation")
	m.logger.Warn().Str("provider_id", m.inst.ProviderID).Msg("provisioning cancelled, instance released")
	return ctx.Err()
}

// releaseLateLaunch handles a launch that returned after termination was requested.
// launching stays set until the release settles.
func (m *Machine) releaseLateLaunch(ctx context.Context, remote models.RemoteInstance, launchErr error) error {
	if launchErr == nil && remote.ProviderID != "" {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := m.api.Terminate(rctx, []string{remote.ProviderID}); err != nil {
			m.logger.Error().Err(err).Str("provider_id", remote.ProviderID).Msg("failed to release late launch")
			m.mu.Lock()
			m.launching = false
			m.mu.Unlock()
			return &models.TerminationError{InstanceIDs: []string{remote.ProviderID}, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.launching = false
	if m.inst.State != models.StateTerminated {
		if m.inst.State != models.StateTerminating {
			_ = m.transitionLocked(ctx, models.StateTerminating, "cancelled during launch")
		}
		_ = m.transitionLocked(ctx, models.StateTerminated, "late launch released")
	}
	return ErrCancelled
}

func (m *Machine) fail(ctx context.Context, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inst.LastError = err.Error()
	if tErr := m.transitionLocked(ctx, models.StateFailed, err.Error()); tErr != nil {
		return m.cancelledOrLocked(tErr)
	}
	m.logger.Error().Err(err).Msg("instance provisioning failed")
	return err
}

func (m *Machine) cancelledOr(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelledOrLocked(err)
}

func (m *Machine) cancelledOrLocked(err error) error {
	if m.cancelled {
		return ErrCancelled
	}
	return err
}

// MarkInterrupted records that the provider reclaimed a Running instance.
// The provider instance is considered gone and is not released again.
func (m *Machine) MarkInterrupted(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return ErrCancelled
	}
	m.inst.LastError = reason
	if err := m.transitionLocked(ctx, models.StateInterrupted, reason); err != nil {
		return err
	}
	m.providerReleased = true
	m.logger.Warn().Str("provider_id", m.inst.ProviderID).Str("reason", reason).Msg("running instance reclaimed")
	return nil
}
