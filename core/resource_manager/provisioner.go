package resource_manager

import (
	"context"
	"errors"
	"sync"

	"spot-runner/core/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RunningHook is invoked once an instance reaches Running
type RunningHook func(ctx context.Context, inst models.ProvisionedInstance) error

// Provisioner starts instances in parallel, one state machine each
type Provisioner struct {
	api        InstanceAPI
	recorder   EventRecorder
	terminator *Terminator
	cfg        Config
}

// NewProvisioner creates a new provisioner
func NewProvisioner(api InstanceAPI, recorder EventRecorder, terminator *Terminator, cfg Config) *Provisioner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Provisioner{
		api:        api,
		recorder:   recorder,
		terminator: terminator,
		cfg:        cfg,
	}
}

// Handle tracks the machines of one run
type Handle struct {
	mu       sync.Mutex
	machines []*Machine
	group    errgroup.Group
	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Machines returns the machines started so far
func (h *Handle) Machines() []*Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Machine, len(h.machines))
	copy(out, h.machines)
	return out
}

// Instances returns a snapshot of every instance
func (h *Handle) Instances() []models.ProvisionedInstance {
	machines := h.Machines()
	out := make([]models.ProvisionedInstance, len(machines))
	for i, m := range machines {
		out[i] = m.Snapshot()
	}
	return out
}

// Wait blocks until every machine has settled, hooks included, and returns
// the first failure.
func (h *Handle) Wait(ctx context.Context) error {
	h.waitOnce.Do(func() {
		go func() {
			h.waitErr = h.group.Wait()
			close(h.done)
		}()
	})
	select {
	case <-h.done:
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Provision starts n instances from template and returns immediately
func (p *Provisioner) Provision(ctx context.Context, template models.LaunchRequest, n int, onRunning RunningHook) *Handle {
	h := &Handle{done: make(chan struct{})}
	p.Add(ctx, h, template, n, onRunning)
	return h
}

// Add starts n more machines under an existing handle
func (p *Provisioner) Add(ctx context.Context, h *Handle, template models.LaunchRequest, n int, onRunning RunningHook) []*Machine {
	started := make([]*Machine, 0, n)
	for i := 0; i < n; i++ {
		m := NewMachine("inst-"+uuid.NewString()[:8], template, p.api, p.recorder, p.cfg)
		h.mu.Lock()
		h.machines = append(h.machines, m)
		h.mu.Unlock()
		started = append(started, m)

		h.group.Go(func() error {
			return p.runMachine(ctx, m, onRunning)
		})
	}
	return started
}

func (p *Provisioner) runMachine(ctx context.Context, m *Machine, onRunning RunningHook) error {
	if err := m.Run(ctx); err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil
		}
		return err
	}
	if onRunning == nil {
		return nil
	}

	err := onRunning(ctx, m.Snapshot())
	if err == nil {
		return nil
	}
	if m.isCancelled() {
		return nil
	}
	m.mu.Lock()
	m.inst.LastError = err.Error()
	m.mu.Unlock()
	if p.cfg.TerminateOnHookFailure && p.terminator != nil {
		log.Warn().Err(err).Str("instance", m.inst.ID).Msg("running hook failed, terminating instance")
		if termErr := p.terminator.Terminate(context.WithoutCancel(ctx), m); termErr != nil {
			return errors.Join(err, termErr)
		}
	}
	return err
}
