package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spot-runner/core/models"
	"spot-runner/core/resource_manager"

	"github.com/rs/zerolog/log"
)

// Supervisor keeps a run at its instance count and ends it once the
// duration elapses or the accrued cost exceeds the budget
type Supervisor struct {
	runner   *Runner
	run      *Run
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	mu           sync.Mutex
	replacements int
}

// Supervise starts a supervisor for run in the background
func (r *Runner) Supervise(ctx context.Context, run *Run) *Supervisor {
	s := &Supervisor{
		runner:   r,
		run:      run,
		interval: r.opts.SupervisorInterval,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	run.mu.Lock()
	run.supervisor = s
	run.mu.Unlock()

	go s.Start(ctx)
	return s
}

// Start runs the supervision loop until ctx ends, Stop is called or the run is terminated
func (s *Supervisor) Start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			finished, err := s.Check(ctx)
			if err != nil {
				log.Error().Err(err).Str("project", s.run.project.Name).Msg("supervisor check failed")
			}
			if finished {
				return
			}
		}
	}
}

// Stop ends supervision without touching instances
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Done is closed when the supervision loop exits
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Replacements returns how many instances were re-provisioned
func (s *Supervisor) Replacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replacements
}

// Check performs one supervision pass and reports whether the run ended
func (s *Supervisor) Check(ctx context.Context) (bool, error) {
	r, run := s.runner, s.run
	project := run.project
	logger := log.With().Str("component", "supervisor").Str("project", project.Name).Logger()

	cost := r.costs.RunningCost(project.Name)
	r.metrics.SetProjectCost(project.Name, cost)

	if project.Duration > 0 && project.StartedAt != nil && s.now().Sub(*project.StartedAt) >= project.Duration {
		logger.Info().Dur("duration", project.Duration).Msg("run duration elapsed, terminating")
		return true, s.terminate(ctx)
	}
	if r.costs.OverBudget(project.Name, project.Budget) {
		logger.Warn().Float64("cost", cost).Float64("budget", project.Budget).Msg("budget exceeded, terminating")
		return true, s.terminate(ctx)
	}

	if err := s.detectReclaimed(ctx); err != nil {
		return false, err
	}

	active := 0
	for _, m := range run.handle.Machines() {
		switch m.State() {
		case models.StateRequesting, models.StatePending, models.StateRunning:
			active++
		}
	}
	missing := project.NInstances - active
	if missing <= 0 {
		return false, nil
	}

	s.mu.Lock()
	used := s.replacements
	s.mu.Unlock()
	if used+missing > s.replacementLimit() {
		failErr := s.exhausted(used)
		logger.Error().Err(failErr).Int("replacements", used).Msg("replacement limit reached, ending run")
		if err := s.terminate(ctx); err != nil {
			return true, errors.Join(failErr, err)
		}
		project.RunningCostUSD = cost
		r.failProject(context.WithoutCancel(ctx), project, failErr)
		return true, failErr
	}

	logger.Info().Int("active", active).Int("replacing", missing).Msg("re-provisioning reclaimed instances")
	r.provisioner.Add(ctx, run.handle, run.template, missing, run.deploy)
	s.mu.Lock()
	s.replacements += missing
	s.mu.Unlock()
	return false, nil
}

// replacementLimit bounds re-provisioning over the life of a run
func (s *Supervisor) replacementLimit() int {
	attempts := s.runner.opts.Provisioning.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return attempts * s.run.project.NInstances
}

// exhausted builds the error ending a run whose replacements keep failing
func (s *Supervisor) exhausted(replacements int) error {
	var last models.ProvisionedInstance
	for _, m := range s.run.handle.Machines() {
		if inst := m.Snapshot(); inst.LastError != "" {
			last = inst
		}
	}
	cause := fmt.Errorf("%d replacement instance(s) did not stay running", replacements)
	if last.LastError != "" {
		cause = fmt.Errorf("%w: last error: %s", cause, last.LastError)
	}
	return &models.ProvisioningFailedError{InstanceID: last.ID, Attempts: replacements, Err: cause}
}

// detectReclaimed marks Running machines the provider no longer runs as interrupted
func (s *Supervisor) detectReclaimed(ctx context.Context) error {
	remote, err := s.runner.provider.ListByProject(ctx, s.run.project.Name)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	live := make(map[string]models.RemoteInstance, len(remote))
	for _, ri := range remote {
		live[ri.ProviderID] = ri
	}

	for _, m := range s.run.handle.Machines() {
		inst := m.Snapshot()
		if inst.State != models.StateRunning {
			continue
		}
		ri, ok := live[inst.ProviderID]
		switch {
		case !ok:
			err = m.MarkInterrupted(ctx, "instance no longer listed by provider")
		case ri.Interrupted || ri.State == models.RemoteTerminated || ri.State == models.RemoteShuttingDown ||
			ri.State == models.RemoteStopped || ri.State == models.RemoteStopping:
			err = m.MarkInterrupted(ctx, fmt.Sprintf("instance %s: %s", ri.State, ri.Reason))
		default:
			continue
		}
		if err != nil && !errors.Is(err, resource_manager.ErrCancelled) {
			return err
		}
	}
	return nil
}

func (s *Supervisor) terminate(ctx context.Context) error {
	return s.runner.Terminate(context.WithoutCancel(ctx), s.run.project.Name)
}
