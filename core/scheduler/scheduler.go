package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"spot-runner/core/execution"
	"spot-runner/core/executor"
	"spot-runner/core/models"
	"spot-runner/core/monitoring"
	"spot-runner/core/optimizer"
	"spot-runner/core/repository"
	"spot-runner/core/resource_manager"
	"spot-runner/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Provider is the cloud surface a Runner drives
type Provider interface {
	optimizer.Catalog
	optimizer.PriceSource
	resource_manager.InstanceAPI
	ListByProject(ctx context.Context, project string) ([]models.RemoteInstance, error)
	EnsureAccess(ctx context.Context, req models.AccessRequest) (models.AccessConfig, error)
	DeleteAccess(ctx context.Context, project string) error
	ResolveImage(ctx context.Context, imageID, pattern string) (string, error)
	Region() string
}

// Deployer starts user code on a running instance
type Deployer interface {
	Deploy(ctx context.Context, inst models.ProvisionedInstance, project *models.Project, art *executor.Artifact, run execution.RunInfo) error
}

// DeployerFactory builds a Deployer for the access provisioned for a project
type DeployerFactory func(access models.AccessConfig) (Deployer, error)

// Options configures a Runner
type Options struct {
	Provisioning resource_manager.Config
	Termination  resource_manager.TerminatorConfig
	Oracle       optimizer.OracleConfig
	CatalogTTL   time.Duration

	BucketPrefix string
	WorkDir      string

	SSHUser         string
	SSHCIDR         string
	KeyName         string
	KeyPath         string
	SecurityGroupID string
	InstanceProfile string
	ImageID         string
	ImagePattern    string

	SupervisorInterval time.Duration
}

// DefaultOptions returns the default runner options
func DefaultOptions() Options {
	return Options{
		Provisioning:       resource_manager.DefaultConfig(),
		Termination:        resource_manager.DefaultTerminatorConfig(),
		Oracle:             optimizer.DefaultOracleConfig(),
		CatalogTTL:         time.Hour,
		BucketPrefix:       "spotrun",
		WorkDir:            filepath.Join(os.TempDir(), "spotrun"),
		SSHUser:            "ec2-user",
		SSHCIDR:            "0.0.0.0/0",
		SupervisorInterval: 30 * time.Second,
	}
}

// Runner starts, tracks and terminates project runs
type Runner struct {
	provider    Provider
	store       storage.ObjectStore
	projects    *repository.ProjectRepository
	instances   *repository.InstanceRepository
	metrics     *monitoring.Metrics
	costs       *monitoring.CostTracker
	tracer      *monitoring.Tracer
	deployerFor DeployerFactory

	catalog     *optimizer.CachedCatalog
	resolver    *optimizer.Resolver
	oracle      *optimizer.PricingOracle
	calculator  *optimizer.CostCalculator
	packager    *executor.Packager
	terminator  *resource_manager.Terminator
	provisioner *resource_manager.Provisioner
	opts        Options

	mu   sync.Mutex
	runs map[string]*Run
}

// Deps groups the collaborators of a Runner
type Deps struct {
	Provider    Provider
	Store       storage.ObjectStore
	DB          *repository.DB
	Metrics     *monitoring.Metrics
	Costs       *monitoring.CostTracker
	Tracer      *monitoring.Tracer
	DeployerFor DeployerFactory
}

// NewRunner creates a new runner
func NewRunner(deps Deps, opts Options) *Runner {
	r := &Runner{
		provider:    deps.Provider,
		store:       deps.Store,
		metrics:     deps.Metrics,
		costs:       deps.Costs,
		tracer:      deps.Tracer,
		deployerFor: deps.DeployerFor,
		calculator:  optimizer.NewCostCalculator(),
		packager:    executor.NewPackager(opts.WorkDir),
		opts:        opts,
		runs:        make(map[string]*Run),
	}
	if r.costs == nil {
		r.costs = monitoring.NewCostTracker()
	}
	if deps.DB != nil {
		r.projects = repository.NewProjectRepository(deps.DB)
		r.instances = repository.NewInstanceRepository(deps.DB)
	}

	var catalog optimizer.Catalog = deps.Provider
	if opts.CatalogTTL > 0 {
		r.catalog = optimizer.NewCachedCatalog(deps.Provider, opts.CatalogTTL)
		catalog = r.catalog
	}
	r.resolver = optimizer.NewResolver(catalog)
	r.oracle = optimizer.NewPricingOracle(deps.Provider, opts.Oracle)

	recorder := monitoring.MultiRecorder{r.costs}
	if r.metrics != nil {
		recorder = append(recorder, r.metrics)
	}
	if r.instances != nil {
		recorder = append(recorder, r.instances)
	}
	r.terminator = resource_manager.NewTerminator(deps.Provider, opts.Termination)
	r.provisioner = resource_manager.NewProvisioner(deps.Provider, recorder, r.terminator, opts.Provisioning)
	return r
}

// RefreshCatalog keeps the cached instance catalog warm until ctx is done.
// It returns immediately when caching is disabled.
func (r *Runner) RefreshCatalog(ctx context.Context) {
	if r.catalog == nil {
		return
	}
	r.catalog.StartRefreshWorker(ctx)
}

// Quote is the outcome of selection without launching anything
type Quote struct {
	Selection    models.Selection
	Alternatives []models.Selection
	Plan         optimizer.RunPlan
}

// Quote selects the cheapest candidate for project and plans the run
func (r *Runner) Quote(ctx context.Context, project *models.Project) (*Quote, error) {
	ranked, err := r.rank(ctx, project)
	if err != nil {
		return nil, err
	}
	plan, err := r.calculator.Plan(ranked[0].Price, project.NInstances, project.Duration, project.Budget)
	if err != nil {
		return nil, err
	}
	alternatives := ranked[1:]
	if len(alternatives) > 5 {
		alternatives = alternatives[:5]
	}
	return &Quote{Selection: ranked[0], Alternatives: alternatives, Plan: plan}, nil
}

func (r *Runner) rank(ctx context.Context, project *models.Project) (ranked []models.Selection, err error) {
	ctx, span := r.tracer.Start(ctx, "select", attribute.String("project", project.Name))
	defer func() { monitoring.End(span, err) }()

	candidates, err := r.resolver.Resolve(ctx, project.Requirement)
	if err != nil {
		return nil, err
	}
	return r.oracle.Rank(ctx, project.Requirement, candidates)
}

// Start selects an instance type, uploads data, packages the project and
// begins provisioning. It returns once instances are requested; use Run.Wait
// to block until they are deployed. Nothing is launched when a step before
// provisioning fails.
func (r *Runner) Start(ctx context.Context, project *models.Project) (*Run, error) {
	logger := log.With().Str("component", "runner").Str("project", project.Name).Logger()

	r.mu.Lock()
	if existing, ok := r.runs[project.Name]; ok && !existing.finished() {
		r.mu.Unlock()
		return nil, fmt.Errorf("project %s is already running", project.Name)
	}
	r.mu.Unlock()

	// key conflicts surface before anything is uploaded
	data, err := models.NewDataSet(project.Data...)
	if err != nil {
		return nil, err
	}

	project.Region = r.provider.Region()
	project.Bucket = models.BucketName(r.opts.BucketPrefix, project.Name)
	project.RunID = uuid.NewString()
	project.Status = models.ProjectStarting
	r.saveProject(ctx, project)

	quote, err := r.Quote(ctx, project)
	if err != nil {
		r.failProject(ctx, project, err)
		return nil, err
	}
	sel := quote.Selection
	project.Selection = &sel
	project.NInstances = quote.Plan.NInstances
	project.Duration = quote.Plan.Duration
	project.Budget = quote.Plan.Budget
	r.metrics.RecordSelection(project.Name, sel)
	logger.Info().
		Str("type", sel.Candidate.TypeID).
		Str("zone", sel.Candidate.Zone).
		Str("market", string(sel.Market)).
		Float64("price", sel.Price).
		Int("instances", project.NInstances).
		Msg("instance type selected")

	art, access, imageID, err := r.prepare(ctx, project, data)
	if err != nil {
		r.failProject(ctx, project, err)
		return nil, err
	}

	deployer, err := r.deployerFor(access)
	if err != nil {
		r.failProject(ctx, project, err)
		return nil, fmt.Errorf("failed to create deployer: %w", err)
	}

	template := models.LaunchRequest{
		Project:         project.Name,
		RunID:           project.RunID,
		TypeID:          sel.Candidate.TypeID,
		Zone:            sel.Candidate.Zone,
		Market:          sel.Market,
		Price:           sel.Price,
		ImageID:         imageID,
		KeyName:         access.KeyName,
		SecurityGroupID: access.SecurityGroupID,
		InstanceProfile: access.InstanceProfile,
	}

	if sel.Market == models.MarketSpot && project.Requirement.MaxPrice != nil {
		template.MaxPrice = *project.Requirement.MaxPrice
	}

	now := time.Now().UTC()
	project.StartedAt = &now
	r.saveProject(ctx, project)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		runner:   r,
		project:  project,
		artifact: art,
		template: template,
		deployer: deployer,
		cancel:   cancel,
		logger:   logger,
	}
	run.handle = r.provisioner.Provision(runCtx, template, project.NInstances, run.deploy)

	r.mu.Lock()
	r.runs[project.Name] = run
	r.mu.Unlock()

	r.writeStatus(ctx, project, run.handle.Instances())
	logger.Info().Str("run_id", project.RunID).Int("instances", project.NInstances).Msg("provisioning started")
	return run, nil
}

// prepare uploads data, builds the artifact, provisions access and resolves the image
func (r *Runner) prepare(ctx context.Context, project *models.Project, data *models.DataSet) (art *executor.Artifact, access models.AccessConfig, imageID string, err error) {
	ctx, span := r.tracer.Start(ctx, "prepare", attribute.String("project", project.Name))
	defer func() { monitoring.End(span, err) }()

	if err = r.store.EnsureBucket(ctx, project.Bucket); err != nil {
		return nil, access, "", fmt.Errorf("failed to create bucket %s: %w", project.Bucket, err)
	}
	if data.Len() > 0 {
		syncer := storage.NewSynchronizer(r.store, project.Bucket, "")
		if _, err = syncer.UploadData(ctx, data.Entries(), storage.UploadOptions{}); err != nil {
			return nil, access, "", err
		}
	}

	art, err = r.packager.Package(project)
	if err != nil {
		return nil, access, "", fmt.Errorf("failed to package project: %w", err)
	}

	access, err = r.access(ctx, project)
	if err != nil {
		return nil, access, "", err
	}

	imageID, err = r.provider.ResolveImage(ctx, r.opts.ImageID, r.opts.ImagePattern)
	if err != nil {
		return nil, access, "", fmt.Errorf("failed to resolve image: %w", err)
	}
	return art, access, imageID, nil
}

// access combines the configured access resources with whatever the provider
// has to create: SSH resources unless a key and group are configured, and an
// instance role unless a profile is configured
func (r *Runner) access(ctx context.Context, project *models.Project) (models.AccessConfig, error) {
	access := models.AccessConfig{
		KeyName:         r.opts.KeyName,
		KeyPath:         r.opts.KeyPath,
		SecurityGroupID: r.opts.SecurityGroupID,
		InstanceProfile: r.opts.InstanceProfile,
		User:            r.opts.SSHUser,
	}
	req := models.AccessRequest{
		Project:  project.Name,
		CIDR:     r.opts.SSHCIDR,
		Buckets:  projectBuckets(project),
		LogGroup: models.LogGroupName(project.Name),
		SSH:      !r.ownsSSH(),
		Role:     r.opts.InstanceProfile == "",
	}
	if !req.SSH && !req.Role {
		return access, nil
	}

	created, err := r.provider.EnsureAccess(ctx, req)
	if err != nil {
		return models.AccessConfig{}, fmt.Errorf("failed to set up access: %w", err)
	}
	if req.SSH {
		access.KeyName, access.KeyPath, access.SecurityGroupID = created.KeyName, created.KeyPath, created.SecurityGroupID
	}
	if req.Role {
		access.InstanceProfile = created.InstanceProfile
	}
	return access, nil
}

func (r *Runner) ownsSSH() bool {
	return r.opts.KeyPath != "" && r.opts.SecurityGroupID != ""
}

// projectBuckets lists the project bucket and every other bucket its data lives in
func projectBuckets(project *models.Project) []string {
	buckets := []string{project.Bucket}
	seen := map[string]bool{project.Bucket: true}
	for _, e := range project.Data {
		if e.Bucket != "" && !seen[e.Bucket] {
			seen[e.Bucket] = true
			buckets = append(buckets, e.Bucket)
		}
	}
	return buckets
}

// Run starts project and blocks until every instance is deployed. On any
// failure every requested instance is terminated before returning.
func (r *Runner) Run(ctx context.Context, project *models.Project) (err error) {
	run, err := r.Start(ctx, project)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if termErr := r.Terminate(context.WithoutCancel(ctx), project.Name); termErr != nil {
				err = errors.Join(err, termErr)
			}
		}
	}()
	return run.Wait(ctx)
}

// Launch starts project and returns without waiting for deployment. Once
// every instance is deployed the run is supervised; a failed deployment
// terminates the project.
func (r *Runner) Launch(ctx context.Context, project *models.Project) (*Run, error) {
	run, err := r.Start(ctx, project)
	if err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := run.Wait(bg); err != nil {
			run.logger.Error().Err(err).Msg("deployment failed, terminating project")
			if termErr := r.Terminate(bg, project.Name); termErr != nil {
				run.logger.Error().Err(termErr).Msg("failed to terminate project")
			}
			return
		}
		if !run.finished() {
			r.Supervise(bg, run)
		}
	}()
	return run, nil
}

// Active returns the in-process run of a project
func (r *Runner) Active(name string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[name]
	return run, ok
}

// Terminate releases every instance of a project, including instances found
// by tag that this process does not own. Terminating twice is a no-op.
func (r *Runner) Terminate(ctx context.Context, name string) (err error) {
	ctx, span := r.tracer.Start(ctx, "terminate", attribute.String("project", name))
	defer func() { monitoring.End(span, err) }()
	logger := log.With().Str("component", "runner").Str("project", name).Logger()

	owned := map[string]bool{}
	var errs []error

	run, ok := r.Active(name)
	if ok {
		run.stop()
		machines := run.handle.Machines()
		if err := r.terminator.Terminate(ctx, machines...); err != nil {
			r.metrics.RecordTerminationFailure()
			errs = append(errs, err)
		}
		run.cancel()
		for _, m := range machines {
			if id := m.Snapshot().ProviderID; id != "" {
				owned[id] = true
			}
		}
	}

	remote, err := r.provider.ListByProject(ctx, name)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list instances of %s: %w", name, err))
	}
	var orphans []string
	for _, ri := range remote {
		if !owned[ri.ProviderID] && ri.State != models.RemoteTerminated && ri.State != models.RemoteShuttingDown {
			orphans = append(orphans, ri.ProviderID)
		}
	}
	if len(orphans) > 0 {
		logger.Info().Strs("instances", orphans).Msg("terminating untracked instances")
		if err := r.terminator.TerminateIDs(ctx, orphans); err != nil {
			r.metrics.RecordTerminationFailure()
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	if project, getErr := r.loadProject(ctx, name); getErr == nil {
		project.Status = models.ProjectTerminated
		project.RunningCostUSD = r.costs.RunningCost(name)
		r.saveProject(ctx, project)
		var snapshot []models.ProvisionedInstance
		if ok {
			snapshot = run.handle.Instances()
		}
		r.writeStatus(ctx, project, snapshot)
	}
	logger.Info().Msg("project terminated")
	return nil
}

// Destroy terminates a project and removes its access resources and bucket
func (r *Runner) Destroy(ctx context.Context, name string) error {
	if err := r.Terminate(ctx, name); err != nil {
		return err
	}

	var errs []error
	if !r.ownsSSH() || r.opts.InstanceProfile == "" {
		if err := r.provider.DeleteAccess(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	bucket := models.BucketName(r.opts.BucketPrefix, name)
	if err := r.store.DeleteBucket(ctx, bucket); err != nil && !storage.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("failed to delete bucket %s: %w", bucket, err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if project, err := r.loadProject(ctx, name); err == nil {
		project.Status = models.ProjectDestroyed
		r.saveProject(ctx, project)
	}
	r.mu.Lock()
	delete(r.runs, name)
	r.mu.Unlock()
	r.costs.StopTracking(name)
	log.Info().Str("project", name).Str("bucket", bucket).Msg("project destroyed")
	return nil
}

// StatusReport describes a project and its instances
type StatusReport struct {
	Project   *models.Project              `json:"project"`
	Instances []models.ProvisionedInstance `json:"instances"`
	Remote    []models.RemoteInstance      `json:"remote"`
	CostUSD   float64                      `json:"cost_usd"`
}

// Status reports the stored project, its tracked instances and what the provider sees
func (r *Runner) Status(ctx context.Context, name string) (*StatusReport, error) {
	project, err := r.loadProject(ctx, name)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Project: project, CostUSD: project.RunningCostUSD}

	if run, ok := r.Active(name); ok {
		report.Instances = run.handle.Instances()
		report.CostUSD = r.costs.RunningCost(name)
	} else if r.instances != nil {
		report.Instances, err = r.instances.ListByProject(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	report.Remote, err = r.provider.ListByProject(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of %s: %w", name, err)
	}
	return report, nil
}

// List returns every known project
func (r *Runner) List(ctx context.Context) ([]*models.Project, error) {
	if r.projects == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := make([]*models.Project, 0, len(r.runs))
		for _, run := range r.runs {
			out = append(out, run.project)
		}
		return out, nil
	}
	return r.projects.List(ctx)
}

// Events returns the latest instance transitions of a project
func (r *Runner) Events(ctx context.Context, name string, limit int) ([]models.InstanceEvent, error) {
	if r.instances == nil {
		return nil, nil
	}
	return r.instances.Events(ctx, name, limit)
}

// UploadData pushes project data to its bucket without starting a run
func (r *Runner) UploadData(ctx context.Context, project *models.Project, opts storage.UploadOptions) (*storage.UploadReport, error) {
	data, err := models.NewDataSet(project.Data...)
	if err != nil {
		return nil, err
	}
	bucket := models.BucketName(r.opts.BucketPrefix, project.Name)
	if err := r.store.EnsureBucket(ctx, bucket); err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return storage.NewSynchronizer(r.store, bucket, "").UploadData(ctx, data.Entries(), opts)
}

// Outputs returns the output manager of a project bucket
func (r *Runner) Outputs(name string) *storage.OutputManager {
	return storage.NewOutputManager(r.store, models.BucketName(r.opts.BucketPrefix, name))
}

func (r *Runner) loadProject(ctx context.Context, name string) (*models.Project, error) {
	if r.projects != nil {
		return r.projects.Get(ctx, name)
	}
	if run, ok := r.Active(name); ok {
		return run.project, nil
	}
	return nil, fmt.Errorf("project %s: %w", name, models.ErrNotFound)
}

func (r *Runner) saveProject(ctx context.Context, project *models.Project) {
	if r.projects == nil {
		return
	}
	if err := r.projects.Save(ctx, project); err != nil {
		log.Error().Err(err).Str("project", project.Name).Msg("failed to save project")
	}
}

func (r *Runner) failProject(ctx context.Context, project *models.Project, cause error) {
	log.Error().Err(cause).Str("project", project.Name).Msg("project failed")
	project.Status = models.ProjectFailed
	r.saveProject(ctx, project)
}

// Run is one in-process project run
type Run struct {
	runner   *Runner
	project  *models.Project
	artifact *executor.Artifact
	template models.LaunchRequest
	deployer Deployer
	handle   *resource_manager.Handle
	cancel   context.CancelFunc
	logger   zerolog.Logger

	mu         sync.Mutex
	done       bool
	supervisor *Supervisor
}

// Project returns the project of this run
func (run *Run) Project() *models.Project {
	return run.project
}

// Instances returns a snapshot of every instance of the run
func (run *Run) Instances() []models.ProvisionedInstance {
	return run.handle.Instances()
}

// Wait blocks until every instance is running with the program started
func (run *Run) Wait(ctx context.Context) error {
	err := run.handle.Wait(ctx)
	r := run.runner
	if err != nil {
		return err
	}
	run.project.Status = models.ProjectRunning
	r.saveProject(ctx, run.project)
	r.writeStatus(ctx, run.project, run.handle.Instances())
	run.logger.Info().Int("instances", len(run.handle.Machines())).Msg("all instances deployed")
	return nil
}

func (run *Run) deploy(ctx context.Context, inst models.ProvisionedInstance) (err error) {
	r := run.runner
	ctx, span := r.tracer.Start(ctx, "deploy", attribute.String("instance", inst.ID), attribute.String("address", inst.Address))
	start := time.Now()
	defer func() {
		r.metrics.RecordDeployment(err, time.Since(start))
		monitoring.End(span, err)
	}()

	info := execution.RunInfo{
		Project:    run.project.Name,
		Bucket:     run.project.Bucket,
		RunID:      run.project.RunID,
		InstanceID: inst.ID,
		Region:     run.project.Region,
		Home:       path.Join("/home", r.opts.SSHUser, "spotrun"),
		LogGroup:   models.LogGroupName(run.project.Name),
	}
	return run.deployer.Deploy(ctx, inst, run.project, run.artifact, info)
}

func (run *Run) stop() {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.done = true
	if run.supervisor != nil {
		run.supervisor.Stop()
	}
}

func (run *Run) finished() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.done
}
