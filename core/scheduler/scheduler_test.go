package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spot-runner/core/execution"
	"spot-runner/core/executor"
	"spot-runner/core/models"
	"spot-runner/core/optimizer"
	"spot-runner/core/repository"
	"spot-runner/core/resource_manager"
	"spot-runner/storage/storagetest"
)

type fakeProvider struct {
	mu         sync.Mutex
	types      []models.InstanceType
	spot       map[string]float64
	launches   int
	requests   []models.LaunchRequest
	access     []models.AccessRequest
	live       map[string]models.RemoteInstance
	terminated []string
	termCalls  int
	deleted    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		types: []models.InstanceType{
			{TypeID: "t3.medium", VCPU: 2, MemoryGiB: 4, SpotSupported: true},
			{TypeID: "t3.large", VCPU: 2, MemoryGiB: 8, SpotSupported: true},
			{TypeID: "m5.large", VCPU: 2, MemoryGiB: 8, SpotSupported: true},
		},
		spot: map[string]float64{"t3.medium": 0.02, "t3.large": 0.05, "m5.large": 0.07},
		live: map[string]models.RemoteInstance{},
	}
}

func (p *fakeProvider) InstanceTypes(context.Context) ([]models.InstanceType, error) {
	return p.types, nil
}

func (p *fakeProvider) SpotPrices(_ context.Context, typeID string) ([]models.PriceQuote, error) {
	price, ok := p.spot[typeID]
	if !ok {
		return nil, nil
	}
	return []models.PriceQuote{{TypeID: typeID, Zone: "us-east-1a", Market: models.MarketSpot, Price: price}}, nil
}

func (p *fakeProvider) OnDemandPrice(context.Context, string) (*float64, error) {
	v := 0.5
	return &v, nil
}

func (p *fakeProvider) Launch(_ context.Context, req models.LaunchRequest) (models.RemoteInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launches++
	p.requests = append(p.requests, req)
	ri := models.RemoteInstance{
		ProviderID: fmt.Sprintf("i-%d", p.launches),
		State:      models.RemoteRunning,
		Address:    fmt.Sprintf("10.0.0.%d", p.launches),
		TypeID:     req.TypeID,
		Zone:       req.Zone,
	}
	p.live[ri.ProviderID] = ri
	return ri, nil
}

func (p *fakeProvider) Describe(_ context.Context, id string) (models.RemoteInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ri, ok := p.live[id]
	if !ok {
		return models.RemoteInstance{}, models.ErrNotFound
	}
	return ri, nil
}

func (p *fakeProvider) Terminate(_ context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.termCalls++
	for _, id := range ids {
		delete(p.live, id)
		p.terminated = append(p.terminated, id)
	}
	return nil
}

func (p *fakeProvider) ListByProject(context.Context, string) ([]models.RemoteInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.RemoteInstance, 0, len(p.live))
	for _, ri := range p.live {
		out = append(out, ri)
	}
	return out, nil
}

func (p *fakeProvider) EnsureAccess(_ context.Context, req models.AccessRequest) (models.AccessConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access = append(p.access, req)
	var access models.AccessConfig
	if req.SSH {
		access.KeyName, access.KeyPath, access.SecurityGroupID = "spotrun-"+req.Project, "/keys/spotrun.pem", "sg-1"
	}
	if req.Role {
		access.InstanceProfile = "spotrun-" + req.Project
	}
	return access, nil
}

func (p *fakeProvider) DeleteAccess(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted++
	return nil
}

func (p *fakeProvider) ResolveImage(context.Context, string, string) (string, error) {
	return "ami-123", nil
}

func (p *fakeProvider) Region() string { return "us-east-1" }

func (p *fakeProvider) reclaim(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, id)
}

func (p *fakeProvider) counts() (launches, termCalls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches, p.termCalls
}

type fakeDeployer struct {
	mu       sync.Mutex
	deployed []execution.RunInfo
	err      error
}

func (d *fakeDeployer) Deploy(_ context.Context, inst models.ProvisionedInstance, _ *models.Project, art *executor.Artifact, run execution.RunInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if art == nil || inst.Address == "" {
		return errors.New("missing artifact or address")
	}
	d.deployed = append(d.deployed, run)
	return d.err
}

type fixture struct {
	runner   *Runner
	provider *fakeProvider
	store    *storagetest.MemoryStore
	deployer *fakeDeployer
	db       *repository.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.NewDB(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		provider: newFakeProvider(),
		store:    storagetest.NewMemoryStore(),
		deployer: &fakeDeployer{},
		db:       db,
	}

	opts := DefaultOptions()
	opts.WorkDir = t.TempDir()
	opts.CatalogTTL = 0
	opts.Provisioning = resource_manager.Config{PollInterval: time.Millisecond, Timeout: 2 * time.Second, MaxAttempts: 3, TerminateOnHookFailure: true}
	opts.Termination = resource_manager.TerminatorConfig{MaxTries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	opts.Oracle = optimizer.OracleConfig{Concurrency: 4, MaxTries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	opts.SupervisorInterval = 5 * time.Millisecond

	f.runner = NewRunner(Deps{
		Provider:    f.provider,
		Store:       f.store,
		DB:          db,
		DeployerFor: func(models.AccessConfig) (Deployer, error) { return f.deployer, nil },
	}, opts)
	return f
}

func testProject(t *testing.T, n int) *models.Project {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "go.mod"), []byte("module example.com/demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dataFile := filepath.Join(dir, "train.csv")
	if err := os.WriteFile(dataFile, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	maxPrice := 0.09
	return &models.Project{
		Name:        "demo",
		Path:        src,
		EntryPoint:  ".",
		NInstances:  n,
		Requirement: models.ResourceRequirement{MinMemoryGiB: 8, MinVCPU: 2, MaxPrice: &maxPrice},
		Data:        []models.DataEntry{{Key: "train.csv", LocalSource: dataFile}},
	}
}

func TestRunDeploysEveryInstance(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 2)
	ctx := context.Background()

	if err := f.runner.Run(ctx, project); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if project.Selection == nil || project.Selection.Candidate.TypeID != "t3.large" || project.Selection.Market != models.MarketSpot {
		t.Fatalf("selection = %+v", project.Selection)
	}
	for _, req := range f.provider.requests {
		if req.Price != 0.05 || req.MaxPrice != 0.09 {
			t.Fatalf("launch request price = %v bid = %v, want 0.05 and the 0.09 cap", req.Price, req.MaxPrice)
		}
		if req.InstanceProfile != "spotrun-demo" || req.KeyName != "spotrun-demo" {
			t.Fatalf("launch request profile = %q key = %q", req.InstanceProfile, req.KeyName)
		}
	}
	if len(f.provider.access) != 1 {
		t.Fatalf("EnsureAccess calls = %d, want 1", len(f.provider.access))
	}
	if areq := f.provider.access[0]; !areq.SSH || !areq.Role || areq.LogGroup != "/spotrun/demo" || len(areq.Buckets) != 1 || areq.Buckets[0] != "spotrun-demo" {
		t.Fatalf("access request = %+v", areq)
	}
	if project.Bucket != "spotrun-demo" || project.Status != models.ProjectRunning {
		t.Fatalf("project = %+v", project)
	}
	if _, ok := f.store.Object("spotrun-demo", "data/train.csv"); !ok {
		t.Fatal("data not uploaded")
	}
	doc, err := f.runner.ReadStatus(ctx, "demo")
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if doc.Status != models.ProjectRunning || len(doc.Instances) != 2 {
		t.Fatalf("status document = %+v", doc)
	}
	if len(f.deployer.deployed) != 2 {
		t.Fatalf("deployed %d instances, want 2", len(f.deployer.deployed))
	}
	for _, info := range f.deployer.deployed {
		if info.Bucket != "spotrun-demo" || info.RunID != project.RunID || info.InstanceID == "" || info.LogGroup != "/spotrun/demo" {
			t.Fatalf("run info = %+v", info)
		}
	}

	report, err := f.runner.Status(ctx, "demo")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(report.Instances) != 2 || len(report.Remote) != 2 {
		t.Fatalf("report = %+v", report)
	}

	if err := f.runner.Terminate(ctx, "demo"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	_, termCalls := f.provider.counts()
	if termCalls != 1 {
		t.Fatalf("terminate calls = %d, want one batched call", termCalls)
	}
	if err := f.runner.Terminate(ctx, "demo"); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if _, again := f.provider.counts(); again != termCalls {
		t.Fatalf("second terminate made %d provider calls", again-termCalls)
	}

	stored, err := repository.NewProjectRepository(f.db).Get(ctx, "demo")
	if err != nil || stored.Status != models.ProjectTerminated {
		t.Fatalf("stored project = %+v, %v", stored, err)
	}
	events, err := f.runner.Events(ctx, "demo", 100)
	if err != nil || len(events) == 0 {
		t.Fatalf("events = %d, %v", len(events), err)
	}
}

func TestStartRejectsDuplicateDataKeysBeforeUpload(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 1)
	project.Data = append(project.Data, models.DataEntry{Key: "train.csv", LocalSource: project.Data[0].LocalSource})

	_, err := f.runner.Start(context.Background(), project)
	var conflict *models.KeyConflictError
	if !errors.As(err, &conflict) || conflict.Key != "train.csv" {
		t.Fatalf("err = %v, want KeyConflictError", err)
	}
	if f.store.Puts() != 0 {
		t.Fatalf("puts = %d, want 0", f.store.Puts())
	}
	if launches, _ := f.provider.counts(); launches != 0 {
		t.Fatalf("launches = %d, want 0", launches)
	}
}

func TestStartWithNoCandidateLaunchesNothing(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 1)
	project.Requirement.MinMemoryGiB = 512

	_, err := f.runner.Start(context.Background(), project)
	var noCandidate *models.NoCandidateError
	if !errors.As(err, &noCandidate) {
		t.Fatalf("err = %v, want NoCandidateError", err)
	}
	if launches, _ := f.provider.counts(); launches != 0 {
		t.Fatalf("launches = %d, want 0", launches)
	}
	stored, err := repository.NewProjectRepository(f.db).Get(context.Background(), "demo")
	if err != nil || stored.Status != models.ProjectFailed {
		t.Fatalf("stored project = %+v, %v", stored, err)
	}
}

func TestRunTerminatesOnDeploymentFailure(t *testing.T) {
	f := newFixture(t)
	f.deployer.err = &models.DeploymentError{Step: "install requirements", ExitCode: 1, Stderr: "unknown module"}
	project := testProject(t, 2)

	err := f.runner.Run(context.Background(), project)
	var de *models.DeploymentError
	if !errors.As(err, &de) || de.ExitCode != 1 {
		t.Fatalf("err = %v, want DeploymentError", err)
	}

	run, ok := f.runner.Active("demo")
	if !ok {
		t.Fatal("run not tracked")
	}
	for _, inst := range run.Instances() {
		if inst.State != models.StateTerminated {
			t.Fatalf("instance %s state = %s, want terminated", inst.ID, inst.State)
		}
	}
	if remote, _ := f.provider.ListByProject(context.Background(), "demo"); len(remote) != 0 {
		t.Fatalf("instances still live: %+v", remote)
	}
}

func TestQuotePlansRun(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 0)
	project.Duration = 2 * time.Hour
	project.Budget = 0.4

	quote, err := f.runner.Quote(context.Background(), project)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Selection.Candidate.TypeID != "t3.large" || quote.Plan.NInstances != 4 {
		t.Fatalf("quote = %+v", quote)
	}
	if len(quote.Alternatives) != 1 || quote.Alternatives[0].Candidate.TypeID != "m5.large" {
		t.Fatalf("alternatives = %+v", quote.Alternatives)
	}
}

func TestSupervisorReplacesReclaimedInstance(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 1)
	ctx := context.Background()

	run, err := f.runner.Start(ctx, project)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := run.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	first := run.Instances()[0]
	f.provider.reclaim(first.ProviderID)

	sup := &Supervisor{runner: f.runner, run: run, interval: time.Hour, now: time.Now, stopChan: make(chan struct{}), done: make(chan struct{})}
	finished, err := sup.Check(ctx)
	if err != nil || finished {
		t.Fatalf("Check = %v, %v", finished, err)
	}
	if sup.Replacements() != 1 {
		t.Fatalf("replacements = %d, want 1", sup.Replacements())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		running := 0
		for _, inst := range run.Instances() {
			if inst.State == models.StateRunning {
				running++
			}
		}
		if running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instances = %+v", run.Instances())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := run.Instances()[0].State; got != models.StateInterrupted {
		t.Fatalf("reclaimed instance state = %s, want interrupted", got)
	}
	if err := f.runner.Terminate(ctx, "demo"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}

func TestSupervisorEndsRunAfterDuration(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 1)
	project.Duration = time.Hour
	ctx := context.Background()

	if err := f.runner.Run(ctx, project); err != nil {
		t.Fatalf("Run: %v", err)
	}
	run, _ := f.runner.Active("demo")
	started := time.Now().Add(-2 * time.Hour)
	project.StartedAt = &started
	sup := f.runner.Supervise(ctx, run)

	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	if remote, _ := f.provider.ListByProject(ctx, "demo"); len(remote) != 0 {
		t.Fatalf("instances still live: %+v", remote)
	}
}

func TestDestroyRemovesBucketAndAccess(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 1)
	ctx := context.Background()

	if err := f.runner.Run(ctx, project); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := f.runner.Destroy(ctx, "demo"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if f.store.HasBucket("spotrun-demo") {
		t.Fatal("bucket still exists")
	}
	if f.provider.deleted != 1 {
		t.Fatalf("DeleteAccess calls = %d, want 1", f.provider.deleted)
	}
	if _, ok := f.runner.Active("demo"); ok {
		t.Fatal("run still active after destroy")
	}
	stored, err := repository.NewProjectRepository(f.db).Get(ctx, "demo")
	if err != nil || stored.Status != models.ProjectDestroyed {
		t.Fatalf("stored project = %+v, %v", stored, err)
	}
}

func TestSupervisorStopsReplacingAfterLimit(t *testing.T) {
	f := newFixture(t)
	project := testProject(t, 1)
	ctx := context.Background()

	run, err := f.runner.Start(ctx, project)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := run.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	f.deployer.mu.Lock()
	f.deployer.err = &models.DeploymentError{Step: "run", ExitCode: 2, Stderr: "panic"}
	f.deployer.mu.Unlock()
	f.provider.reclaim(run.Instances()[0].ProviderID)

	sup := &Supervisor{runner: f.runner, run: run, interval: time.Hour, now: time.Now, stopChan: make(chan struct{}), done: make(chan struct{})}
	var checkErr error
	finished := false
	for i := 0; i < 200 && !finished; i++ {
		finished, checkErr = sup.Check(ctx)
		time.Sleep(10 * time.Millisecond)
	}
	if !finished {
		t.Fatalf("run never ended, replacements = %d", sup.Replacements())
	}
	var failed *models.ProvisioningFailedError
	if !errors.As(checkErr, &failed) {
		t.Fatalf("err = %v, want ProvisioningFailedError", checkErr)
	}
	if sup.Replacements() != 3 {
		t.Fatalf("replacements = %d, want 3", sup.Replacements())
	}
	if launches, _ := f.provider.counts(); launches != 4 {
		t.Fatalf("launches = %d, want 4", launches)
	}
	if remote, _ := f.provider.ListByProject(ctx, "demo"); len(remote) != 0 {
		t.Fatalf("instances still live: %+v", remote)
	}
	stored, err := repository.NewProjectRepository(f.db).Get(ctx, "demo")
	if err != nil || stored.Status != models.ProjectFailed {
		t.Fatalf("stored project = %+v, %v", stored, err)
	}
}

func TestAccessUsesConfiguredResources(t *testing.T) {
	tests := []struct {
		name        string
		keyPath     string
		group       string
		profile     string
		wantCalls   int
		wantProfile string
		wantKey     string
	}{
		{"nothing configured", "", "", "", 1, "spotrun-demo", "spotrun-demo"},
		{"profile configured", "", "", "ops-role", 1, "ops-role", "spotrun-demo"},
		{"ssh configured", "/keys/mine.pem", "sg-9", "", 1, "spotrun-demo", "mine"},
		{"everything configured", "/keys/mine.pem", "sg-9", "ops-role", 0, "ops-role", "mine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.opts.KeyName, f.runner.opts.KeyPath, f.runner.opts.SecurityGroupID = "mine", tt.keyPath, tt.group
			f.runner.opts.InstanceProfile = tt.profile
			project := testProject(t, 1)
			project.Bucket = "spotrun-demo"
			project.Data = append(project.Data, models.DataEntry{Key: "shared", Bucket: "shared-data"})

			access, err := f.runner.access(context.Background(), project)
			if err != nil {
				t.Fatalf("access: %v", err)
			}
			if len(f.provider.access) != tt.wantCalls {
				t.Fatalf("EnsureAccess calls = %d, want %d", len(f.provider.access), tt.wantCalls)
			}
			if access.InstanceProfile != tt.wantProfile || access.KeyName != tt.wantKey {
				t.Fatalf("access = %+v", access)
			}
			if tt.wantCalls == 1 {
				if got := f.provider.access[0].Buckets; len(got) != 2 || got[1] != "shared-data" {
					t.Fatalf("buckets = %v", got)
				}
			}
		})
	}
}
