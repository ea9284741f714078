package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"spot-runner/config"
	"spot-runner/core/executor"
	"spot-runner/core/models"
	"spot-runner/core/monitoring"
	"spot-runner/core/repository"
	"spot-runner/core/scheduler"
	"spot-runner/providers/aws"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	region     string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit string) error {
	return newRootCommand(version, commit).ExecuteContext(ctx)
}

func newRootCommand(version, commit string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spotrun",
		Short: "Run Go programs on the cheapest cloud instances that fit",
		Long: `spotrun picks the cheapest instance type satisfying a resource requirement,
launches it on the spot market when that is cheaper, deploys a Go program
to it and terminates every instance it started once the run ends.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&region, "region", "", "cloud region (default $AWS_REGION)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newQuoteCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newTerminateCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newUploadDataCommand())
	rootCmd.AddCommand(newOutputsCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}

// app holds the collaborators shared by every command
type app struct {
	cfg     *config.Config
	db      *repository.DB
	runner  *scheduler.Runner
	metrics *monitoring.Metrics
	costs   *monitoring.CostTracker
	tracer  *monitoring.Tracer
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if region != "" {
		cfg.AWSRegion = region
	}

	if path, ok := strings.CutPrefix(cfg.DatabaseURL, "sqlite://"); ok && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	db, err := repository.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	provider, err := aws.NewClient(ctx, cfg.AWSRegion, cfg.KeyDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create aws client: %w", err)
	}
	store, err := aws.NewObjectStore(ctx, provider.Region())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	tracer, err := monitoring.NewTracer(cfg.Tracing, os.Stderr)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		metrics: monitoring.NewMetrics(),
		costs:   monitoring.NewCostTracker(),
		tracer:  tracer,
	}
	a.runner = scheduler.NewRunner(scheduler.Deps{
		Provider:    provider,
		Store:       store,
		DB:          db,
		Metrics:     a.metrics,
		Costs:       a.costs,
		Tracer:      tracer,
		DeployerFor: deployerFactory(cfg),
	}, runnerOptions(cfg))
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.tracer.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush traces: %v\n", err)
	}
	a.db.Close()
}

func runnerOptions(cfg *config.Config) scheduler.Options {
	opts := scheduler.DefaultOptions()
	opts.Provisioning.PollInterval = cfg.PollInterval
	opts.Provisioning.Timeout = cfg.ProvisionTimeout
	opts.Provisioning.MaxAttempts = cfg.MaxAttempts
	opts.Oracle.Concurrency = cfg.PricingConcurrency
	opts.CatalogTTL = cfg.CatalogTTL
	opts.SupervisorInterval = cfg.SupervisorInterval
	opts.BucketPrefix = cfg.BucketPrefix
	opts.WorkDir = cfg.WorkDir
	opts.SSHUser = cfg.SSHUser
	opts.SSHCIDR = cfg.SSHCIDR
	opts.KeyName = cfg.KeyName
	opts.KeyPath = cfg.KeyPath
	opts.SecurityGroupID = cfg.SecurityGroupID
	opts.InstanceProfile = cfg.InstanceProfile
	opts.ImageID = cfg.ImageID
	opts.ImagePattern = cfg.ImagePattern
	return opts
}

// deployerFactory builds an SSH deployer for the key pair of a project
func deployerFactory(cfg *config.Config) scheduler.DeployerFactory {
	return func(access models.AccessConfig) (scheduler.Deployer, error) {
		user := access.User
		if user == "" {
			user = cfg.SSHUser
		}
		sshCfg := executor.DefaultConfig(user, access.KeyPath)
		if cfg.KnownHostsPath != "" {
			sshCfg.KnownHostsPath = cfg.KnownHostsPath
			sshCfg.StrictHostKeyChecking = true
		}
		dialer, err := executor.NewSSHDialer(sshCfg)
		if err != nil {
			return nil, err
		}
		return executor.NewDeployer(dialer), nil
	}
}

// withApp builds the app for the duration of one command
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(cmd.Context()))
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
