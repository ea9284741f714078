package executor

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"spot-runner/core/execution"
	"spot-runner/core/models"

	"github.com/rs/zerolog/log"
)

// maxStderr bounds the stderr kept on a DeploymentError
const maxStderr = 4096

// Deployer ships an artifact to a running instance and starts the program
type Deployer struct {
	dialer Dialer
}

// NewDeployer creates a deployer using dialer for remote sessions
func NewDeployer(dialer Dialer) *Deployer {
	return &Deployer{dialer: dialer}
}

// Deploy uploads the artifact to inst and runs the bootstrap steps in order.
// The first failing step stops deployment with a DeploymentError.
func (d *Deployer) Deploy(ctx context.Context, inst models.ProvisionedInstance, project *models.Project, art *Artifact, run execution.RunInfo) error {
	logger := log.With().Str("component", "deployer").Str("instance", inst.ID).Logger()
	if inst.Address == "" {
		return &models.DeploymentError{InstanceID: inst.ID, Step: "connect", ExitCode: -1, Err: fmt.Errorf("instance has no address")}
	}

	session, err := d.dialer.Dial(ctx, inst.Address)
	if err != nil {
		return &models.DeploymentError{InstanceID: inst.ID, Step: "connect", ExitCode: -1, Err: err}
	}
	defer session.Close()

	boot := BuildBootstrap(project, art, run)
	script := filepath.Join(art.Dir, fmt.Sprintf("bootstrap-%s.sh", inst.ID))
	if err := os.WriteFile(script, []byte(boot.Script()), 0o755); err != nil {
		return &models.DeploymentError{InstanceID: inst.ID, Step: "upload", ExitCode: -1, Err: fmt.Errorf("failed to write bootstrap script: %w", err)}
	}

	remoteDir := path.Join(run.Home, remoteArtifactDir)
	uploads := map[string]string{script: path.Join(remoteDir, BootstrapFile)}
	for _, f := range art.Files {
		uploads[filepath.Join(art.Dir, f)] = path.Join(remoteDir, f)
	}
	for local, remote := range uploads {
		mode := os.FileMode(0o644)
		if strings.HasSuffix(remote, ".sh") {
			mode = 0o755
		}
		if err := session.Upload(ctx, local, remote, mode); err != nil {
			return &models.DeploymentError{InstanceID: inst.ID, Step: "upload", ExitCode: -1, Err: err}
		}
	}
	logger.Debug().Int("files", len(uploads)).Msg("artifact uploaded")

	for _, step := range boot.Steps {
		res, err := session.Run(ctx, StepCommand(step))
		if err != nil {
			return &models.DeploymentError{InstanceID: inst.ID, Step: step.Name, ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
		}
		if res.ExitCode != 0 {
			logger.Error().Str("step", step.Name).Int("exit_code", res.ExitCode).Str("stderr", tail(res.Stderr)).Msg("bootstrap step failed")
			return &models.DeploymentError{InstanceID: inst.ID, Step: step.Name, ExitCode: res.ExitCode, Stderr: tail(res.Stderr)}
		}
		logger.Debug().Str("step", step.Name).Msg("bootstrap step completed")
	}

	logger.Info().Str("address", inst.Address).Msg("program started")
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}
