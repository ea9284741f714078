package execution

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"spot-runner/core/models"
	awsprovider "spot-runner/providers/aws"
	"spot-runner/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// remoteBackend runs on a provisioned instance against the project bucket
type remoteBackend struct {
	run     RunInfo
	sync    *storage.Synchronizer
	outputs *storage.OutputManager
	logger  zerolog.Logger
	logPath string
	logFile *os.File
	logSink io.Writer
}

type flushCloser interface {
	Close(ctx context.Context) error
}

func newRemoteBackend(ctx context.Context, store storage.ObjectStore, run RunInfo, sink io.Writer) (*remoteBackend, error) {
	if run.Bucket == "" {
		return nil, fmt.Errorf("remote mode requires %s", EnvBucket)
	}
	if run.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		run.Home = filepath.Join(home, "spotrun")
	}
	if run.InstanceID == "" {
		run.InstanceID, _ = os.Hostname()
	}
	if store == nil {
		s3, err := awsprovider.NewObjectStore(ctx, run.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		store = s3
	}

	logPath := filepath.Join(run.Home, "logs", run.InstanceID+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	if sink == nil && run.LogGroup != "" {
		lw, err := awsprovider.NewLogWriter(ctx, run.Region, run.LogGroup, run.InstanceID)
		if err != nil {
			log.Warn().Err(err).Str("log_group", run.LogGroup).Msg("log streaming unavailable, logging to file only")
		} else {
			sink = lw
		}
	}
	var out io.Writer = f
	if sink != nil {
		out = zerolog.MultiLevelWriter(f, sink)
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("mode", string(ModeRemote)).
		Str("project", run.Project).
		Str("run_id", run.RunID).
		Str("instance_id", run.InstanceID).
		Logger()

	return &remoteBackend{
		run:     run,
		sync:    storage.NewSynchronizer(store, run.Bucket, filepath.Join(run.Home, "data")),
		outputs: storage.NewOutputManager(store, run.Bucket),
		logger:  logger,
		logPath: logPath,
		logFile: f,
		logSink: sink,
	}, nil
}

func (b *remoteBackend) Mode() Mode { return ModeRemote }

func (b *remoteBackend) Path(ctx context.Context, entry models.DataEntry) (string, error) {
	return b.sync.Fetch(ctx, entry)
}

func (b *remoteBackend) Logger() *zerolog.Logger { return &b.logger }

func (b *remoteBackend) Write(ctx context.Context, key string, data []byte) (string, error) {
	return b.outputs.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// Close flushes the log stream and ships the log file to logs/<instance>.log
func (b *remoteBackend) Close(ctx context.Context) error {
	if fc, ok := b.logSink.(flushCloser); ok {
		if err := fc.Close(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("failed to flush log stream")
		}
	}
	if err := b.logFile.Sync(); err != nil {
		return err
	}
	if err := b.logFile.Close(); err != nil {
		return err
	}
	if _, err := b.outputs.PutLog(ctx, b.run.InstanceID+".log", b.logPath); err != nil {
		return err
	}
	return nil
}
