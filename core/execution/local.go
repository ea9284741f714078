package execution

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"spot-runner/core/models"

	"github.com/rs/zerolog"
)

// localBackend runs against the developer's filesystem
type localBackend struct {
	outputDir string
	logger    zerolog.Logger
	logFile   *os.File
}

func newLocalBackend(outputDir, logFile string, out io.Writer) (*localBackend, error) {
	if outputDir == "" {
		outputDir = "outputs"
	}
	if out == nil {
		out = os.Stdout
	}

	b := &localBackend{outputDir: outputDir}
	var w io.Writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		b.logFile = f
		w = zerolog.MultiLevelWriter(w, f)
	}
	b.logger = zerolog.New(w).With().Timestamp().Str("mode", string(ModeLocal)).Logger()
	return b, nil
}

func (b *localBackend) Mode() Mode { return ModeLocal }

func (b *localBackend) Path(_ context.Context, entry models.DataEntry) (string, error) {
	if entry.LocalSource == "" {
		return "", fmt.Errorf("data key %q has no local source", entry.Key)
	}
	return entry.LocalSource, nil
}

func (b *localBackend) Logger() *zerolog.Logger { return &b.logger }

func (b *localBackend) Write(_ context.Context, key string, data []byte) (string, error) {
	if err := models.CheckKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(b.outputDir, filepath.FromSlash(key))
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", key, err)
	}
	return path, nil
}

func (b *localBackend) Close(context.Context) error {
	if b.logFile != nil {
		return b.logFile.Close()
	}
	return nil
}
