package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"spot-runner/core/models"
)

// OutputsPrefix is the key prefix saved outputs are stored under
const OutputsPrefix = "outputs/"

// LogsPrefix is the key prefix instance logs are shipped to
const LogsPrefix = "logs/"

// OutputManager stores and retrieves run outputs in the project bucket
type OutputManager struct {
	store  ObjectStore
	bucket string
}

// NewOutputManager creates a new output manager
func NewOutputManager(store ObjectStore, bucket string) *OutputManager {
	return &OutputManager{
		store:  store,
		bucket: bucket,
	}
}

// Put stores an output under outputs/<key> and returns its location
func (om *OutputManager) Put(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	objectKey := OutputsPrefix + key
	if err := om.store.Put(ctx, om.bucket, objectKey, body, size); err != nil {
		return "", fmt.Errorf("failed to store output %s: %w", key, err)
	}
	return URI(om.bucket, objectKey), nil
}

// PutLog ships an instance log file to logs/<name>
func (om *OutputManager) PutLog(ctx context.Context, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	key := LogsPrefix + name
	if err := om.store.Put(ctx, om.bucket, key, f, info.Size()); err != nil {
		return "", fmt.Errorf("failed to ship log %s: %w", name, err)
	}
	return URI(om.bucket, key), nil
}

// List returns every output stored for the project
func (om *OutputManager) List(ctx context.Context) ([]models.OutputRecord, error) {
	objects, err := om.store.List(ctx, om.bucket, OutputsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}

	records := make([]models.OutputRecord, 0, len(objects))
	for _, obj := range objects {
		key := strings.TrimPrefix(obj.Key, OutputsPrefix)
		records = append(records, models.OutputRecord{
			Key:        key,
			Kind:       kindFromKey(key),
			Location:   URI(om.bucket, obj.Key),
			Compressed: strings.HasSuffix(key, ".gz"),
			Size:       obj.Size,
			CreatedAt:  obj.LastModified,
		})
	}
	return records, nil
}

// Download copies outputs/<key> into destDir and returns the local path
func (om *OutputManager) Download(ctx context.Context, key, destDir string) (string, error) {
	if err := models.CheckKey(key); err != nil {
		return "", err
	}
	body, err := om.store.Get(ctx, om.bucket, OutputsPrefix+key)
	if err != nil {
		return "", fmt.Errorf("failed to get output %s: %w", key, err)
	}
	defer body.Close()

	dest := filepath.Join(destDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", err
	}
	return dest, f.Close()
}

func kindFromKey(key string) models.OutputKind {
	key = strings.TrimSuffix(key, ".gz")
	switch {
	case strings.HasSuffix(key, ".json"):
		return models.OutputJSON
	case strings.HasSuffix(key, ".msgpack"):
		return models.OutputObject
	case strings.HasSuffix(key, ".log"):
		return models.OutputLog
	default:
		return models.OutputBytes
	}
}
