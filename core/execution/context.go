// Package execution gives user code one API for data paths, logging and
// saving outputs, whether it runs locally or on a provisioned instance.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spot-runner/core/models"
	"spot-runner/storage"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Backend is the mode-specific half of a Context
type Backend interface {
	Mode() Mode
	Path(ctx context.Context, entry models.DataEntry) (string, error)
	Logger() *zerolog.Logger
	Write(ctx context.Context, key string, data []byte) (string, error)
	Close(ctx context.Context) error
}

// Context is the handle user code receives. It is safe for concurrent use.
type Context struct {
	backend  Backend
	data     *models.DataSet
	compress bool
	store    storage.ObjectStore
	bucket   string

	mu      sync.Mutex
	outputs []models.OutputRecord
	closed  bool
}

type options struct {
	mode      *Mode
	store     storage.ObjectStore
	run       *RunInfo
	outputDir string
	logFile   string
	logOut    io.Writer
	logSink   io.Writer
	compress  bool
}

// Option configures a Context
type Option func(*options)

// WithMode overrides the mode detected from the environment
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = &m }
}

// WithObjectStore sets the store outputs and data are exchanged through
func WithObjectStore(store storage.ObjectStore) Option {
	return func(o *options) { o.store = store }
}

// WithRunInfo overrides the run markers read from the environment
func WithRunInfo(r RunInfo) Option {
	return func(o *options) { o.run = &r }
}

// WithOutputDir sets where local saves are written
func WithOutputDir(dir string) Option {
	return func(o *options) { o.outputDir = dir }
}

// WithLogFile additionally writes local logs to path
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithLogOutput replaces stdout as the local log sink
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithLogSink streams remote logs to w in addition to the instance log file.
// Without it a remote Context streams to CloudWatch when a log group is set.
func WithLogSink(w io.Writer) Option {
	return func(o *options) { o.logSink = w }
}

// WithCompression gzips every saved output
func WithCompression(enabled bool) Option {
	return func(o *options) { o.compress = enabled }
}

// New builds a Context bound to the backend for the resolved mode.
// The data set is owned by the Context afterwards.
func New(ctx context.Context, data *models.DataSet, opts ...Option) (*Context, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if data == nil {
		data = &models.DataSet{}
	}

	mode := DetectMode()
	if o.mode != nil {
		mode = *o.mode
	}
	run := RunInfoFromEnv()
	if o.run != nil {
		run = *o.run
	}

	c := &Context{data: data, compress: o.compress, store: o.store, bucket: run.Bucket}

	var err error
	switch mode {
	case ModeRemote:
		c.backend, err = newRemoteBackend(ctx, o.store, run, o.logSink)
	default:
		c.backend, err = newLocalBackend(o.outputDir, o.logFile, o.logOut)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Mode returns the execution mode the Context was bound to
func (c *Context) Mode() Mode {
	return c.backend.Mode()
}

// AddData registers a data entry; a duplicate key fails immediately
func (c *Context) AddData(entry models.DataEntry) error {
	return c.data.Add(entry)
}

// Data returns the registered entries in order
func (c *Context) Data() []models.DataEntry {
	return c.data.Entries()
}

// Path resolves a data key to a readable local path
func (c *Context) Path(ctx context.Context, key string) (string, error) {
	entry, ok := c.data.Get(key)
	if !ok {
		return "", fmt.Errorf("unknown data key %q", key)
	}
	return c.backend.Path(ctx, entry)
}

// Logger returns the mode-appropriate logger
func (c *Context) Logger() *zerolog.Logger {
	return c.backend.Logger()
}

// UploadData pushes local data sources to the project bucket
func (c *Context) UploadData(ctx context.Context, opts storage.UploadOptions) (*storage.UploadReport, error) {
	if c.store == nil || c.bucket == "" {
		return nil, fmt.Errorf("no object store configured for upload")
	}
	syncer := storage.NewSynchronizer(c.store, c.bucket, "")
	return syncer.UploadData(ctx, c.data.Entries(), opts)
}

// Save persists raw bytes under key
func (c *Context) Save(ctx context.Context, key string, data []byte) (models.OutputRecord, error) {
	return c.save(ctx, key, data, models.OutputBytes)
}

// SaveJSON persists v encoded as JSON
func (c *Context) SaveJSON(ctx context.Context, key string, v interface{}) (models.OutputRecord, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return models.OutputRecord{}, fmt.Errorf("failed to encode %s as json: %w", key, err)
	}
	return c.save(ctx, key, data, models.OutputJSON)
}

// SaveObject persists v in msgpack form, readable back with LoadObject
func (c *Context) SaveObject(ctx context.Context, key string, v interface{}) (models.OutputRecord, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return models.OutputRecord{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.save(ctx, key, data, models.OutputObject)
}

// LoadObject decodes a msgpack payload written by SaveObject, gzipped or not
func LoadObject(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return err
		}
	}
	return msgpack.Unmarshal(data, v)
}

func (c *Context) save(ctx context.Context, key string, data []byte, kind models.OutputKind) (models.OutputRecord, error) {
	if err := models.CheckKey(key); err != nil {
		return models.OutputRecord{}, err
	}
	if c.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return models.OutputRecord{}, err
		}
		if err := zw.Close(); err != nil {
			return models.OutputRecord{}, err
		}
		data = buf.Bytes()
		key += ".gz"
	}

	location, err := c.backend.Write(ctx, key, data)
	if err != nil {
		return models.OutputRecord{}, err
	}

	record := models.OutputRecord{
		Key:        key,
		Kind:       kind,
		Location:   location,
		Compressed: c.compress,
		Size:       int64(len(data)),
		CreatedAt:  time.Now(),
	}
	c.mu.Lock()
	c.outputs = append(c.outputs, record)
	c.mu.Unlock()

	c.backend.Logger().Debug().Str("key", key).Str("location", location).Msg("output saved")
	return record, nil
}

// Outputs returns the records of every output saved through this Context
func (c *Context) Outputs() []models.OutputRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.OutputRecord, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// Close flushes the backend; remote logs are shipped to the project bucket
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.backend.Close(ctx)
}

// writeFileAtomic writes data to a temp file in the target directory and renames it
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".save-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
