package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spot-runner/core/models"
	"spot-runner/storage"
	"spot-runner/storage/storagetest"
)

func TestModeFromEnv(t *testing.T) {
	tests := map[string]Mode{
		"":      ModeLocal,
		"0":     ModeLocal,
		"1":     ModeRemote,
		"true":  ModeRemote,
		" YES ": ModeRemote,
	}
	for in, want := range tests {
		if got := modeFromEnv(in); got != want {
			t.Errorf("modeFromEnv(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDetectModeIsStable(t *testing.T) {
	first := DetectMode()
	t.Setenv(EnvMarker, "1")
	if DetectMode() != first {
		t.Fatal("mode changed after first resolution")
	}
}

func newLocal(t *testing.T, data *models.DataSet, opts ...Option) *Context {
	t.Helper()
	opts = append([]Option{WithMode(ModeLocal), WithOutputDir(t.TempDir()), WithLogOutput(io.Discard)}, opts...)
	c, err := New(context.Background(), data, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestLocalPathReturnsSource(t *testing.T) {
	data, _ := models.NewDataSet(models.DataEntry{Key: "train", LocalSource: "/data/train.csv"})
	c := newLocal(t, data)

	got, err := c.Path(context.Background(), "train")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/data/train.csv" {
		t.Fatalf("Path() = %s", got)
	}
	if _, err := c.Path(context.Background(), "other"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestAddDataRejectsDuplicate(t *testing.T) {
	c := newLocal(t, nil)
	if err := c.AddData(models.DataEntry{Key: "a", LocalSource: "x"}); err != nil {
		t.Fatal(err)
	}
	err := c.AddData(models.DataEntry{Key: "a", LocalSource: "y"})
	var conflict *models.KeyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected KeyConflictError, got %v", err)
	}
}

func TestLocalSaveWritesOutputDir(t *testing.T) {
	dir := t.TempDir()
	c := newLocal(t, nil, WithOutputDir(dir))
	ctx := context.Background()

	if _, err := c.Save(ctx, "raw/bytes.bin", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	rec, err := c.SaveJSON(ctx, "metrics.json", map[string]float64{"auc": 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Location != filepath.Join(dir, "metrics.json") || rec.Kind != models.OutputJSON {
		t.Fatalf("record = %+v", rec)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]float64
	if err := json.Unmarshal(raw, &got); err != nil || got["auc"] != 0.9 {
		t.Fatalf("saved json = %s (%v)", raw, err)
	}
	if n := len(c.Outputs()); n != 2 {
		t.Fatalf("expected 2 outputs, got %d", n)
	}
}

func TestSaveRejectsEscapingKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	c := newLocal(t, nil, WithOutputDir(dir))

	for _, key := range []string{"../escape.txt", "/tmp/abs.txt", ""} {
		if _, err := c.Save(context.Background(), key, []byte("x")); !errors.Is(err, models.ErrInvalidKey) {
			t.Fatalf("Save(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("file written outside output dir: %v", err)
	}
	if n := len(c.Outputs()); n != 0 {
		t.Fatalf("outputs = %d, want 0", n)
	}
}

type model struct {
	Weights []float64
	Name    string
}

func TestSaveObjectCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := newLocal(t, nil, WithOutputDir(dir), WithCompression(true))

	in := model{Weights: []float64{0.1, 0.2}, Name: "lr"}
	rec, err := c.SaveObject(context.Background(), "model.msgpack", in)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Key != "model.msgpack.gz" || !rec.Compressed {
		t.Fatalf("record = %+v", rec)
	}

	f, err := os.Open(rec.Location)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out model
	if err := LoadObject(f, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "lr" || len(out.Weights) != 2 || out.Weights[1] != 0.2 {
		t.Fatalf("decoded %+v", out)
	}
}

func TestLocalLoggerWritesConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "run.log")
	c := newLocal(t, nil, WithLogOutput(&buf), WithLogFile(logFile))

	c.Logger().Info().Msg("hello from local")
	if !strings.Contains(buf.String(), "hello from local") {
		t.Fatalf("console output = %q", buf.String())
	}
	c.Close(context.Background())
	raw, _ := os.ReadFile(logFile)
	if !strings.Contains(string(raw), "hello from local") {
		t.Fatalf("file output = %q", raw)
	}
}

func TestRemoteContext(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	_ = store.EnsureBucket(ctx, "spotrun-demo")
	_ = store.Put(ctx, "spotrun-demo", "data/train", strings.NewReader("a,b\n1,2\n"), 8)

	data, _ := models.NewDataSet(models.DataEntry{Key: "train", LocalSource: "/laptop/train.csv"})
	run := RunInfo{
		Project:    "demo",
		Bucket:     "spotrun-demo",
		RunID:      "run-1",
		InstanceID: "i-123",
		Home:       t.TempDir(),
	}
	c, err := New(ctx, data, WithMode(ModeRemote), WithObjectStore(store), WithRunInfo(run))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Mode() != ModeRemote {
		t.Fatalf("mode = %s", c.Mode())
	}

	path, err := c.Path(ctx, "train")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(run.Home, "data", "train") {
		t.Fatalf("Path() = %s", path)
	}
	if got, _ := os.ReadFile(path); string(got) != "a,b\n1,2\n" {
		t.Fatalf("fetched %q", got)
	}

	rec, err := c.Save(ctx, "result.txt", []byte("done"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Location != storage.URI("spotrun-demo", "outputs/result.txt") {
		t.Fatalf("location = %s", rec.Location)
	}

	c.Logger().Info().Msg("remote hello")
	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	shipped, ok := store.Object("spotrun-demo", "logs/i-123.log")
	if !ok {
		t.Fatal("log was not shipped")
	}
	for _, want := range []string{"remote hello", `"run_id":"run-1"`, `"instance_id":"i-123"`, `"project":"demo"`} {
		if !strings.Contains(string(shipped), want) {
			t.Fatalf("shipped log missing %s: %s", want, shipped)
		}
	}
}

type streamSink struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (s *streamSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(p))
	return len(p), nil
}

func (s *streamSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestRemoteLogStreamsBeforeClose(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	_ = store.EnsureBucket(ctx, "spotrun-demo")
	sink := &streamSink{}
	run := RunInfo{Project: "demo", Bucket: "spotrun-demo", RunID: "run-1", InstanceID: "i-123", Home: t.TempDir(), LogGroup: "/spotrun/demo"}

	c, err := New(ctx, nil, WithMode(ModeRemote), WithObjectStore(store), WithRunInfo(run), WithLogSink(sink))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Logger().Info().Int("epoch", 1).Msg("training")

	sink.mu.Lock()
	lines := append([]string(nil), sink.lines...)
	sink.mu.Unlock()
	if len(lines) != 1 || !strings.Contains(lines[0], `"epoch":1`) || !strings.Contains(lines[0], `"instance_id":"i-123"`) {
		t.Fatalf("streamed lines = %q", lines)
	}
	if _, ok := store.Object("spotrun-demo", "logs/i-123.log"); ok {
		t.Fatal("log file shipped before Close")
	}

	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !sink.closed {
		t.Fatal("sink was not flushed on Close")
	}
	if _, ok := store.Object("spotrun-demo", "logs/i-123.log"); !ok {
		t.Fatal("log file was not shipped on Close")
	}
}

func TestRemoteRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), nil,
		WithMode(ModeRemote),
		WithObjectStore(storagetest.NewMemoryStore()),
		WithRunInfo(RunInfo{Home: t.TempDir()}),
	)
	if err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestRunInfoEnv(t *testing.T) {
	env := RunInfo{Project: "p", Bucket: "b", RunID: "r", LogGroup: "/spotrun/p"}.Env()
	if env[EnvMarker] != "1" || env[EnvProject] != "p" || env[EnvBucket] != "b" || env[EnvRunID] != "r" || env[EnvLogGroup] != "/spotrun/p" {
		t.Fatalf("env = %v", env)
	}
}
