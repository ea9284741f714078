package storage_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spot-runner/core/models"
	"spot-runner/storage"
	"spot-runner/storage/storagetest"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUploadThenFetchIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()

	src := filepath.Join(t.TempDir(), "train.bin")
	payload := bytes.Repeat([]byte{0x00, 0xff, 0x10, '\n'}, 4096)
	writeFile(t, src, payload)

	local := storage.NewSynchronizer(store, "spotrun-demo", "")
	entry := models.DataEntry{Key: "train", LocalSource: src}
	report, err := local.UploadData(ctx, []models.DataEntry{entry}, storage.UploadOptions{})
	if err != nil {
		t.Fatalf("UploadData() error = %v", err)
	}
	if len(report.Uploaded) != 1 || report.Bytes != int64(len(payload)) {
		t.Fatalf("unexpected report %+v", report)
	}

	remote := storage.NewSynchronizer(store, "spotrun-demo", t.TempDir())
	path, err := remote.Fetch(ctx, models.DataEntry{Key: "train"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("fetched content differs from uploaded content")
	}
}

func TestUploadMissingSource(t *testing.T) {
	store := storagetest.NewMemoryStore()
	s := storage.NewSynchronizer(store, "b", "")
	_, err := s.UploadData(context.Background(), []models.DataEntry{
		{Key: "missing", LocalSource: filepath.Join(t.TempDir(), "nope.csv")},
	}, storage.UploadOptions{})

	var syncErr *models.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if syncErr.Key != "missing" || syncErr.Op != "upload" {
		t.Fatalf("unexpected error %+v", syncErr)
	}
}

func TestUploadSkipExistingAndLastWriterWins(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	s := storage.NewSynchronizer(store, "b", "")
	entries := []models.DataEntry{{Key: "a", LocalSource: src}}

	writeFile(t, src, []byte("first"))
	if _, err := s.UploadData(ctx, entries, storage.UploadOptions{}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, src, []byte("second"))
	report, err := s.UploadData(ctx, entries, storage.UploadOptions{SkipExisting: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("expected skip, got %+v", report)
	}
	if got, _ := store.Object("b", "data/a"); string(got) != "first" {
		t.Fatalf("object = %q, want first", got)
	}

	if _, err := s.UploadData(ctx, entries, storage.UploadOptions{}); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Object("b", "data/a"); string(got) != "second" {
		t.Fatalf("object = %q, want second", got)
	}
}

func TestFetchIsMemoizedAcrossConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	_ = store.EnsureBucket(ctx, "b")
	_ = store.Put(ctx, "b", "data/k", strings.NewReader("payload"), 7)

	s := storage.NewSynchronizer(store, "b", t.TempDir())
	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Fetch(ctx, models.DataEntry{Key: "k"})
			if err != nil {
				t.Error(err)
				return
			}
			paths[i] = p
		}()
	}
	wg.Wait()

	for _, p := range paths[1:] {
		if p != paths[0] {
			t.Fatalf("paths differ: %s vs %s", p, paths[0])
		}
	}
	if _, err := s.Fetch(ctx, models.DataEntry{Key: "k"}); err != nil {
		t.Fatal(err)
	}
	if store.Gets() != 1 {
		t.Fatalf("expected a single download, got %d", store.Gets())
	}
}

func TestFetchMissingObject(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	_ = store.EnsureBucket(ctx, "b")

	s := storage.NewSynchronizer(store, "b", t.TempDir())
	_, err := s.Fetch(ctx, models.DataEntry{Key: "absent"})
	var syncErr *models.SyncError
	if !errors.As(err, &syncErr) || !storage.IsNotFound(err) {
		t.Fatalf("expected not-found SyncError, got %v", err)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "x.csv"), []byte("1,2"))
	writeFile(t, filepath.Join(src, "nested", "y.csv"), []byte("3,4"))

	up := storage.NewSynchronizer(store, "b", "")
	if _, err := up.UploadData(ctx, []models.DataEntry{{Key: "tables", LocalSource: src}}, storage.UploadOptions{}); err != nil {
		t.Fatal(err)
	}

	down := storage.NewSynchronizer(store, "b", t.TempDir())
	dir, err := down.Fetch(ctx, models.DataEntry{Key: "tables"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "nested", "y.csv"))
	if err != nil || string(got) != "3,4" {
		t.Fatalf("nested file = %q, %v", got, err)
	}
}

func TestOutputManager(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	_ = store.EnsureBucket(ctx, "b")
	om := storage.NewOutputManager(store, "b")

	loc, err := om.Put(ctx, "metrics.json", strings.NewReader(`{"auc":0.9}`), 11)
	if err != nil {
		t.Fatal(err)
	}
	if loc != "s3://b/outputs/metrics.json" {
		t.Fatalf("location = %s", loc)
	}

	records, err := om.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != models.OutputJSON || records[0].Key != "metrics.json" {
		t.Fatalf("records = %+v", records)
	}

	path, err := om.Download(ctx, "metrics.json", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(path); string(got) != `{"auc":0.9}` {
		t.Fatalf("downloaded %q", got)
	}
}

func TestEscapingKeysAreRejected(t *testing.T) {
	ctx := context.Background()
	store := storagetest.NewMemoryStore()
	_ = store.EnsureBucket(ctx, "b")
	cache := filepath.Join(t.TempDir(), "cache")

	s := storage.NewSynchronizer(store, "b", cache)
	_, err := s.Fetch(ctx, models.DataEntry{Key: "../../etc"})
	var syncErr *models.SyncError
	if !errors.As(err, &syncErr) || !errors.Is(err, models.ErrInvalidKey) {
		t.Fatalf("Fetch err = %v, want SyncError wrapping ErrInvalidKey", err)
	}
	if store.Gets() != 0 {
		t.Fatalf("store read %d objects for a rejected key", store.Gets())
	}

	om := storage.NewOutputManager(store, "b")
	if _, err := om.Download(ctx, "../outside.json", t.TempDir()); !errors.Is(err, models.ErrInvalidKey) {
		t.Fatalf("Download err = %v, want ErrInvalidKey", err)
	}
}
