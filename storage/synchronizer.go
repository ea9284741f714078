package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"spot-runner/core/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// UploadOptions controls how local data is pushed to the object store
type UploadOptions struct {
	// SkipExisting leaves objects already present untouched instead of overwriting them
	SkipExisting bool
}

// UploadReport summarizes an upload pass
type UploadReport struct {
	Uploaded []string
	Skipped  []string
	Bytes    int64
}

// Synchronizer moves data entries between local sources and the object store.
// Fetches are memoized per key for the lifetime of the synchronizer.
type Synchronizer struct {
	store    ObjectStore
	bucket   string
	cacheDir string

	group   singleflight.Group
	mu      sync.Mutex
	fetched map[string]string
	ensured map[string]bool
}

// NewSynchronizer creates a synchronizer over the project bucket; fetched data lands under cacheDir
func NewSynchronizer(store ObjectStore, bucket, cacheDir string) *Synchronizer {
	return &Synchronizer{
		store:    store,
		bucket:   bucket,
		cacheDir: cacheDir,
		fetched:  make(map[string]string),
		ensured:  make(map[string]bool),
	}
}

// Bucket returns the default bucket
func (s *Synchronizer) Bucket() string {
	return s.bucket
}

func (s *Synchronizer) bucketFor(e models.DataEntry) string {
	if e.Bucket != "" {
		return e.Bucket
	}
	return s.bucket
}

func (s *Synchronizer) ensureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	done := s.ensured[bucket]
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.store.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	s.mu.Lock()
	s.ensured[bucket] = true
	s.mu.Unlock()
	return nil
}

// UploadData pushes every entry with a local source to its bucket/key.
// The last upload of a key wins.
func (s *Synchronizer) UploadData(ctx context.Context, entries []models.DataEntry, opts UploadOptions) (*UploadReport, error) {
	report := &UploadReport{}
	for _, e := range entries {
		if e.LocalSource == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		bucket := s.bucketFor(e)
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return report, &SyncError{Op: "upload", Key: e.Key, Source: e.LocalSource, Err: err}
		}

		info, err := os.Stat(e.LocalSource)
		if err != nil {
			return report, &SyncError{Op: "upload", Key: e.Key, Source: e.LocalSource, Err: err}
		}

		if opts.SkipExisting {
			exists, err := s.exists(ctx, bucket, e, info.IsDir())
			if err != nil {
				return report, &SyncError{Op: "upload", Key: e.Key, Source: e.LocalSource, Err: err}
			}
			if exists {
				log.Debug().Str("key", e.Key).Msg("data already uploaded, skipping")
				report.Skipped = append(report.Skipped, e.Key)
				continue
			}
		}

		var n int64
		if info.IsDir() {
			n, err = s.uploadDir(ctx, bucket, e)
		} else {
			n, err = s.uploadFile(ctx, bucket, e.ObjectKey(), e.LocalSource, info.Size())
		}
		if err != nil {
			return report, &SyncError{Op: "upload", Key: e.Key, Source: e.LocalSource, Err: err}
		}

		log.Info().Str("key", e.Key).Str("bucket", bucket).Int64("bytes", n).Msg("data uploaded")
		report.Uploaded = append(report.Uploaded, e.Key)
		report.Bytes += n
	}
	return report, nil
}

func (s *Synchronizer) exists(ctx context.Context, bucket string, e models.DataEntry, dir bool) (bool, error) {
	if !dir {
		return s.store.Exists(ctx, bucket, e.ObjectKey())
	}
	objects, err := s.store.List(ctx, bucket, e.ObjectKey()+"/")
	if err != nil {
		return false, err
	}
	return len(objects) > 0, nil
}

func (s *Synchronizer) uploadFile(ctx context.Context, bucket, key, src string, size int64) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := s.store.Put(ctx, bucket, key, f, size); err != nil {
		return 0, err
	}
	return size, nil
}

func (s *Synchronizer) uploadDir(ctx context.Context, bucket string, e models.DataEntry) (int64, error) {
	var total int64
	err := filepath.WalkDir(e.LocalSource, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.LocalSource, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		key := path.Join(e.ObjectKey(), filepath.ToSlash(rel))
		n, err := s.uploadFile(ctx, bucket, key, p, info.Size())
		total += n
		return err
	})
	return total, err
}

// Fetch returns a local path holding the entry's content, downloading it on
// first use. Concurrent first callers share one download.
func (s *Synchronizer) Fetch(ctx context.Context, e models.DataEntry) (string, error) {
	s.mu.Lock()
	p, ok := s.fetched[e.Key]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	if err := models.CheckKey(e.Key); err != nil {
		return "", &SyncError{Op: "fetch", Key: e.Key, Err: err}
	}

	v, err, _ := s.group.Do(e.Key, func() (interface{}, error) {
		s.mu.Lock()
		p, ok := s.fetched[e.Key]
		s.mu.Unlock()
		if ok {
			return p, nil
		}

		dest := e.RemoteCachePath
		if dest == "" {
			dest = filepath.Join(s.cacheDir, filepath.FromSlash(e.Key))
		}
		if err := s.download(ctx, e, dest); err != nil {
			return "", &SyncError{Op: "fetch", Key: e.Key, Err: err}
		}

		s.mu.Lock()
		s.fetched[e.Key] = dest
		s.mu.Unlock()
		log.Debug().Str("key", e.Key).Str("path", dest).Msg("data fetched")
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Synchronizer) download(ctx context.Context, e models.DataEntry, dest string) error {
	bucket := s.bucketFor(e)
	exists, err := s.store.Exists(ctx, bucket, e.ObjectKey())
	if err != nil {
		return err
	}
	if exists {
		return s.downloadFile(ctx, bucket, e.ObjectKey(), dest)
	}

	prefix := e.ObjectKey() + "/"
	objects, err := s.store.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("%s: %w", URI(bucket, e.ObjectKey()), models.ErrNotFound)
	}
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if err := models.CheckKey(rel); err != nil {
			return err
		}
		if err := s.downloadFile(ctx, bucket, obj.Key, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// downloadFile writes the object to a temp file beside dest and renames it into place
func (s *Synchronizer) downloadFile(ctx context.Context, bucket, key, dest string) error {
	body, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// SyncError aliases the domain error for callers of this package
type SyncError = models.SyncError

// IsNotFound reports whether err marks a missing object
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
