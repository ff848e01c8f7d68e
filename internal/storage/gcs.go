package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsStore is the GCS-backed ObjectStore.
type gcsStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, bucket, prefix string) (*gcsStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *gcsStore) object(key string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(joinKey(s.prefix, key))
}

func (s *gcsStore) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, joinKey(s.prefix, key))
}

func (s *gcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to open reader for %s: %w", s.Location(key), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Location(key), err)
	}
	return data, nil
}

func (s *gcsStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write to %s: %w", s.Location(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize write to %s: %w", s.Location(key), err)
	}
	return nil
}

func (s *gcsStore) Download(ctx context.Context, key, localPath string) error {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to get object reader for %s: %w", s.Location(key), err)
	}
	defer r.Close()
	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file at %s: %w", localPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, r); err != nil {
		return fmt.Errorf("failed to copy object to local file: %w", err)
	}
	return nil
}

// Upload retries transient failures with exponential backoff; a write that
// cannot finish within its attempt timeout is abandoned and retried.
func (s *gcsStore) Upload(ctx context.Context, key, localPath string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			localFile, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFile.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()

			w := s.object(key).NewWriter(writeCtx)
			if _, err := io.Copy(w, localFile); err != nil {
				_ = w.Close()
				return fmt.Errorf("io.Copy to GCS failed: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
			}
			return nil
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", s.Location(key),
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", s.Location(key), lastErr)
}

func (s *gcsStore) PutFileIfAbsent(ctx context.Context, key, localPath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("could not open local file %s: %w", localPath, err)
	}
	defer localFile.Close()

	w := s.object(key).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(w, localFile); err != nil {
		_ = w.Close()
		return gcsPreconditionErr(key, err)
	}
	if err := w.Close(); err != nil {
		return gcsPreconditionErr(key, err)
	}
	return nil
}

func gcsPreconditionErr(key string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 412 {
		return ErrPreconditionFailed
	}
	return fmt.Errorf("failed to write %s: %w", key, err)
}

func (s *gcsStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", s.Location(key), err)
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := joinKey(s.prefix, prefix)
	query := &gcs.Query{Prefix: full}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", full, err)
		}
		keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(attrs.Name, s.prefix), "/"))
	}
	return keys, nil
}
