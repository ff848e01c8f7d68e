// Package storage provides the object-store backends for the pipeline
// workspace and source documents. Locations are dispatched on scheme:
// gs:// (GCS), s3:// (S3), anything else is a local directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotExist is returned by Get/Download when the object is missing,
// regardless of backend.
var ErrNotExist = errors.New("storage: object does not exist")

// ErrPreconditionFailed is returned by PutFileIfAbsent when the object was
// already written by someone else. Callers racing on an idempotent write
// treat this as success.
var ErrPreconditionFailed = errors.New("storage: object already exists")

// ObjectStore is a workspace rooted at one location. Keys are relative
// paths below that root.
type ObjectStore interface {
	// Get reads a whole object into memory.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, key string, data []byte) error
	// Download streams an object to a local file.
	Download(ctx context.Context, key, localPath string) error
	// Upload streams a local file to an object, retrying transient failures.
	Upload(ctx context.Context, key, localPath string) error
	// PutFileIfAbsent uploads a local file only if the object does not exist
	// yet, returning ErrPreconditionFailed when it does.
	PutFileIfAbsent(ctx context.Context, key, localPath string) error
	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under the given prefix, relative to the root.
	List(ctx context.Context, prefix string) ([]string, error)
	// Location returns the absolute location string for a key, suitable for
	// logging and for re-opening with Open.
	Location(key string) string
}

// Open returns the ObjectStore for a workspace location.
func Open(ctx context.Context, location string) (ObjectStore, error) {
	switch {
	case strings.HasPrefix(location, "gs://"):
		bucket, prefix, err := splitBucketURL(location)
		if err != nil {
			return nil, err
		}
		return newGCSStore(ctx, bucket, prefix)
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix, err := splitBucketURL(location)
		if err != nil {
			return nil, err
		}
		return newS3Store(ctx, bucket, prefix)
	default:
		return newLocalStore(location)
	}
}

// Glob expands a location pattern such as s3://bucket/prefix/*.pdf into the
// matching absolute locations. Only the final path component may contain
// wildcards.
func Glob(ctx context.Context, pattern string) ([]string, error) {
	dir, base := path.Split(pattern)
	if !strings.ContainsAny(base, "*?[") {
		return []string{pattern}, nil
	}
	store, err := Open(ctx, strings.TrimSuffix(dir, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for glob expansion: %w", dir, err)
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []string
	for _, key := range keys {
		ok, err := path.Match(base, path.Base(key))
		if err != nil {
			return nil, fmt.Errorf("bad glob pattern %q: %w", base, err)
		}
		if ok {
			out = append(out, store.Location(key))
		}
	}
	return out, nil
}

// splitBucketURL splits gs://bucket/prefix or s3://bucket/prefix into its
// bucket and key prefix.
func splitBucketURL(location string) (bucket, prefix string, err error) {
	idx := strings.Index(location, "://")
	rest := location[idx+3:]
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("location %q has no bucket", location)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

func joinKey(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
