package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FetchDirectory mirrors every object under location into destDir,
// preserving relative paths. Downloads run concurrently.
func FetchDirectory(ctx context.Context, location, destDir string) error {
	store, err := Open(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", location, err)
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", location, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no objects found under %s", location)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for _, key := range keys {
		eg.Go(func() error {
			dest := filepath.Join(destDir, filepath.FromSlash(key))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
			}
			if err := store.Download(gctx, key, dest); err != nil {
				return fmt.Errorf("failed to download %s: %w", key, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	slog.Info("Fetched directory.", "location", location, "objects", len(keys), "dest", destDir)
	return nil
}

// ResolveFastest fetches a model directory from whichever candidate location
// answers a listing probe first. A plain local directory candidate short-
// circuits and is used in place. Returns the local directory holding the
// artifact.
func ResolveFastest(ctx context.Context, candidates []string, destDir string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate locations given")
	}

	for _, c := range candidates {
		if !strings.Contains(c, "://") {
			if info, err := os.Stat(c); err == nil && info.IsDir() {
				slog.Info("Using local model directory.", "path", c)
				return c, nil
			}
		}
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	winners := make(chan string, len(candidates))
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(location string) {
			defer wg.Done()
			store, err := Open(probeCtx, location)
			if err != nil {
				slog.Warn("Candidate location unusable.", "location", location, "error", err)
				return
			}
			keys, err := store.List(probeCtx, "")
			if err != nil || len(keys) == 0 {
				slog.Warn("Candidate location empty or unreachable.", "location", location, "error", err)
				return
			}
			select {
			case winners <- location:
			default:
			}
		}(c)
	}
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var winner string
	select {
	case winner = <-winners:
	case <-allDone:
		// Every probe finished; take a late winner if one squeaked in.
		select {
		case winner = <-winners:
		default:
			return "", fmt.Errorf("no candidate location is reachable")
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	cancel()

	slog.Info("Resolved model artifact location.", "location", winner)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir %s: %w", destDir, err)
	}
	if err := FetchDirectory(ctx, winner, destDir); err != nil {
		return "", fmt.Errorf("failed to fetch model from %s: %w", winner, err)
	}
	return destDir, nil
}
