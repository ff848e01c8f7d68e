// Package pipeline runs the worker loop: claim a work item, process its
// member documents concurrently, and write the result artifact back to the
// workspace.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfoundry-ai/pagemill/internal/extract"
	"github.com/openfoundry-ai/pagemill/internal/inference"
	"github.com/openfoundry-ai/pagemill/internal/metrics"
	"github.com/openfoundry-ai/pagemill/internal/models"
	"github.com/openfoundry-ai/pagemill/internal/queue"
	"github.com/openfoundry-ai/pagemill/internal/storage"
)

// Runner executes work items against the shared queue and admission gate.
type Runner struct {
	runID     string
	workspace storage.ObjectStore
	queue     *queue.WorkQueue
	gate      *inference.Gate
	assembler *extract.Assembler
	metrics   *metrics.MetricsKeeper
	tracker   *metrics.StatusTracker

	mu     sync.Mutex
	stores map[string]storage.ObjectStore
}

func NewRunner(runID string, workspace storage.ObjectStore, q *queue.WorkQueue, gate *inference.Gate, assembler *extract.Assembler, keeper *metrics.MetricsKeeper, tracker *metrics.StatusTracker) *Runner {
	return &Runner{
		runID:     runID,
		workspace: workspace,
		queue:     q,
		gate:      gate,
		assembler: assembler,
		metrics:   keeper,
		tracker:   tracker,
		stores:    make(map[string]storage.ObjectStore),
	}
}

// RunWorkers runs n concurrent worker loops and waits for all of them to
// drain the queue.
func (r *Runner) RunWorkers(ctx context.Context, n int) error {
	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			return r.runWorker(gctx, i)
		})
	}
	return eg.Wait()
}

// runWorker acquires one gate permit per item; the acquire is the primary
// backpressure point and may block indefinitely while the server warms up.
func (r *Runner) runWorker(ctx context.Context, workerID int) error {
	logCtx := slog.With("workerId", workerID, "runId", r.runID)
	for {
		if err := r.gate.Acquire(ctx); err != nil {
			return err
		}

		item, err := r.queue.GetWork(ctx)
		if err != nil {
			r.gate.Release()
			return fmt.Errorf("failed to claim work: %w", err)
		}
		if item == nil {
			r.gate.Release()
			logCtx.Info("Queue drained, worker exiting.")
			return nil
		}

		logCtx.Info("Claimed work item.", "hash", item.Hash, "members", len(item.Members))
		r.tracker.ClearWork(workerID)

		if err := r.processItem(ctx, workerID, item); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logCtx.Error("Work item processing failed.", "hash", item.Hash, "error", err)
		}
	}
}

// processItem runs every member document concurrently, isolating failures
// per document, then serializes the survivors and uploads the artifact. The
// upload is what marks the item done. The gate permit is released no matter
// how processing ends.
func (r *Runner) processItem(ctx context.Context, workerID int, item *models.WorkItem) (err error) {
	defer func() {
		r.queue.MarkDone(item)
		r.gate.Release()
	}()

	tempDir, err := os.MkdirTemp("", "pagemill-item-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	records := make([]*models.DocumentRecord, len(item.Members))
	eg, gctx := errgroup.WithContext(ctx)
	for i, member := range item.Members {
		eg.Go(func() error {
			record, derr := r.processMember(gctx, workerID, member, tempDir, i)
			if derr != nil {
				// Terminal for this document only; siblings keep going.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Error("Member document failed.", "source", member, "error", derr)
				return nil
			}
			records[i] = record
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var emitted []*models.DocumentRecord
	for _, record := range records {
		if record != nil {
			emitted = append(emitted, record)
		}
	}
	slog.Info("Work item settled.", "hash", item.Hash, "documents", len(emitted), "members", len(item.Members))

	if err := r.writeArtifact(ctx, item.Hash, tempDir, emitted); err != nil {
		return err
	}

	for _, record := range emitted {
		r.metrics.Add(metrics.FinishedInputTokens, int64(record.Metadata.TotalInputTokens))
		r.metrics.Add(metrics.FinishedOutputTokens, int64(record.Metadata.TotalOutputTokens))
	}
	return nil
}

func (r *Runner) processMember(ctx context.Context, workerID int, member, tempDir string, idx int) (*models.DocumentRecord, error) {
	localPath := filepath.Join(tempDir, fmt.Sprintf("doc_%d.pdf", idx))
	if err := r.fetchMember(ctx, member, localPath); err != nil {
		return nil, fmt.Errorf("failed to fetch source document: %w", err)
	}
	return r.assembler.ProcessDocument(ctx, workerID, member, localPath)
}

// writeArtifact serializes the emitted records as newline-delimited JSON and
// uploads them to the item's deterministic output path. Losing the write
// race to another worker counts as success: the content is identical.
func (r *Runner) writeArtifact(ctx context.Context, hash, tempDir string, records []*models.DocumentRecord) error {
	artifactPath := filepath.Join(tempDir, fmt.Sprintf("output_%s_%s.jsonl", hash, r.runID))
	f, err := os.Create(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode document record: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to flush artifact file: %w", err)
	}

	key := queue.OutputKey(hash)
	if err := r.workspace.PutFileIfAbsent(ctx, key, artifactPath); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			slog.Info("Output already written by a racing worker.", "hash", hash)
			return nil
		}
		return fmt.Errorf("failed to upload artifact: %w", err)
	}
	slog.Info("Uploaded result artifact.", "key", key, "documents", len(records))
	return nil
}

// fetchMember downloads one source document, caching one store per parent
// location so sibling documents reuse clients.
func (r *Runner) fetchMember(ctx context.Context, location, destPath string) error {
	dir, base := path.Split(location)
	dir = strings.TrimSuffix(dir, "/")

	r.mu.Lock()
	store, ok := r.stores[dir]
	r.mu.Unlock()
	if !ok {
		var err error
		store, err = storage.Open(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to open store for %s: %w", dir, err)
		}
		r.mu.Lock()
		r.stores[dir] = store
		r.mu.Unlock()
	}
	return store.Download(ctx, base, destPath)
}
