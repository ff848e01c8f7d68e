// Package queue implements the durable, object-storage-backed work queue.
// The partition list is a gzip-compressed CSV under the workspace root; each
// line is a stable item hash followed by the member document keys. An item
// is done iff its output artifact exists at its deterministic path.
package queue

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/openfoundry-ai/pagemill/internal/models"
	"github.com/openfoundry-ai/pagemill/internal/storage"
)

const (
	indexKey      = "work_index_list.csv.gz"
	resultsPrefix = "results/"
)

// OutputKey returns the deterministic result artifact key for a work item.
func OutputKey(hash string) string {
	return fmt.Sprintf("%soutput_%s.jsonl", resultsPrefix, hash)
}

// WorkQueue hands out work items to workers in-process. Claiming takes no
// cross-process lease beyond checking output existence, so two racing
// processes can both claim an item; the output write is idempotent per id,
// making that wasted work rather than corruption.
type WorkQueue struct {
	store storage.ObjectStore

	mu    sync.Mutex
	items []models.WorkItem
}

func New(store storage.ObjectStore) *WorkQueue {
	return &WorkQueue{store: store}
}

// Populate partitions members into groups of itemsPerGroup keys and appends
// the resulting work items to the persisted index. Members that already
// belong to an indexed item are left alone, so repeated calls never reshuffle
// existing assignments and no member ever appears in two items.
func (q *WorkQueue) Populate(ctx context.Context, members []string, itemsPerGroup int) error {
	if itemsPerGroup < 1 {
		return fmt.Errorf("itemsPerGroup must be at least 1, got %d", itemsPerGroup)
	}

	existing, err := q.readIndex(ctx)
	if err != nil {
		return err
	}
	indexed := make(map[string]struct{})
	for _, item := range existing {
		for _, m := range item.Members {
			indexed[m] = struct{}{}
		}
	}

	// Deduplicate, drop already-indexed members, and sort so the grouping is
	// a pure function of the new member set.
	uniq := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m == "" {
			continue
		}
		if _, ok := indexed[m]; ok {
			continue
		}
		uniq[m] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for m := range uniq {
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)

	var added int
	all := existing
	for start := 0; start < len(sorted); start += itemsPerGroup {
		end := min(start+itemsPerGroup, len(sorted))
		all = append(all, models.NewWorkItem(sorted[start:end]))
		added++
	}

	if added == 0 {
		slog.Info("Work index already up to date.", "items", len(existing))
		return nil
	}
	if err := q.writeIndex(ctx, all); err != nil {
		return err
	}
	slog.Info("Populated work index.", "added", added, "total", len(all))
	return nil
}

// Initialize loads the persisted index and drops items whose output artifact
// already exists, leaving the claimable remainder in memory.
func (q *WorkQueue) Initialize(ctx context.Context) error {
	items, err := q.readIndex(ctx)
	if err != nil {
		return err
	}

	done := make(map[string]struct{})
	keys, err := q.store.List(ctx, resultsPrefix)
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	for _, key := range keys {
		name := strings.TrimPrefix(key, resultsPrefix)
		if strings.HasPrefix(name, "output_") && strings.HasSuffix(name, ".jsonl") {
			hash := strings.TrimSuffix(strings.TrimPrefix(name, "output_"), ".jsonl")
			done[hash] = struct{}{}
		}
	}

	remaining := items[:0]
	for _, item := range items {
		if _, ok := done[item.Hash]; !ok {
			remaining = append(remaining, item)
		}
	}

	q.mu.Lock()
	q.items = remaining
	q.mu.Unlock()
	slog.Info("Initialized work queue.", "total", len(items), "completed", len(done), "remaining", len(remaining))
	return nil
}

// GetWork pops the next unclaimed item, skipping any that finished since
// Initialize ran. Returns nil when the queue is exhausted, which is the
// signal for a worker to exit.
func (q *WorkQueue) GetWork(ctx context.Context) (*models.WorkItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil, nil
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		exists, err := q.store.Exists(ctx, OutputKey(item.Hash))
		if err != nil {
			return nil, fmt.Errorf("failed to check output for %s: %w", item.Hash, err)
		}
		if exists {
			slog.Info("Skipping already-completed work item.", "hash", item.Hash)
			continue
		}
		return &item, nil
	}
}

// MarkDone is an extension point; completion is evidenced by the worker's
// output write, so there is nothing to record here.
func (q *WorkQueue) MarkDone(_ *models.WorkItem) {}

// LoadIndex returns the full persisted partition list, used by the stats
// reporter.
func (q *WorkQueue) LoadIndex(ctx context.Context) ([]models.WorkItem, error) {
	return q.readIndex(ctx)
}

// Size reports how many items remain claimable.
func (q *WorkQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *WorkQueue) readIndex(ctx context.Context) ([]models.WorkItem, error) {
	data, err := q.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read work index: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("work index is not valid gzip: %w", err)
	}
	defer zr.Close()

	r := csv.NewReader(zr)
	r.FieldsPerRecord = -1
	var items []models.WorkItem
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse work index: %w", err)
		}
		if len(record) < 2 {
			continue
		}
		items = append(items, models.WorkItem{Hash: record[0], Members: record[1:]})
	}
	return items, nil
}

func (q *WorkQueue) writeIndex(ctx context.Context, items []models.WorkItem) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	w := csv.NewWriter(zw)
	for _, item := range items {
		if err := w.Write(append([]string{item.Hash}, item.Members...)); err != nil {
			return fmt.Errorf("failed to encode work index: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode work index: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress work index: %w", err)
	}
	if err := q.store.Put(ctx, indexKey, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to persist work index: %w", err)
	}
	return nil
}
