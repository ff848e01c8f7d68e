package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfoundry-ai/pagemill/internal/models"
	"github.com/openfoundry-ai/pagemill/internal/queue"
	"github.com/openfoundry-ai/pagemill/internal/storage"
)

// WorkspaceStats summarizes the state of a workspace without running any
// work.
type WorkspaceStats struct {
	TotalItems     int
	CompletedItems int
	Documents      int
	Pages          int
	InputTokens    int
	OutputTokens   int
	SkippedSources int
}

// CollectStats reads the work index and every result artifact to tally
// workspace progress. Artifacts are parsed over a bounded worker pool.
func CollectStats(ctx context.Context, store storage.ObjectStore) (*WorkspaceStats, error) {
	q := queue.New(store)
	items, err := q.LoadIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load work index: %w", err)
	}

	original := make(map[string]struct{})
	for _, item := range items {
		for _, member := range item.Members {
			original[member] = struct{}{}
		}
	}

	keys, err := store.List(ctx, "results/")
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	stats := &WorkspaceStats{TotalItems: len(items)}
	processed := make(map[string]struct{})
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(16)
	for _, key := range keys {
		if !strings.HasSuffix(key, ".jsonl") {
			continue
		}
		stats.CompletedItems++
		eg.Go(func() error {
			data, err := store.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			scanner := bufio.NewScanner(bytes.NewReader(data))
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				var record models.DocumentRecord
				if err := json.Unmarshal(line, &record); err != nil {
					return fmt.Errorf("bad record in %s: %w", key, err)
				}
				mu.Lock()
				stats.Documents++
				stats.Pages += record.Metadata.PDFTotalPages
				stats.InputTokens += record.Metadata.TotalInputTokens
				stats.OutputTokens += record.Metadata.TotalOutputTokens
				processed[record.Metadata.SourceFile] = struct{}{}
				mu.Unlock()
			}
			return scanner.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for source := range original {
		if _, ok := processed[source]; !ok {
			stats.SkippedSources++
		}
	}
	return stats, nil
}

// String renders the stats report.
func (s *WorkspaceStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work items:     %d total, %d completed, %d remaining\n",
		s.TotalItems, s.CompletedItems, s.TotalItems-s.CompletedItems)
	fmt.Fprintf(&b, "Documents:      %d processed, %d sources skipped\n", s.Documents, s.SkippedSources)
	fmt.Fprintf(&b, "Pages:          %d\n", s.Pages)
	fmt.Fprintf(&b, "Tokens:         %d in, %d out", s.InputTokens, s.OutputTokens)
	if s.Documents > 0 {
		fmt.Fprintf(&b, "\nAvg pages/doc:  %.1f", float64(s.Pages)/float64(s.Documents))
		fmt.Fprintf(&b, "\nAvg tokens/doc: %.1f", float64(s.OutputTokens)/float64(s.Documents))
	}
	return b.String()
}
