package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoundry-ai/pagemill/internal/extract"
	"github.com/openfoundry-ai/pagemill/internal/inference"
	"github.com/openfoundry-ai/pagemill/internal/metrics"
	"github.com/openfoundry-ai/pagemill/internal/models"
	"github.com/openfoundry-ai/pagemill/internal/queue"
	"github.com/openfoundry-ai/pagemill/internal/storage"
)

type stubRenderer struct{}

func (stubRenderer) RenderPage(context.Context, string, int, int, int) (string, error) {
	return "cGFnZQ==", nil
}

// stubAnchor surfaces the fetched document's content as the anchor text so
// the test server can tell documents apart, regardless of the temp path the
// worker downloaded them to.
type stubAnchor struct{}

func (stubAnchor) AnchorText(_ context.Context, pdfPath string, _, _ int) (string, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", err
	}
	return "anchor:" + string(data), nil
}

// extractionServer replies with a valid single-page extraction, or a 500 for
// any document whose fetched path mentions failToken.
func extractionServer(t *testing.T, failToken string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inference.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var anchor string
		for _, part := range req.Messages[0].Content {
			if strings.Contains(part.Text, "anchor:") {
				anchor = part.Text
			}
		}
		if failToken != "" && strings.Contains(anchor, failToken) {
			http.Error(w, "sampling failed", http.StatusInternalServerError)
			return
		}
		page := models.PageResponse{PrimaryLanguage: "en", IsRotationValid: true}
		text := "extracted text"
		page.NaturalText = &text
		content, _ := json.Marshal(page)
		reply := map[string]any{
			"usage":   map[string]int{"prompt_tokens": 80, "completion_tokens": 40, "total_tokens": 120},
			"choices": []map[string]any{{"message": map[string]string{"content": string(content)}}},
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(server.Close)
	return server
}

// newTestRunner builds a runner against a local workspace, a stub inference
// server, and single-page member documents created under docsDir.
func newTestRunner(t *testing.T, failToken string, docNames ...string) (*Runner, *queue.WorkQueue, storage.ObjectStore, []string) {
	t.Helper()
	ctx := context.Background()

	docsDir := t.TempDir()
	members := make([]string, len(docNames))
	for i, name := range docNames {
		p := filepath.Join(docsDir, name)
		// The document name doubles as content so the stub anchor can
		// identify the document after it is fetched to a temp path.
		require.NoError(t, os.WriteFile(p, []byte("%PDF-"+name), 0o644))
		members[i] = p
	}

	workspace, err := storage.Open(ctx, t.TempDir())
	require.NoError(t, err)
	workQueue := queue.New(workspace)
	require.NoError(t, workQueue.Populate(ctx, members, len(members)))
	require.NoError(t, workQueue.Initialize(ctx))

	server := extractionServer(t, failToken)
	keeper := metrics.NewMetricsKeeper(time.Minute)
	tracker := metrics.NewStatusTracker()
	extractor := extract.NewPageExtractor(extract.PageExtractorConfig{
		Model:                 "test-model",
		TargetLongestImageDim: 512,
		TargetAnchorTextLen:   100,
		ModelMaxContext:       8192,
		MaxPageRetries:        2,
	}, inference.NewClient(server.URL), stubRenderer{}, stubAnchor{}, keeper, tracker)
	assembler := extract.NewAssembler(extractor, func(string) (int, error) { return 1, nil })

	gate := inference.NewGate(8)
	runner := NewRunner("test-run", workspace, workQueue, gate, assembler, keeper, tracker)
	return runner, workQueue, workspace, members
}

func readArtifact(t *testing.T, store storage.ObjectStore, hash string) []models.DocumentRecord {
	t.Helper()
	data, err := store.Get(context.Background(), queue.OutputKey(hash))
	require.NoError(t, err)

	var records []models.DocumentRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var record models.DocumentRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	return records
}

func TestRunWorkersDrainsQueue(t *testing.T) {
	ctx := context.Background()
	runner, workQueue, workspace, _ := newTestRunner(t, "", "a.pdf", "b.pdf")

	items, err := workQueue.LoadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, runner.RunWorkers(ctx, 2))
	assert.Zero(t, workQueue.Size())

	records := readArtifact(t, workspace, items[0].Hash)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, "extracted text", record.Text)
		assert.Equal(t, 1, record.Metadata.PDFTotalPages)
		assert.Equal(t, 80, record.Metadata.TotalInputTokens)
	}
	assert.Equal(t, int64(160), runner.metrics.Total(metrics.FinishedInputTokens))
}

func TestRunWorkersIsolatesFailingDocument(t *testing.T) {
	ctx := context.Background()
	runner, workQueue, workspace, members := newTestRunner(t, "bad", "bad.pdf", "good.pdf")

	items, err := workQueue.LoadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, runner.RunWorkers(ctx, 1))

	// The failing member is dropped; the survivor still ships, and the
	// artifact write still marks the whole item done.
	records := readArtifact(t, workspace, items[0].Hash)
	require.Len(t, records, 1)
	goodMember := members[1]
	assert.Equal(t, goodMember, records[0].Metadata.SourceFile)
}

func TestRunWorkersSkipsAlreadyFinishedItems(t *testing.T) {
	ctx := context.Background()
	runner, workQueue, workspace, _ := newTestRunner(t, "", "a.pdf")

	items, err := workQueue.LoadIndex(ctx)
	require.NoError(t, err)
	require.NoError(t, workspace.Put(ctx, queue.OutputKey(items[0].Hash), []byte("already here\n")))

	require.NoError(t, runner.RunWorkers(ctx, 1))

	// The pre-existing artifact must be untouched.
	data, err := workspace.Get(ctx, queue.OutputKey(items[0].Hash))
	require.NoError(t, err)
	assert.Equal(t, []byte("already here\n"), data)
}

func TestWriteArtifactLosingRaceIsSuccess(t *testing.T) {
	ctx := context.Background()
	runner, _, workspace, _ := newTestRunner(t, "", "a.pdf")

	require.NoError(t, workspace.Put(ctx, queue.OutputKey("deadbeef"), []byte("winner\n")))

	text := "loser"
	record := &models.DocumentRecord{ID: models.TextHash(text), Text: text}
	require.NoError(t, runner.writeArtifact(ctx, "deadbeef", t.TempDir(), []*models.DocumentRecord{record}))

	data, err := workspace.Get(ctx, queue.OutputKey("deadbeef"))
	require.NoError(t, err)
	assert.Equal(t, []byte("winner\n"), data)
}

func TestCollectStatsSummarizesWorkspace(t *testing.T) {
	ctx := context.Background()
	runner, workQueue, workspace, _ := newTestRunner(t, "", "a.pdf", "b.pdf")
	require.NoError(t, runner.RunWorkers(ctx, 1))
	require.Zero(t, workQueue.Size())

	stats, err := CollectStats(ctx, workspace)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.CompletedItems)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 160, stats.InputTokens)
	assert.Equal(t, 80, stats.OutputTokens)
	assert.Zero(t, stats.SkippedSources)

	out := stats.String()
	assert.Contains(t, out, "Work items")
	assert.Contains(t, out, "Documents")
}
