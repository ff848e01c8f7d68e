package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoundry-ai/pagemill/internal/inference"
	"github.com/openfoundry-ai/pagemill/internal/metrics"
	"github.com/openfoundry-ai/pagemill/internal/models"
)

var anchorPageRe = regexp.MustCompile(`anchor for page (\d+)`)

// pageFromRequest recovers which page a chat request is for, using the anchor
// text the fake anchor source embeds in the prompt.
func pageFromRequest(t *testing.T, r *http.Request) int {
	t.Helper()
	var req inference.ChatRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	require.NotEmpty(t, req.Messages)
	for _, part := range req.Messages[0].Content {
		if match := anchorPageRe.FindStringSubmatch(part.Text); match != nil {
			var page int
			fmt.Sscanf(match[1], "%d", &page)
			return page
		}
	}
	t.Fatal("request carried no anchor text")
	return 0
}

func newTestAssembler(t *testing.T, pages int, handler http.HandlerFunc) *Assembler {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	e := NewPageExtractor(PageExtractorConfig{
		Model:                 "test-model",
		TargetLongestImageDim: 1024,
		TargetAnchorTextLen:   4000,
		ModelMaxContext:       8192,
		MaxPageRetries:        2,
	}, inference.NewClient(server.URL), &fakeRenderer{}, &fakeAnchor{}, metrics.NewMetricsKeeper(time.Minute), metrics.NewStatusTracker())
	return NewAssembler(e, func(string) (int, error) { return pages, nil })
}

func TestProcessDocumentAssemblesPagesInOrder(t *testing.T) {
	a := newTestAssembler(t, 3, func(w http.ResponseWriter, r *http.Request) {
		page := pageFromRequest(t, r)
		fmt.Fprint(w, chatReply(t, validPage(fmt.Sprintf("text of page %d", page)), 150))
	})

	record, err := a.ProcessDocument(context.Background(), 0, "s3://bucket/doc.pdf", "/tmp/doc.pdf")
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "text of page 1\ntext of page 2\ntext of page 3", record.Text)
	assert.Equal(t, models.TextHash(record.Text), record.ID)
	assert.Equal(t, "s3://bucket/doc.pdf", record.Metadata.SourceFile)
	assert.Equal(t, 3, record.Metadata.PDFTotalPages)
	assert.Equal(t, 300, record.Metadata.TotalInputTokens)
	assert.Equal(t, 150, record.Metadata.TotalOutputTokens)

	spans := record.Attributes.PDFPageNumbers
	require.Len(t, spans, 3)
	assert.Equal(t, 0, spans[0].Start)
	for i, span := range spans {
		assert.Equal(t, i+1, span.PageNum)
		if i > 0 {
			// Spans partition the text: each begins where the last ended.
			assert.Equal(t, spans[i-1].End, span.Start)
		}
	}
	assert.Equal(t, len(record.Text), spans[2].End)
}

func TestProcessDocumentIsAllOrNothing(t *testing.T) {
	a := newTestAssembler(t, 3, func(w http.ResponseWriter, r *http.Request) {
		if pageFromRequest(t, r) == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, chatReply(t, validPage("fine"), 150))
	})

	// Page 2 exhausts its budget; the whole document is suppressed without
	// becoming an item-level error.
	record, err := a.ProcessDocument(context.Background(), 0, "doc.pdf", "/tmp/doc.pdf")
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestProcessDocumentUnreadableSourceIsSuppressed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for an unreadable document")
	}))
	t.Cleanup(server.Close)

	e := NewPageExtractor(PageExtractorConfig{MaxPageRetries: 2, TargetAnchorTextLen: 100, ModelMaxContext: 8192},
		inference.NewClient(server.URL), &fakeRenderer{}, &fakeAnchor{}, metrics.NewMetricsKeeper(time.Minute), metrics.NewStatusTracker())
	a := NewAssembler(e, func(string) (int, error) { return 0, fmt.Errorf("not a pdf") })

	record, err := a.ProcessDocument(context.Background(), 0, "doc.pdf", "/tmp/doc.pdf")
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestProcessDocumentCancellationPropagates(t *testing.T) {
	a := newTestAssembler(t, 2, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(t, validPage("unused"), 150))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.ProcessDocument(ctx, 0, "doc.pdf", "/tmp/doc.pdf")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildDocumentRecordNewlinePlacement(t *testing.T) {
	text := func(s string) *string { return &s }
	results := []*models.PageResult{
		{PageNum: 1, Response: models.PageResponse{NaturalText: text("first")}},
		{PageNum: 2, Response: models.PageResponse{NaturalText: nil}},
		{PageNum: 3, Response: models.PageResponse{NaturalText: text("third")}},
	}

	record := buildDocumentRecord("doc.pdf", results)
	require.NotNil(t, record)
	assert.Equal(t, "first\nthird", record.Text)

	spans := record.Attributes.PDFPageNumbers
	require.Len(t, spans, 3)
	assert.Equal(t, models.PageSpan{Start: 0, End: 6, PageNum: 1}, spans[0])
	// The skipped page still gets an empty span so page accounting holds.
	assert.Equal(t, models.PageSpan{Start: 6, End: 6, PageNum: 2}, spans[1])
	assert.Equal(t, models.PageSpan{Start: 6, End: 11, PageNum: 3}, spans[2])
}

func TestBuildDocumentRecordLastPageHasNoTrailingNewline(t *testing.T) {
	text := func(s string) *string { return &s }
	record := buildDocumentRecord("doc.pdf", []*models.PageResult{
		{PageNum: 1, Response: models.PageResponse{NaturalText: text("only")}},
	})
	require.NotNil(t, record)
	assert.Equal(t, "only", record.Text)
}

func TestBuildDocumentRecordEmptyTextSuppressed(t *testing.T) {
	record := buildDocumentRecord("doc.pdf", []*models.PageResult{
		{PageNum: 1, Response: models.PageResponse{NaturalText: nil}},
		{PageNum: 2, Response: models.PageResponse{NaturalText: nil}},
	})
	assert.Nil(t, record)
}
