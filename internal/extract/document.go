package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/openfoundry-ai/pagemill/internal/models"
)

// PageCounter probes a local document for its page count.
type PageCounter func(path string) (int, error)

// PDFPageCount is the production PageCounter, backed by pdfcpu.
func PDFPageCount(path string) (int, error) {
	return api.PageCountFile(path)
}

// Assembler fans out page extraction for one source document and builds the
// final record. Document completion is all-or-nothing: any page exhausting
// its retry budget cancels the siblings and suppresses the document.
type Assembler struct {
	extractor *PageExtractor
	pageCount PageCounter
}

func NewAssembler(extractor *PageExtractor, pageCount PageCounter) *Assembler {
	if pageCount == nil {
		pageCount = PDFPageCount
	}
	return &Assembler{extractor: extractor, pageCount: pageCount}
}

// ProcessDocument extracts every page of a locally cached document
// concurrently. A suppressed document returns (nil, nil): page failures and
// unreadable sources are terminal for the document but must not disturb
// sibling documents in the same work item. Only cancellation of the caller's
// context comes back as an error.
func (a *Assembler) ProcessDocument(ctx context.Context, workerID int, source, localPath string) (*models.DocumentRecord, error) {
	logCtx := slog.With("source", source, "workerId", workerID)

	numPages, err := a.pageCount(localPath)
	if err != nil {
		logCtx.Error("Could not count pages, aborting document.", "error", err)
		return nil, nil
	}
	logCtx.Info("Processing document.", "pages", numPages)

	results := make([]*models.PageResult, numPages)
	eg, gctx := errgroup.WithContext(ctx)
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		eg.Go(func() error {
			result, err := a.extractor.ExtractPage(gctx, workerID, source, localPath, pageNum)
			if err != nil {
				return err
			}
			results[pageNum-1] = result
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logCtx.Error("Document failed, no record will be emitted.", "error", err)
		return nil, nil
	}

	record := buildDocumentRecord(source, results)
	if record == nil {
		logCtx.Info("Document produced no text, suppressing record.")
	}
	return record, nil
}

// buildDocumentRecord concatenates page texts in ascending page order with a
// single newline between non-empty pages, recording the half-open span each
// page contributes. An empty concatenation yields nil.
func buildDocumentRecord(source string, results []*models.PageResult) *models.DocumentRecord {
	var text string
	spans := make([]models.PageSpan, 0, len(results))
	var inputTokens, outputTokens int

	for i, result := range results {
		var content string
		if result.Response.NaturalText != nil {
			content = *result.Response.NaturalText
			if i < len(results)-1 {
				content += "\n"
			}
		}
		start := len(text)
		text += content
		spans = append(spans, models.PageSpan{Start: start, End: len(text), PageNum: result.PageNum})
		inputTokens += result.InputTokens
		outputTokens += result.OutputTokens
	}

	if text == "" {
		return nil
	}

	today := time.Now().Format("2006-01-02")
	return &models.DocumentRecord{
		ID:      models.TextHash(text),
		Text:    text,
		Source:  "pagemill",
		Added:   today,
		Created: today,
		Metadata: models.DocumentMetadata{
			SourceFile:        source,
			PDFTotalPages:     len(results),
			TotalInputTokens:  inputTokens,
			TotalOutputTokens: outputTokens,
		},
		Attributes: models.DocumentAttributes{PDFPageNumbers: spans},
	}
}
