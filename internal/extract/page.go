package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfoundry-ai/pagemill/internal/inference"
	"github.com/openfoundry-ai/pagemill/internal/metrics"
	"github.com/openfoundry-ai/pagemill/internal/models"
)

const (
	// maxOutputTokens caps the model reply per page.
	maxOutputTokens = 3000
	// samplingTemperature matches what the model was tuned for.
	samplingTemperature = 0.8
	// timeoutBackoffBase is the first sleep after a transport timeout; it
	// doubles per consecutive timeout.
	timeoutBackoffBase = 10 * time.Second
)

// pagePrompt frames the anchor text for the model.
const pagePrompt = "Below is the image of one page of a PDF document, as well as some raw textual content that was previously extracted for it. " +
	"Just return the plain text representation of this document as if you were reading it naturally.\n" +
	"Do not hallucinate.\n" +
	"RAW_TEXT_START\n%s\nRAW_TEXT_END"

// PageExhaustedError is the terminal, page-scoped failure raised when a
// page's retry budget runs out. It cancels the owning document.
type PageExhaustedError struct {
	Source   string
	PageNum  int
	Attempts int
}

func (e *PageExhaustedError) Error() string {
	return fmt.Sprintf("could not process %s page %d after %d attempts", e.Source, e.PageNum, e.Attempts)
}

// PageExtractorConfig carries the rendering and retry parameters for page
// extraction.
type PageExtractorConfig struct {
	Model                 string
	TargetLongestImageDim int
	TargetAnchorTextLen   int
	ModelMaxContext       int
	MaxPageRetries        int
}

// PageExtractor converts single pages into model requests with the
// category-aware retry policy.
type PageExtractor struct {
	cfg      PageExtractorConfig
	client   *inference.Client
	renderer PageRenderer
	anchors  AnchorSource
	metrics  *metrics.MetricsKeeper
	tracker  *metrics.StatusTracker

	// sleep is replaceable so the backoff branch is testable without
	// waiting out real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPageExtractor(cfg PageExtractorConfig, client *inference.Client, renderer PageRenderer, anchors AnchorSource, keeper *metrics.MetricsKeeper, tracker *metrics.StatusTracker) *PageExtractor {
	return &PageExtractor{
		cfg:      cfg,
		client:   client,
		renderer: renderer,
		anchors:  anchors,
		metrics:  keeper,
		tracker:  tracker,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtractPage runs the full retry loop for one page of a locally cached
// document. The failure taxonomy:
//   - transport timeouts back off exponentially and never consume budget;
//   - HTTP error statuses, context overflow, parse failures and invalid
//     rotations consume budget (overflow also halves the anchor length,
//     invalid rotation makes the correction sticky for this page);
//   - cancellation propagates immediately;
//   - an exhausted budget is terminal for the page.
func (e *PageExtractor) ExtractPage(ctx context.Context, workerID int, source, localPath string, pageNum int) (*models.PageResult, error) {
	taskKey := fmt.Sprintf("%s-%d", source, pageNum)
	logCtx := slog.With("source", source, "page", pageNum, "workerId", workerID)
	e.tracker.Track(workerID, taskKey, metrics.TaskStarted)

	anchorLen := e.cfg.TargetAnchorTextLen
	rotation := 0
	backoffs := 0
	attempt := 0

	for attempt < e.cfg.MaxPageRetries {
		req, err := e.buildPageQuery(ctx, localPath, pageNum, anchorLen, rotation)
		if err != nil {
			// Rendering or anchor extraction failing is a document problem,
			// not a model problem; hand it straight up.
			e.tracker.Track(workerID, taskKey, metrics.TaskErrored)
			return nil, fmt.Errorf("failed to build page query: %w", err)
		}

		resp, err := e.client.Completions(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				logCtx.Info("Page extraction cancelled.")
				e.tracker.Track(workerID, taskKey, metrics.TaskCancelled)
				return nil, ctx.Err()
			}
			if isTimeout(err) {
				// The shared server is probably restarting; wait it out
				// without spending budget.
				delay := timeoutBackoffBase * (1 << backoffs)
				backoffs++
				logCtx.Warn("Inference request timed out, backing off.", "delay", delay.String(), "error", err)
				if serr := e.sleep(ctx, delay); serr != nil {
					e.tracker.Track(workerID, taskKey, metrics.TaskCancelled)
					return nil, serr
				}
				continue
			}
			logCtx.Warn("Inference request failed.", "attempt", attempt, "error", err)
			attempt++
			continue
		}

		if resp.Usage.TotalTokens > e.cfg.ModelMaxContext {
			anchorLen = max(1, anchorLen/2)
			logCtx.Info("Response exceeded model max context, reducing anchor length.", "anchorLen", anchorLen)
			attempt++
			continue
		}

		e.metrics.Add(metrics.SglangInputTokens, int64(resp.Usage.PromptTokens))
		e.metrics.Add(metrics.SglangOutputTokens, int64(resp.Usage.CompletionTokens))

		if len(resp.Choices) == 0 {
			logCtx.Warn("Response carried no choices.", "attempt", attempt)
			attempt++
			continue
		}
		var pageResp models.PageResponse
		if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &pageResp); err != nil {
			logCtx.Warn("Failed to parse structured extraction from reply.", "attempt", attempt, "error", err)
			attempt++
			continue
		}

		if !pageResp.IsRotationValid && attempt < e.cfg.MaxPageRetries-1 {
			logCtx.Info("Model reported invalid rotation, retrying with correction.", "attempt", attempt, "correction", pageResp.RotationCorrection)
			rotation = pageResp.RotationCorrection
			attempt++
			continue
		}

		e.tracker.Track(workerID, taskKey, metrics.TaskFinished)
		return &models.PageResult{
			Source:       source,
			PageNum:      pageNum,
			Response:     pageResp,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}, nil
	}

	logCtx.Error("Page failed after exhausting retry budget.", "attempts", attempt)
	e.tracker.Track(workerID, taskKey, metrics.TaskErrored)
	return nil, &PageExhaustedError{Source: source, PageNum: pageNum, Attempts: attempt}
}

// buildPageQuery renders the page and extracts the anchor text concurrently,
// then assembles the chat-completion payload.
func (e *PageExtractor) buildPageQuery(ctx context.Context, localPath string, pageNum, anchorLen, rotation int) (*inference.ChatRequest, error) {
	var imageB64, anchorText string
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		imageB64, err = e.renderer.RenderPage(gctx, localPath, pageNum, e.cfg.TargetLongestImageDim, rotation)
		return err
	})
	eg.Go(func() error {
		var err error
		anchorText, err = e.anchors.AnchorText(gctx, localPath, pageNum, anchorLen)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &inference.ChatRequest{
		Model: e.cfg.Model,
		Messages: []inference.Message{
			{
				Role: "user",
				Content: []inference.ContentPart{
					{Type: "text", Text: fmt.Sprintf(pagePrompt, anchorText)},
					{Type: "image_url", ImageURL: &inference.ImageURL{URL: "data:image/png;base64," + imageB64}},
				},
			},
		},
		MaxTokens:   maxOutputTokens,
		Temperature: samplingTemperature,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
