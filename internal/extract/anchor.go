package extract

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// AnchorSource extracts a bounded-length excerpt of a page's embedded text,
// used to ground the model's extraction.
type AnchorSource interface {
	AnchorText(ctx context.Context, pdfPath string, page, maxLen int) (string, error)
}

// PopplerAnchor shells out to pdftotext. Extraction runs in an isolated
// subprocess and is CPU-bound, so concurrent invocations are capped at the
// CPU count.
type PopplerAnchor struct {
	sem chan struct{}
}

func NewPopplerAnchor() *PopplerAnchor {
	return &PopplerAnchor{sem: make(chan struct{}, runtime.NumCPU())}
}

func (a *PopplerAnchor) AnchorText(ctx context.Context, pdfPath string, page, maxLen int) (string, error) {
	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	args := []string{
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-layout",
		pdfPath,
		"-", // stdout
	}
	out, err := exec.CommandContext(ctx, "pdftotext", args...).Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed on page %d: %w", page, err)
	}
	return truncateAnchor(string(out), maxLen), nil
}

// truncateAnchor bounds the anchor to maxLen characters without splitting a
// UTF-8 sequence.
func truncateAnchor(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if maxLen < 1 {
		maxLen = 1
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}
