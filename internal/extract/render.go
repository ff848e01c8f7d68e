// Package extract turns source document pages into model requests and
// assembles per-document results.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// PageRenderer renders one page of a local document to a base64 PNG at the
// target resolution, optionally rotated clockwise by a quarter-turn multiple.
type PageRenderer interface {
	RenderPage(ctx context.Context, pdfPath string, page, longestDim, rotation int) (string, error)
}

// PopplerRenderer shells out to pdftoppm. The subprocess keeps the
// CPU-bound rasterization off the worker goroutines.
type PopplerRenderer struct{}

func (PopplerRenderer) RenderPage(ctx context.Context, pdfPath string, page, longestDim, rotation int) (string, error) {
	if rotation%90 != 0 || rotation < 0 || rotation > 270 {
		return "", fmt.Errorf("invalid image rotation %d", rotation)
	}

	tmpDir, err := os.MkdirTemp("", "pagemill-render-*")
	if err != nil {
		return "", fmt.Errorf("failed to create render temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	args := []string{
		"-png",
		"-scale-to", strconv.Itoa(longestDim),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		pdfPath,
		prefix,
	}
	if out, err := exec.CommandContext(ctx, "pdftoppm", args...).CombinedOutput(); err != nil {
		return "", fmt.Errorf("pdftoppm failed on page %d: %w: %s", page, err, out)
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("rendered image not found for page %d", page)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return "", fmt.Errorf("failed to read rendered page: %w", err)
	}

	if rotation != 0 {
		data, err = rotatePNG(data, rotation)
		if err != nil {
			return "", fmt.Errorf("failed to rotate page %d: %w", page, err)
		}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// rotatePNG rotates the image clockwise by 90, 180 or 270 degrees.
func rotatePNG(data []byte, degrees int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered PNG: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var dst *image.RGBA
	switch degrees {
	case 90, 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	default:
		return nil, fmt.Errorf("unsupported rotation %d", degrees)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.At(bounds.Min.X+x, bounds.Min.Y+y)
			switch degrees {
			case 90:
				dst.Set(h-1-y, x, c)
			case 180:
				dst.Set(w-1-x, h-1-y, c)
			case 270:
				dst.Set(y, w-1-x, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode rotated PNG: %w", err)
	}
	return buf.Bytes(), nil
}
