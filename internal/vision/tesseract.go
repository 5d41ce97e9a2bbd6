//go:build tesseract

package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TextBackendLinked reports whether a real OCR engine is compiled in
const TextBackendLinked = true

// Tesseract recognizes text lines with a shared gosseract client
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseract creates a Tesseract backend for the given language, e.g. "eng"
func NewTesseract(language string) (*Tesseract, error) {
	client := gosseract.NewClient()
	if language != "" {
		if err := client.SetLanguage(language); err != nil {
			client.Close()
			return nil, fmt.Errorf("setting tesseract language: %w", err)
		}
	}
	return &Tesseract{client: client}, nil
}

// RecognizeText implements TextBackend. Confidence is rescaled from 0..100 to 0..1.
func (t *Tesseract) RecognizeText(ctx context.Context, img image.Image) ([]Observation, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("loading image into tesseract: %w", err)
	}
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	bounds := img.Bounds()
	observations := make([]Observation, 0, len(boxes))
	for _, b := range boxes {
		observations = append(observations, Observation{
			Text:       b.Word,
			Confidence: b.Confidence / 100,
			Box:        NormalizeRect(b.Box, bounds),
		})
	}
	return observations, nil
}

// Close releases the tesseract client
func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}
