//go:build !tesseract

package vision

import (
	"context"
	"image"
)

// TextBackendLinked reports whether a real OCR engine is compiled in
const TextBackendLinked = false

// Tesseract is a placeholder used when the binary is built without tesseract
type Tesseract struct{}

func NewTesseract(_ string) (*Tesseract, error) { return &Tesseract{}, nil }

func (t *Tesseract) RecognizeText(_ context.Context, _ image.Image) ([]Observation, error) {
	return nil, ErrNoTextBackend
}

func (t *Tesseract) Close() error { return nil }
