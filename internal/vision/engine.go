package vision

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// TextBackend recognizes text in an upright image
type TextBackend interface {
	RecognizeText(ctx context.Context, img image.Image) ([]Observation, error)
	Close() error
}

// FeaturePrintBackend produces perceptual descriptors and compares them
type FeaturePrintBackend interface {
	FeaturePrint(ctx context.Context, img image.Image) (FeaturePrint, error)
	// Distance returns a non-negative distance, smaller is more similar
	Distance(a, b FeaturePrint) (float64, error)
}

// Engine dispatches analysis requests to the configured backends
type Engine struct {
	text    TextBackend
	prints  FeaturePrintBackend
	timeout time.Duration
}

// NewEngine creates an Engine. A zero timeout leaves collaborator calls unbounded.
func NewEngine(text TextBackend, prints FeaturePrintBackend, timeout time.Duration) *Engine {
	return &Engine{
		text:    text,
		prints:  prints,
		timeout: timeout,
	}
}

// Analyze implements Analyzer
func (e *Engine) Analyze(ctx context.Context, img image.Image, orientation Orientation, req Request) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	switch req {
	case RequestRecognizeText:
		observations, err := e.text.RecognizeText(ctx, upright(img, orientation))
		if err != nil {
			return nil, &CollaboratorError{Op: req.String(), Err: err}
		}
		cleaned := make([]Observation, 0, len(observations))
		for _, o := range observations {
			o.Text = CleanText(o.Text)
			if o.Text == "" {
				continue
			}
			cleaned = append(cleaned, o)
		}
		return TextResult{Observations: cleaned}, nil
	case RequestFeaturePrint:
		fp, err := e.prints.FeaturePrint(ctx, img)
		if err != nil {
			return nil, &CollaboratorError{Op: req.String(), Err: err}
		}
		return FeaturePrintResult{FeaturePrint: fp}, nil
	default:
		return nil, fmt.Errorf("unsupported analysis request: %s", req)
	}
}

// Distance compares two feature prints of the same revision
func (e *Engine) Distance(a, b FeaturePrint) (float64, error) {
	if a.Revision != b.Revision {
		return 0, fmt.Errorf("%w: %d != %d", ErrRevisionMismatch, a.Revision, b.Revision)
	}
	return e.prints.Distance(a, b)
}

// Close releases backend resources
func (e *Engine) Close() error {
	return e.text.Close()
}

func upright(img image.Image, orientation Orientation) image.Image {
	switch orientation {
	case OrientationDown:
		return imaging.Rotate180(img)
	case OrientationLeft:
		return imaging.Rotate270(img)
	case OrientationRight:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
