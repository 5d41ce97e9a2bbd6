package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrRevisionMismatch is returned when two feature prints of different
// revisions are compared
var ErrRevisionMismatch = errors.New("feature print revisions differ")

// ErrUnexpectedResult is returned when an analyzer answers a request with the
// wrong kind of result
var ErrUnexpectedResult = errors.New("unexpected analysis result")

// ErrNoTextBackend is returned by text recognition when the binary was built
// without an OCR engine
var ErrNoTextBackend = errors.New("vision: no text recognition backend linked; build with -tags=tesseract")

// Orientation describes how the image content is rotated relative to upright
type Orientation int

const (
	OrientationUp Orientation = iota
	OrientationDown
	OrientationLeft
	OrientationRight
)

// BoundingBox is a rectangle in normalized [0,1] image coordinates with the
// origin at the bottom-left corner
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Observation is a single piece of recognized text
type Observation struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"` // 0..1
	Box        BoundingBox `json:"box"`
}

// FeaturePrint is an opaque perceptual descriptor of an image. Two prints can
// only be compared when their revisions are equal.
type FeaturePrint struct {
	Data     []byte `json:"data"`
	Revision int    `json:"revision"`
}

// Request selects the kind of analysis to run
type Request int

const (
	RequestRecognizeText Request = iota
	RequestFeaturePrint
)

func (r Request) String() string {
	switch r {
	case RequestRecognizeText:
		return "recognize_text"
	case RequestFeaturePrint:
		return "feature_print"
	default:
		return fmt.Sprintf("request(%d)", int(r))
	}
}

// Result is the outcome of an analysis. It is implemented only by TextResult
// and FeaturePrintResult.
type Result interface {
	isResult()
}

// TextResult carries recognized text observations in reading order
type TextResult struct {
	Observations []Observation
}

// FeaturePrintResult carries the descriptor generated for an image
type FeaturePrintResult struct {
	FeaturePrint FeaturePrint
}

func (TextResult) isResult()         {}
func (FeaturePrintResult) isResult() {}

// Analyzer runs a single analysis request against an image
type Analyzer interface {
	Analyze(ctx context.Context, img image.Image, orientation Orientation, req Request) (Result, error)
}

// CollaboratorError wraps a failure reported by an OCR or fingerprint backend
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("vision collaborator error in %s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// RecognizeText asks the analyzer for text observations
func RecognizeText(ctx context.Context, a Analyzer, img image.Image, orientation Orientation) ([]Observation, error) {
	res, err := a.Analyze(ctx, img, orientation, RequestRecognizeText)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case TextResult:
		return r.Observations, nil
	case FeaturePrintResult:
		return nil, fmt.Errorf("%w: feature print for %s", ErrUnexpectedResult, RequestRecognizeText)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, res)
	}
}

// GenerateFeaturePrint asks the analyzer for a perceptual descriptor
func GenerateFeaturePrint(ctx context.Context, a Analyzer, img image.Image) (FeaturePrint, error) {
	res, err := a.Analyze(ctx, img, OrientationUp, RequestFeaturePrint)
	if err != nil {
		return FeaturePrint{}, err
	}
	switch r := res.(type) {
	case FeaturePrintResult:
		return r.FeaturePrint, nil
	case TextResult:
		return FeaturePrint{}, fmt.Errorf("%w: text for %s", ErrUnexpectedResult, RequestFeaturePrint)
	default:
		return FeaturePrint{}, fmt.Errorf("%w: %T", ErrUnexpectedResult, res)
	}
}
