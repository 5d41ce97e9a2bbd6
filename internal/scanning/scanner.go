package scanning

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/zombor/snapledger/internal/vision"
)

// ErrNoCandidate is returned when no fragment survives filtering and scoring
var ErrNoCandidate = errors.New("no monetary value detected")

// Config holds the scanner settings
type Config struct {
	MaxDimension int
	Scoring      ScoringConfig
}

// DefaultConfig returns the stock scanner settings
func DefaultConfig() Config {
	return Config{
		MaxDimension: DefaultMaxDimension,
		Scoring:      DefaultScoringConfig(),
	}
}

// Detection is the value extracted from a screenshot
type Detection struct {
	Candidate
	Fragments []Fragment
	ImageSize image.Point
}

// Scanner extracts monetary values and feature prints from screenshots
type Scanner struct {
	analyzer vision.Analyzer
	cfg      Config
}

// NewScanner creates a Scanner backed by analyzer
func NewScanner(analyzer vision.Analyzer, cfg Config) *Scanner {
	return &Scanner{
		analyzer: analyzer,
		cfg:      cfg,
	}
}

// Scan runs preprocessing, OCR, ranking and scoring and returns the best candidate
func (s *Scanner) Scan(ctx context.Context, data []byte, contentType string) (*Detection, error) {
	img, err := Preprocess(data, contentType, s.cfg.MaxDimension)
	if err != nil {
		return nil, err
	}

	observations, err := vision.RecognizeText(ctx, s.analyzer, img, vision.OrientationUp)
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}

	size := img.Bounds().Size()
	fragments := Rank(observations, size)
	candidates := s.cfg.Scoring.Candidates(fragments)
	best, ok := SelectBest(candidates)

	slog.Debug("Scanned screenshot",
		"fragments", len(fragments),
		"candidates", len(candidates),
		"width", size.X,
		"height", size.Y,
	)

	if !ok {
		return nil, ErrNoCandidate
	}

	return &Detection{
		Candidate: *best,
		Fragments: fragments,
		ImageSize: size,
	}, nil
}

// Fingerprint decodes the screenshot and generates its feature print
func (s *Scanner) Fingerprint(ctx context.Context, data []byte, contentType string) (vision.FeaturePrint, error) {
	img, err := Preprocess(data, contentType, s.cfg.MaxDimension)
	if err != nil {
		return vision.FeaturePrint{}, err
	}
	fp, err := vision.GenerateFeaturePrint(ctx, s.analyzer, img)
	if err != nil {
		return vision.FeaturePrint{}, fmt.Errorf("generating feature print: %w", err)
	}
	return fp, nil
}
