package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
)

// PerceptualRevision identifies the descriptor format produced by PerceptualHasher.
// Bump it whenever the hash kind or size changes.
const PerceptualRevision = 1

const perceptualSide = 16

// PerceptualHasher generates extended perception hashes as feature prints
type PerceptualHasher struct {
	side int
}

// NewPerceptualHasher creates a hasher producing 16x16 (256 bit) hashes
func NewPerceptualHasher() *PerceptualHasher {
	return &PerceptualHasher{side: perceptualSide}
}

// FeaturePrint implements FeaturePrintBackend
func (p *PerceptualHasher) FeaturePrint(ctx context.Context, img image.Image) (FeaturePrint, error) {
	if err := ctx.Err(); err != nil {
		return FeaturePrint{}, err
	}
	hash, err := goimagehash.ExtPerceptionHash(img, p.side, p.side)
	if err != nil {
		return FeaturePrint{}, fmt.Errorf("hashing image: %w", err)
	}
	var buf bytes.Buffer
	if err := hash.Dump(&buf); err != nil {
		return FeaturePrint{}, fmt.Errorf("encoding hash: %w", err)
	}
	return FeaturePrint{Data: buf.Bytes(), Revision: PerceptualRevision}, nil
}

// Distance returns the Hamming distance between two hashes as a fraction of
// the hash length, so 0 is identical and 1 is fully inverted
func (p *PerceptualHasher) Distance(a, b FeaturePrint) (float64, error) {
	if a.Revision != b.Revision {
		return 0, fmt.Errorf("%w: %d != %d", ErrRevisionMismatch, a.Revision, b.Revision)
	}
	ha, err := goimagehash.LoadExtImageHash(bytes.NewReader(a.Data))
	if err != nil {
		return 0, fmt.Errorf("decoding first hash: %w", err)
	}
	hb, err := goimagehash.LoadExtImageHash(bytes.NewReader(b.Data))
	if err != nil {
		return 0, fmt.Errorf("decoding second hash: %w", err)
	}
	d, err := ha.Distance(hb)
	if err != nil {
		return 0, fmt.Errorf("comparing hashes: %w", err)
	}
	if ha.Bits() == 0 {
		return 0, fmt.Errorf("empty hash")
	}
	return float64(d) / float64(ha.Bits()), nil
}
