package scanning

import (
	"image"
	"sort"

	"github.com/zombor/snapledger/internal/vision"
)

// Fragment is a recognized piece of text with its visual prominence
type Fragment struct {
	Text       string             `json:"text"`
	Confidence float64            `json:"confidence"`
	Box        vision.BoundingBox `json:"box"`
	// Priority is 1 for the tallest text; equal heights share a priority
	Priority int `json:"priority"`
	// Height is the rendered text height in pixels
	Height float64 `json:"height"`
}

// Rank orders observations by rendered height, tallest first, and assigns
// each a priority. Ties share the previous priority; a strictly shorter
// fragment takes its 1-based position, so ranks can skip after a tie
// (1, 2, 3, 3, 5).
func Rank(observations []vision.Observation, imageSize image.Point) []Fragment {
	fragments := make([]Fragment, len(observations))
	for i, o := range observations {
		fragments[i] = Fragment{
			Text:       o.Text,
			Confidence: o.Confidence,
			Box:        o.Box,
			Height:     o.Box.Height * float64(imageSize.Y),
		}
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Height > fragments[j].Height
	})

	for i := range fragments {
		if i > 0 && fragments[i].Height == fragments[i-1].Height {
			fragments[i].Priority = fragments[i-1].Priority
			continue
		}
		fragments[i].Priority = i + 1
	}
	return fragments
}
