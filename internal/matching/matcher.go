// Package matching assigns fingerprinted records to the series whose members
// look most alike.
package matching

import (
	"errors"
	"log/slog"

	"gonum.org/v1/gonum/stat"

	"github.com/zombor/snapledger/internal/record"
	"github.com/zombor/snapledger/internal/vision"
)

// DefaultThreshold is the average distance a series must stay strictly below
// to be assigned automatically
const DefaultThreshold = 0.25

// Comparer measures the distance between two feature prints of equal revision
type Comparer interface {
	Distance(a, b vision.FeaturePrint) (float64, error)
}

// Match is the series chosen for a record
type Match struct {
	SeriesID        string
	AverageDistance float64
	Comparisons     int
}

// Matcher picks a series for a record by comparing fingerprints
type Matcher struct {
	comparer  Comparer
	threshold float64
}

// NewMatcher creates a Matcher. A non-positive threshold selects DefaultThreshold.
func NewMatcher(comparer Comparer, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{
		comparer:  comparer,
		threshold: threshold,
	}
}

// Threshold returns the auto-assignment threshold
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match compares target against every fingerprinted, assigned record in
// history and returns the series with the smallest average distance, provided
// it is below the threshold.
func (m *Matcher) Match(target *record.Record, history []*record.Record) (*Match, bool) {
	if target == nil || target.Fingerprint == nil || len(target.Fingerprint.Data) == 0 {
		return nil, false
	}

	var order []string
	distances := make(map[string][]float64)
	for _, other := range history {
		if other.ID == target.ID || other.SeriesID == "" || other.Fingerprint == nil || len(other.Fingerprint.Data) == 0 {
			continue
		}
		if other.Fingerprint.Revision != target.Fingerprint.Revision {
			continue
		}
		if _, seen := distances[other.SeriesID]; !seen {
			order = append(order, other.SeriesID)
			distances[other.SeriesID] = nil
		}

		d, err := m.comparer.Distance(*target.Fingerprint, *other.Fingerprint)
		if err != nil {
			if !errors.Is(err, vision.ErrRevisionMismatch) {
				slog.Warn("Skipping fingerprint comparison", "record", target.ID, "other", other.ID, "error", err)
			}
			continue
		}
		distances[other.SeriesID] = append(distances[other.SeriesID], d)
	}

	var best *Match
	for _, seriesID := range order {
		ds := distances[seriesID]
		if len(ds) == 0 {
			continue
		}
		avg := stat.Mean(ds, nil)
		if best == nil || avg < best.AverageDistance {
			best = &Match{SeriesID: seriesID, AverageDistance: avg, Comparisons: len(ds)}
		}
	}

	if best == nil || best.AverageDistance >= m.threshold {
		if best != nil {
			slog.Debug("No series close enough", "record", target.ID, "closest", best.SeriesID, "distance", best.AverageDistance)
		}
		return nil, false
	}
	return best, true
}
