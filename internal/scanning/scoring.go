package scanning

import (
	"math"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Score weights, summing to 1
const (
	priorityWeight   = 0.4
	confidenceWeight = 0.3
	currencyWeight   = 0.2
	formatWeight     = 0.1
)

// ScoringConfig controls candidate filtering
type ScoringConfig struct {
	// MinConfidence discards fragments the OCR engine is unsure about
	MinConfidence float64
	// MaxPriority keeps only the N most prominent rank levels
	MaxPriority int
	// MinScore discards weak candidates after scoring
	MinScore float64
}

// DefaultScoringConfig returns the stock thresholds
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		MinConfidence: 0.75,
		MaxPriority:   3,
		MinScore:      0.6,
	}
}

// Candidate is a fragment that parsed as an amount
type Candidate struct {
	Value      decimal.Decimal `json:"value"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Priority   int             `json:"priority"`
	Score      float64         `json:"score"`
}

// Score computes the composite score of a fragment in [0,1]
func (c ScoringConfig) Score(f Fragment) float64 {
	var priorityScore float64
	if c.MaxPriority > 0 && f.Priority <= c.MaxPriority {
		priorityScore = math.Max(0, 1-float64(f.Priority-1)/float64(c.MaxPriority))
	}

	var confidenceScore float64
	if f.Confidence >= c.MinConfidence {
		confidenceScore = f.Confidence
	}

	var currencyBonus float64
	if HasCurrencyMarker(f.Text) {
		currencyBonus = 1
	}

	return priorityWeight*priorityScore +
		confidenceWeight*confidenceScore +
		currencyWeight*currencyBonus +
		formatWeight*FormatScore(f.Text)
}

// FormatScore rates how much text looks like a formatted amount
func FormatScore(text string) float64 {
	var score float64
	if strings.ContainsAny(text, ",'") {
		score += 0.4
	}
	if strings.ContainsAny(text, ".,") {
		score += 0.3
	}
	digits := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits >= 4 && digits <= 12 {
		score += 0.3
	}
	return math.Min(score, 1)
}

// Candidates filters ranked fragments and scores the ones that parse as
// amounts. Order follows the input; candidates below MinScore are dropped.
func (c ScoringConfig) Candidates(fragments []Fragment) []Candidate {
	candidates := make([]Candidate, 0, len(fragments))
	for _, f := range fragments {
		if f.Confidence < c.MinConfidence || f.Priority > c.MaxPriority {
			continue
		}
		value, err := ParseCurrency(f.Text)
		if err != nil {
			continue
		}
		score := c.Score(f)
		if score < c.MinScore {
			continue
		}
		candidates = append(candidates, Candidate{
			Value:      value,
			Text:       f.Text,
			Confidence: f.Confidence,
			Priority:   f.Priority,
			Score:      score,
		})
	}
	return candidates
}

// SelectBest returns the highest scoring candidate; the first one wins ties
func SelectBest(candidates []Candidate) (*Candidate, bool) {
	var best *Candidate
	for i := range candidates {
		if best == nil || candidates[i].Score > best.Score {
			best = &candidates[i]
		}
	}
	return best, best != nil
}
