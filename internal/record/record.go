package record

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/snapledger/internal/vision"
)

// State is the processing lifecycle of a record
type State string

const (
	StatePending        State = "pending"
	StateAnalyzing      State = "analyzing"
	StatePartial        State = "partial"
	StateFull           State = "full"
	StateFailed         State = "failed"
	StateHumanConfirmed State = "humanConfirmed"
)

// Record represents an imported screenshot and what has been extracted from it
type Record struct {
	ID                       string               `json:"id"`
	Filename                 string               `json:"filename"`
	ContentType              string               `json:"content_type"`
	Value                    *decimal.Decimal     `json:"value,omitempty"`
	ExtractedText            string               `json:"extracted_text,omitempty"`
	Confidence               *float64             `json:"confidence,omitempty"`
	ErrorMessage             string               `json:"error_message,omitempty"`
	State                    State                `json:"state"`
	ValueExtractionAttempted bool                 `json:"value_extraction_attempted"`
	Fingerprint              *vision.FeaturePrint `json:"fingerprint,omitempty"`
	SeriesID                 string               `json:"series_id,omitempty"` // cleared when the series is deleted
	CreatedAt                time.Time            `json:"created_at"`
	UpdatedAt                time.Time            `json:"updated_at"`
	AnalyzedAt               *time.Time           `json:"analyzed_at,omitempty"`
}

// HumanConfirmed reports whether a person has taken ownership of the record
func (r *Record) HumanConfirmed() bool {
	return r.State == StateHumanConfirmed
}

// HasImage reports whether the record carries an image blob
func (r *Record) HasImage() bool {
	return r.Filename != ""
}

// NeedsFingerprint selects records for the fingerprint pass
func (r *Record) NeedsFingerprint() bool {
	return r.HasImage() && r.Fingerprint == nil && !r.HumanConfirmed()
}

// NeedsExtraction selects records for the value-extraction pass
func (r *Record) NeedsExtraction() bool {
	return r.HasImage() && r.Value == nil && !r.ValueExtractionAttempted && !r.HumanConfirmed()
}

// NeedsSeries selects records for the series-matching pass
func (r *Record) NeedsSeries() bool {
	return r.Fingerprint != nil && r.SeriesID == "" && !r.HumanConfirmed()
}

// Series groups records that come from the same account or source
type Series struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	SortOrder int       `json:"sort_order"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}
