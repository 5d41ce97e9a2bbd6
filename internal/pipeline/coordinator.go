package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/snapledger/internal/matching"
	"github.com/zombor/snapledger/internal/record"
	"github.com/zombor/snapledger/internal/scanning"
	"github.com/zombor/snapledger/internal/vision"
)

// Pass names a pipeline pass
type Pass string

const (
	PassFingerprint Pass = "fingerprint"
	PassExtraction  Pass = "extraction"
	PassSeries      Pass = "series"
	PassRecovery    Pass = "recovery"
)

// interruptedMessage is recorded on records whose analysis never finished
const interruptedMessage = "analysis interrupted"

// PassReport summarizes one pass invocation
type PassReport struct {
	Pass     Pass `json:"pass"`
	Selected int  `json:"selected"`
	Updated  int  `json:"updated"`
	Failed   int  `json:"failed"`
	Skipped  int  `json:"skipped"`
}

// Store is the part of the record store the passes need
type Store interface {
	RecordsNeedingFingerprint() ([]*record.Record, error)
	RecordsNeedingExtraction() ([]*record.Record, error)
	RecordsNeedingSeries() ([]*record.Record, error)
	FingerprintedRecords() ([]*record.Record, error)
	InterruptedRecords() ([]*record.Record, error)
	UpdateRecord(id string, fn func(*record.Record) error) (*record.Record, error)
}

// Images reads screenshot blobs
type Images interface {
	Get(key string) ([]byte, error)
}

// Extractor runs OCR value detection and fingerprinting on a screenshot
type Extractor interface {
	Scan(ctx context.Context, data []byte, contentType string) (*scanning.Detection, error)
	Fingerprint(ctx context.Context, data []byte, contentType string) (vision.FeaturePrint, error)
}

// SeriesMatcher picks a series for a fingerprinted record
type SeriesMatcher interface {
	Match(target *record.Record, history []*record.Record) (*matching.Match, bool)
}

// Coordinator runs the fingerprint, value-extraction and series-matching
// passes. Each pass selects its own records, so passes can be repeated and
// interleaved freely.
type Coordinator struct {
	store      Store
	images     Images
	extractor  Extractor
	matcher    SeriesMatcher
	timeSource record.TimeSource
	locks      *keyedMutex
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewCoordinator creates a Coordinator using the system clock
func NewCoordinator(store Store, images Images, extractor Extractor, matcher SeriesMatcher) *Coordinator {
	return NewCoordinatorWithDeps(store, images, extractor, matcher, systemClock{})
}

// NewCoordinatorWithDeps creates a Coordinator with a custom time source for testing
func NewCoordinatorWithDeps(store Store, images Images, extractor Extractor, matcher SeriesMatcher, timeSrc record.TimeSource) *Coordinator {
	return &Coordinator{
		store:      store,
		images:     images,
		extractor:  extractor,
		matcher:    matcher,
		timeSource: timeSrc,
		locks:      newKeyedMutex(),
	}
}

// RunAll runs fingerprinting and extraction side by side, then series
// matching so freshly fingerprinted records are considered.
func (c *Coordinator) RunAll(ctx context.Context) ([]PassReport, error) {
	var fingerprint, extraction PassReport

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fingerprint, err = c.FingerprintPass(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		extraction, err = c.ExtractionPass(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return []PassReport{fingerprint, extraction}, err
	}

	series, err := c.SeriesPass(ctx)
	return []PassReport{fingerprint, extraction, series}, err
}

// outcome records a per-record result on the report and in metrics
func (r *PassReport) outcome(result string) {
	switch result {
	case "updated":
		r.Updated++
	case "failed":
		r.Failed++
	case "skipped":
		r.Skipped++
	}
	passRecordsTotal.WithLabelValues(string(r.Pass), result).Inc()
}

// finish logs and times a completed pass
func (c *Coordinator) finish(report PassReport, start time.Time) {
	passDuration.WithLabelValues(string(report.Pass)).Observe(time.Since(start).Seconds())
	if report.Selected == 0 {
		return
	}
	slog.Info("Pass complete",
		"pass", report.Pass,
		"selected", report.Selected,
		"updated", report.Updated,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", time.Since(start),
	)
}

// observe times a collaborator call
func observe(req vision.Request, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	collaboratorDuration.WithLabelValues(req.String(), status).Observe(time.Since(start).Seconds())
}

// update runs fn against the stored record and classifies the result
func (c *Coordinator) update(report *PassReport, id string, fn func(*record.Record) error) (*record.Record, bool) {
	updated, err := c.store.UpdateRecord(id, fn)
	switch {
	case errors.Is(err, record.ErrUnchanged):
		report.outcome("skipped")
		return nil, false
	case err != nil:
		slog.Error("Failed to persist record", "pass", report.Pass, "id", id, "error", err)
		report.outcome("failed")
		return nil, false
	}
	return updated, true
}

// FingerprintPass generates feature prints for records that lack one. Failed
// generations are retried on the next invocation.
func (c *Coordinator) FingerprintPass(ctx context.Context) (PassReport, error) {
	start := time.Now()
	report := PassReport{Pass: PassFingerprint}

	records, err := c.store.RecordsNeedingFingerprint()
	if err != nil {
		return report, fmt.Errorf("selecting records for fingerprinting: %w", err)
	}
	report.Selected = len(records)

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			c.finish(report, start)
			return report, err
		}
		c.fingerprint(ctx, &report, r)
	}

	c.finish(report, start)
	return report, nil
}

func (c *Coordinator) fingerprint(ctx context.Context, report *PassReport, r *record.Record) {
	unlock := c.locks.Lock(r.ID)
	defer unlock()

	data, err := c.images.Get(r.Filename)
	if err != nil {
		slog.Warn("Failed to read image", "pass", report.Pass, "id", r.ID, "error", err)
		report.outcome("failed")
		return
	}

	start := time.Now()
	fp, err := c.extractor.Fingerprint(ctx, data, r.ContentType)
	observe(vision.RequestFeaturePrint, start, err)
	if err != nil {
		slog.Warn("Failed to generate fingerprint", "id", r.ID, "error", err)
		if !errors.Is(err, scanning.ErrInvalidImage) {
			report.outcome("failed")
			return
		}
		// An undecodable image can never produce a value either
		if _, ok := c.update(report, r.ID, func(cur *record.Record) error {
			if !cur.NeedsFingerprint() || cur.Value != nil || cur.State == record.StateFailed {
				return record.ErrUnchanged
			}
			cur.State = record.StateFailed
			cur.ErrorMessage = err.Error()
			cur.UpdatedAt = c.timeSource.Now()
			return nil
		}); ok {
			report.outcome("failed")
		}
		return
	}

	if _, ok := c.update(report, r.ID, func(cur *record.Record) error {
		if !cur.NeedsFingerprint() {
			return record.ErrUnchanged
		}
		cur.Fingerprint = &fp
		cur.UpdatedAt = c.timeSource.Now()
		return nil
	}); ok {
		report.outcome("updated")
	}
}

// ExtractionPass detects the monetary value of records that have not been
// analyzed yet. Each record is claimed before OCR runs, so a failure is not
// retried automatically.
func (c *Coordinator) ExtractionPass(ctx context.Context) (PassReport, error) {
	start := time.Now()
	report := PassReport{Pass: PassExtraction}

	records, err := c.store.RecordsNeedingExtraction()
	if err != nil {
		return report, fmt.Errorf("selecting records for extraction: %w", err)
	}
	report.Selected = len(records)

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			c.finish(report, start)
			return report, err
		}
		c.extract(ctx, &report, r)
	}

	c.finish(report, start)
	return report, nil
}

func (c *Coordinator) extract(ctx context.Context, report *PassReport, r *record.Record) {
	unlock := c.locks.Lock(r.ID)
	defer unlock()

	claimed, err := c.store.UpdateRecord(r.ID, func(cur *record.Record) error {
		if !cur.NeedsExtraction() {
			return record.ErrUnchanged
		}
		cur.ValueExtractionAttempted = true
		cur.State = record.StateAnalyzing
		cur.ErrorMessage = ""
		cur.UpdatedAt = c.timeSource.Now()
		return nil
	})
	if errors.Is(err, record.ErrUnchanged) {
		report.outcome("skipped")
		return
	}
	if err != nil {
		slog.Error("Failed to claim record", "id", r.ID, "error", err)
		report.outcome("failed")
		return
	}

	detection, scanErr := c.scan(ctx, claimed)

	// Shutdown or a missing OCR engine is not a verdict on the image; release the claim
	if scanErr != nil && (ctx.Err() != nil || errors.Is(scanErr, vision.ErrNoTextBackend)) {
		if _, ok := c.update(report, r.ID, func(cur *record.Record) error {
			if cur.HumanConfirmed() || cur.State != record.StateAnalyzing {
				return record.ErrUnchanged
			}
			cur.ValueExtractionAttempted = false
			cur.State = record.StatePending
			return nil
		}); ok {
			report.outcome("skipped")
		}
		return
	}

	updated, ok := c.update(report, r.ID, func(cur *record.Record) error {
		if cur.HumanConfirmed() {
			return record.ErrUnchanged
		}
		now := c.timeSource.Now()
		cur.UpdatedAt = now
		if scanErr != nil {
			cur.State = record.StateFailed
			cur.ErrorMessage = scanErr.Error()
			return nil
		}

		value := detection.Value
		confidence := detection.Confidence
		cur.Value = &value
		cur.Confidence = &confidence
		cur.ExtractedText = detection.Text
		cur.ErrorMessage = ""
		cur.AnalyzedAt = &now
		if cur.SeriesID != "" {
			cur.State = record.StateFull
		} else {
			cur.State = record.StatePartial
		}
		return nil
	})
	if !ok {
		return
	}

	if scanErr != nil {
		slog.Warn("Value extraction failed", "id", r.ID, "error", scanErr)
		report.outcome("failed")
		return
	}
	slog.Debug("Extracted value", "id", r.ID, "value", updated.Value.String(), "state", updated.State)
	report.outcome("updated")
}

// RecoverInterrupted fails records whose extraction claim was left behind by
// a process that died mid-analysis. A user can reset them like any other
// failed record.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) (PassReport, error) {
	start := time.Now()
	report := PassReport{Pass: PassRecovery}

	records, err := c.store.InterruptedRecords()
	if err != nil {
		return report, fmt.Errorf("selecting interrupted records: %w", err)
	}
	report.Selected = len(records)

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			c.finish(report, start)
			return report, err
		}
		c.recover(&report, r)
	}

	c.finish(report, start)
	return report, nil
}

func (c *Coordinator) recover(report *PassReport, r *record.Record) {
	// A pass still holding the record settles it before this runs
	unlock := c.locks.Lock(r.ID)
	defer unlock()

	if _, ok := c.update(report, r.ID, func(cur *record.Record) error {
		if cur.State != record.StateAnalyzing {
			return record.ErrUnchanged
		}
		cur.State = record.StateFailed
		cur.ErrorMessage = interruptedMessage
		cur.UpdatedAt = c.timeSource.Now()
		return nil
	}); ok {
		slog.Warn("Recovered interrupted analysis", "id", r.ID)
		report.outcome("updated")
	}
}

func (c *Coordinator) scan(ctx context.Context, r *record.Record) (*scanning.Detection, error) {
	data, err := c.images.Get(r.Filename)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	start := time.Now()
	detection, err := c.extractor.Scan(ctx, data, r.ContentType)
	observe(vision.RequestRecognizeText, start, err)
	return detection, err
}

// SeriesPass assigns series to fingerprinted records that have none. Records
// without a close enough series are left for the next invocation.
func (c *Coordinator) SeriesPass(ctx context.Context) (PassReport, error) {
	start := time.Now()
	report := PassReport{Pass: PassSeries}

	records, err := c.store.RecordsNeedingSeries()
	if err != nil {
		return report, fmt.Errorf("selecting records for series matching: %w", err)
	}
	report.Selected = len(records)
	if len(records) == 0 {
		c.finish(report, start)
		return report, nil
	}

	history, err := c.store.FingerprintedRecords()
	if err != nil {
		return report, fmt.Errorf("loading fingerprinted records: %w", err)
	}
	byID := make(map[string]*record.Record, len(history))
	for _, h := range history {
		byID[h.ID] = h
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			c.finish(report, start)
			return report, err
		}
		seriesID, ok := c.assign(&report, r, history)
		if ok {
			// Later records in this pass can match against the new member
			if h, found := byID[r.ID]; found {
				h.SeriesID = seriesID
			}
		}
	}

	c.finish(report, start)
	return report, nil
}

func (c *Coordinator) assign(report *PassReport, r *record.Record, history []*record.Record) (string, bool) {
	unlock := c.locks.Lock(r.ID)
	defer unlock()

	match, ok := c.matcher.Match(r, history)
	if !ok {
		report.outcome("skipped")
		return "", false
	}

	if _, ok := c.update(report, r.ID, func(cur *record.Record) error {
		if !cur.NeedsSeries() {
			return record.ErrUnchanged
		}
		cur.SeriesID = match.SeriesID
		if cur.State == record.StatePartial {
			cur.State = record.StateFull
		}
		cur.UpdatedAt = c.timeSource.Now()
		return nil
	}); !ok {
		return "", false
	}

	slog.Debug("Assigned series", "id", r.ID, "series", match.SeriesID, "distance", match.AverageDistance)
	report.outcome("updated")
	return match.SeriesID, true
}
