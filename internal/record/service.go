package record

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultSeriesName = "Default"

var (
	// ErrEmptyImage is returned when an import carries no image data
	ErrEmptyImage = errors.New("image data is empty")

	// ErrConfirmed is returned when an operation would undo a human confirmation
	ErrConfirmed = errors.New("record is confirmed")

	// ErrNotFailed is returned when resetting a record that has not failed
	ErrNotFailed = errors.New("record has not failed")

	// ErrNameRequired is returned when creating a series without a name
	ErrNameRequired = errors.New("series name is required")

	// ErrDefaultSeries is returned when deleting the default series
	ErrDefaultSeries = errors.New("default series cannot be deleted")
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// IDGenerator generates unique IDs for records and series
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles record and series operations
type Service struct {
	db          DB
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource

	seedOnce sync.Once
	seedErr  error
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage) *Service {
	return NewServiceWithDeps(db, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	// Keep only alphanumeric, spaces, hyphens, and underscores
	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "screenshot"
	}
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}

	return base + ext
}

// Import stores a screenshot and creates a pending record for it. Analysis
// happens later in the pipeline passes.
func (s *Service) Import(filename string, data []byte, contentType string) (*Record, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	record := &Record{
		ID:          id,
		Filename:    savedPath,
		ContentType: contentType,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.SaveRecord(record); err != nil {
		// Clean up file if database save fails
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to delete orphaned image", "filename", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving record to database: %w", err)
	}

	slog.Info("Imported screenshot", "id", id, "filename", savedPath, "content_type", contentType, "size", len(data))
	return record, nil
}

// GetRecord retrieves a record by ID
func (s *Service) GetRecord(id string) (*Record, error) {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return record, nil
}

// ListRecords returns all records
func (s *Service) ListRecords() ([]*Record, error) {
	records, err := s.db.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// DeleteRecord removes a record and its image
func (s *Service) DeleteRecord(id string) error {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return fmt.Errorf("getting record for deletion: %w", err)
	}

	if record.HasImage() {
		if err := s.storage.Delete(record.Filename); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete image", "filename", record.Filename, "error", err)
		}
	}

	if err := s.db.DeleteRecord(id); err != nil {
		return fmt.Errorf("deleting record from database: %w", err)
	}
	return nil
}

// GetRecordImage retrieves the image data for a record
func (s *Service) GetRecordImage(id string) ([]byte, string, error) {
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting record: %w", err)
	}

	data, err := s.storage.Get(record.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting record image: %w", err)
	}

	return data, record.ContentType, nil
}

// SetValue records a value supplied by a person. The record becomes human
// confirmed and is left alone by the pipeline from then on.
func (s *Service) SetValue(id string, value decimal.Decimal) (*Record, error) {
	now := s.timeSource.Now()
	record, err := s.db.UpdateRecord(id, func(r *Record) error {
		r.Value = &value
		r.Confidence = nil
		r.ErrorMessage = ""
		r.State = StateHumanConfirmed
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting value: %w", err)
	}
	return record, nil
}

// AssignSeries moves a record into a series chosen by a person. An empty
// seriesID removes the record from its series.
func (s *Service) AssignSeries(id, seriesID string) (*Record, error) {
	if seriesID != "" {
		if _, err := s.db.GetSeries(seriesID); err != nil {
			return nil, fmt.Errorf("getting series: %w", err)
		}
	}

	now := s.timeSource.Now()
	record, err := s.db.UpdateRecord(id, func(r *Record) error {
		r.SeriesID = seriesID
		r.State = StateHumanConfirmed
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assigning series: %w", err)
	}
	return record, nil
}

// ResetAnalysis makes a failed record eligible for value extraction again
func (s *Service) ResetAnalysis(id string) (*Record, error) {
	now := s.timeSource.Now()
	record, err := s.db.UpdateRecord(id, func(r *Record) error {
		switch {
		case r.HumanConfirmed():
			return ErrConfirmed
		case r.State != StateFailed:
			return fmt.Errorf("%w: state is %s", ErrNotFailed, r.State)
		}
		r.ValueExtractionAttempted = false
		r.ErrorMessage = ""
		r.State = StatePending
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resetting analysis: %w", err)
	}
	return record, nil
}

// CreateSeries adds a new series after the existing ones
func (s *Service) CreateSeries(name, color string) (*Series, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	existing, err := s.db.ListSeries()
	if err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}

	series := &Series{
		ID:        s.idGenerator.Generate(),
		Name:      name,
		Color:     strings.TrimSpace(color),
		SortOrder: len(existing),
		CreatedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveSeries(series); err != nil {
		return nil, fmt.Errorf("saving series: %w", err)
	}
	return series, nil
}

// GetSeries retrieves a series by ID
func (s *Service) GetSeries(id string) (*Series, error) {
	series, err := s.db.GetSeries(id)
	if err != nil {
		return nil, fmt.Errorf("getting series: %w", err)
	}
	return series, nil
}

// ListSeries returns all series
func (s *Service) ListSeries() ([]*Series, error) {
	series, err := s.db.ListSeries()
	if err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}
	return series, nil
}

// DeleteSeries removes a series. Records in it lose their series.
func (s *Service) DeleteSeries(id string) error {
	series, err := s.db.GetSeries(id)
	if err != nil {
		return fmt.Errorf("getting series for deletion: %w", err)
	}
	if series.IsDefault {
		return ErrDefaultSeries
	}
	if err := s.db.DeleteSeries(id); err != nil {
		return fmt.Errorf("deleting series from database: %w", err)
	}
	return nil
}

// EnsureDefaultSeries creates the default series the first time it is called
// against an open store. Later calls return the first call's result.
func (s *Service) EnsureDefaultSeries() error {
	s.seedOnce.Do(func() {
		created, err := s.db.SeedDefaultSeries(&Series{
			ID:        s.idGenerator.Generate(),
			Name:      defaultSeriesName,
			IsDefault: true,
			CreatedAt: s.timeSource.Now(),
		})
		if err != nil {
			s.seedErr = fmt.Errorf("seeding default series: %w", err)
			return
		}
		if created {
			slog.Info("Created default series")
		}
	})
	return s.seedErr
}
