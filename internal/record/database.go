package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

const (
	recordBucketName = "records"
	seriesBucketName = "series"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrSeriesNotFound is returned when a series does not exist
	ErrSeriesNotFound = errors.New("series not found")

	// ErrUnchanged may be returned by an UpdateRecord callback to skip the write
	ErrUnchanged = errors.New("record unchanged")
)

// DB defines the interface for database operations
type DB interface {
	// SaveRecord saves a record to the database
	SaveRecord(record *Record) error

	// GetRecord retrieves a record by ID
	GetRecord(id string) (*Record, error)

	// ListRecords returns all records in import order
	ListRecords() ([]*Record, error)

	// DeleteRecord removes a record from the database
	DeleteRecord(id string) error

	// UpdateRecord applies fn to the stored record inside a single write
	// transaction. If fn returns ErrUnchanged nothing is written.
	UpdateRecord(id string, fn func(*Record) error) (*Record, error)

	// RecordsNeedingFingerprint returns records with an image and no fingerprint
	RecordsNeedingFingerprint() ([]*Record, error)

	// RecordsNeedingExtraction returns records with an image, no value, no
	// extraction attempt and no human confirmation
	RecordsNeedingExtraction() ([]*Record, error)

	// RecordsNeedingSeries returns records with a fingerprint and no series
	RecordsNeedingSeries() ([]*Record, error)

	// FingerprintedRecords returns every record carrying a fingerprint
	FingerprintedRecords() ([]*Record, error)

	// InterruptedRecords returns records left in the analyzing state
	InterruptedRecords() ([]*Record, error)

	// SaveSeries saves a series to the database
	SaveSeries(series *Series) error

	// GetSeries retrieves a series by ID
	GetSeries(id string) (*Series, error)

	// ListSeries returns all series ordered by SortOrder
	ListSeries() ([]*Series, error)

	// DeleteSeries removes a series and detaches its records
	DeleteSeries(id string) error

	// SeedDefaultSeries stores series unless a default series already exists
	SeedDefaultSeries(series *Series) (bool, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(seriesBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func putRecord(bucket *bbolt.Bucket, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return bucket.Put([]byte(record.ID), data)
}

// SaveRecord saves a record to the database
func (b *BoltDB) SaveRecord(record *Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket([]byte(recordBucketName)), record)
	})
}

// GetRecord retrieves a record by ID
func (b *BoltDB) GetRecord(id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListRecords returns all records in import order
func (b *BoltDB) ListRecords() ([]*Record, error) {
	return b.recordsWhere(func(*Record) bool { return true })
}

// recordsWhere returns the records matching keep, oldest first
func (b *BoltDB) recordsWhere(keep func(*Record) bool) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			if keep(&record) {
				records = append(records, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(records, func(a, b *Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return records, nil
}

// DeleteRecord removes a record from the database
func (b *BoltDB) DeleteRecord(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		return bucket.Delete([]byte(id))
	})
}

// UpdateRecord runs a read-modify-write of one record in a single transaction
func (b *BoltDB) UpdateRecord(id string, fn func(*Record) error) (*Record, error) {
	var record *Record
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
		return putRecord(bucket, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// RecordsNeedingFingerprint returns records with an image and no fingerprint
func (b *BoltDB) RecordsNeedingFingerprint() ([]*Record, error) {
	return b.recordsWhere((*Record).NeedsFingerprint)
}

// RecordsNeedingExtraction returns records eligible for value extraction
func (b *BoltDB) RecordsNeedingExtraction() ([]*Record, error) {
	return b.recordsWhere((*Record).NeedsExtraction)
}

// RecordsNeedingSeries returns records with a fingerprint and no series
func (b *BoltDB) RecordsNeedingSeries() ([]*Record, error) {
	return b.recordsWhere((*Record).NeedsSeries)
}

// FingerprintedRecords returns every record carrying a fingerprint
func (b *BoltDB) FingerprintedRecords() ([]*Record, error) {
	return b.recordsWhere(func(r *Record) bool { return r.Fingerprint != nil })
}

// InterruptedRecords returns records whose extraction claim was never settled
func (b *BoltDB) InterruptedRecords() ([]*Record, error) {
	return b.recordsWhere(func(r *Record) bool { return r.State == StateAnalyzing })
}

// SaveSeries saves a series to the database
func (b *BoltDB) SaveSeries(series *Series) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putSeries(tx.Bucket([]byte(seriesBucketName)), series)
	})
}

func putSeries(bucket *bbolt.Bucket, series *Series) error {
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshaling series: %w", err)
	}
	return bucket.Put([]byte(series.ID), data)
}

// GetSeries retrieves a series by ID
func (b *BoltDB) GetSeries(id string) (*Series, error) {
	var series *Series
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(seriesBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
		}
		return json.Unmarshal(data, &series)
	})
	if err != nil {
		return nil, err
	}
	return series, nil
}

// ListSeries returns all series ordered by SortOrder
func (b *BoltDB) ListSeries() ([]*Series, error) {
	series := make([]*Series, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(seriesBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var s Series
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshaling series: %w", err)
			}
			series = append(series, &s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(series, func(a, b *Series) int {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return series, nil
}

// DeleteSeries removes a series and clears it from every record that
// references it. Complete records drop back to partial unless confirmed.
func (b *BoltDB) DeleteSeries(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		seriesBucket := tx.Bucket([]byte(seriesBucketName))
		if seriesBucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
		}
		if err := seriesBucket.Delete([]byte(id)); err != nil {
			return err
		}

		// The bucket must not be modified inside ForEach
		recordBucket := tx.Bucket([]byte(recordBucketName))
		var detached []*Record
		err := recordBucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			if record.SeriesID == id {
				detached = append(detached, &record)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, record := range detached {
			record.SeriesID = ""
			if record.State == StateFull {
				record.State = StatePartial
			}
			if err := putRecord(recordBucket, record); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeedDefaultSeries stores series only if no default series exists yet. The
// check and the insert share one transaction.
func (b *BoltDB) SeedDefaultSeries(series *Series) (bool, error) {
	created := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(seriesBucketName))
		exists := false
		err := bucket.ForEach(func(k, v []byte) error {
			var s Series
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshaling series: %w", err)
			}
			if s.IsDefault {
				exists = true
			}
			return nil
		})
		if err != nil || exists {
			return err
		}
		created = true
		return putSeries(bucket, series)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
