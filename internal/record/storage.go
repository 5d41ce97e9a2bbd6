package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBlobNotFound is returned when an image blob is missing from storage
var ErrBlobNotFound = errors.New("image not found")

// Storage holds the image blobs owned by records
type Storage interface {
	// Save writes an image and returns the key it is stored under
	Save(name string, data []byte) (string, error)

	// Get reads an image by key
	Get(key string) ([]byte, error)

	// Delete removes an image
	Delete(key string) error
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage rooted at basePath
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// path confines key to the storage directory
func (l *LocalStorage) path(key string) (string, error) {
	name := filepath.Base(filepath.Clean(key))
	if name == "." || name == string(filepath.Separator) || name != key {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	return filepath.Join(l.basePath, name), nil
}

// Save writes an image to local storage
func (l *LocalStorage) Save(name string, data []byte) (string, error) {
	path, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return name, nil
}

// Get reads an image from local storage
func (l *LocalStorage) Get(key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes an image from local storage
func (l *LocalStorage) Delete(key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
