package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Get when nothing is stored at a path
var ErrNotFound = errors.New("storage: object not found")

// Store holds clips, voice reference artifacts and assembled tracks
type Store interface {
	// Put stores data at the given path, replacing what was there
	Put(ctx context.Context, path string, data io.Reader) error

	// Get opens the object at path; a missing object yields ErrNotFound
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// PutBytes stores data at path
func PutBytes(ctx context.Context, s Store, path string, data []byte) error {
	return s.Put(ctx, path, bytes.NewReader(data))
}

// ReadAll loads the whole object at path
func ReadAll(ctx context.Context, s Store, path string) ([]byte, error) {
	rc, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
