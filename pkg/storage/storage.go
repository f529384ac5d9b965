package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("Not found")
var ErrInvalidName = errors.New("Invalid file name")

// Storage is an abstraction of a blob store (eg GCS, or a directory tree).
// Names use forward slashes, regardless of the platform.
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// List returns the names of all files whose name starts with prefix.
	// The names are sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Move renames src to dst.
	// If src no longer exists, but dst does, then the move is assumed to have
	// already happened, and Move returns nil. This makes it safe to retry.
	// Only the names are compared, so a stale dst left behind by some other
	// process is indistinguishable from a completed move. Callers that reuse a
	// destination area must make sure it holds none of the names they move.
	Move(ctx context.Context, src, dst string) error
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
