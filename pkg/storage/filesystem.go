package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cyclopcam/logs"
)

// StorageFS is a filesystem-based blob store
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create root directory %v (relative path %v): %w", absRoot, root, err)
	}
	return &StorageFS{
		Root: absRoot,
		log:  log,
	}, nil
}

func (s *StorageFS) fullPath(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	return filepath.Join(s.Root, filepath.FromSlash(name)), nil
}

func (s *StorageFS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return nil, err
	}
	s.log.Debugf("Writing file %v", name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

func (s *StorageFS) ReadFile(ctx context.Context, name string) (*File, error) {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (s *StorageFS) DeleteFile(ctx context.Context, name string) error {
	fullPath, err := s.fullPath(name)
	if err != nil {
		return err
	}
	s.log.Infof("Deleting file %v", name)
	return os.Remove(fullPath)
}

func (s *StorageFS) List(ctx context.Context, prefix string) ([]string, error) {
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("%w %v", ErrInvalidName, prefix)
	}
	// Walk the deepest directory that the prefix names, and filter by the full prefix
	dir := prefix
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		dir = prefix[:i]
	} else {
		dir = ""
	}
	walkRoot := filepath.Join(s.Root, filepath.FromSlash(dir))
	names := []string{}
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *StorageFS) Move(ctx context.Context, src, dst string) error {
	srcPath, err := s.fullPath(src)
	if err != nil {
		return err
	}
	dstPath, err := s.fullPath(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	err = os.Rename(srcPath, dstPath)
	if errors.Is(err, os.ErrNotExist) {
		if _, errDst := os.Stat(dstPath); errDst == nil {
			// Already moved
			return nil
		}
		return fmt.Errorf("%w: %v", ErrNotFound, src)
	}
	return err
}
