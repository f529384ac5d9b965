package dedup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/cyclopcam/surgset/pkg/storage"
)

// ItemStore is the persistence behind a Pool. It holds the content of items,
// and physically moves them between locations.
type ItemStore interface {
	// List the items in a location, sorted
	List(ctx context.Context, loc Location) ([]ItemID, error)

	// Open an item for reading. The caller must close the reader.
	Open(ctx context.Context, loc Location, id ItemID) (io.ReadCloser, error)

	// Move an item from one location to another.
	// Retrying a move that has already completed must succeed.
	Move(ctx context.Context, id ItemID, from, to Location) error
}

// BlobStore keeps items in a storage.Storage (a directory tree, or a GCS bucket).
// The source location is SourcePrefix, and all other locations live under WorkPrefix.
// For example, with SourcePrefix "frames" and WorkPrefix "dedup":
//
//	frames/abc.jpg           source
//	dedup/batch/3/abc.jpg    batch 3
//	dedup/bucket/abc.jpg     survivors of the current round
//	dedup/final/abc.jpg      final survivors
type BlobStore struct {
	Storage      storage.Storage
	SourcePrefix string
	WorkPrefix   string
}

func NewBlobStore(s storage.Storage, sourcePrefix, workPrefix string) (*BlobStore, error) {
	sourcePrefix = strings.Trim(sourcePrefix, "/")
	workPrefix = strings.Trim(workPrefix, "/")
	if workPrefix == "" {
		return nil, fmt.Errorf("Work prefix may not be empty")
	}
	if workPrefix == sourcePrefix {
		return nil, fmt.Errorf("Work prefix and source prefix must differ (both are '%v')", workPrefix)
	}
	return &BlobStore{
		Storage:      s,
		SourcePrefix: sourcePrefix,
		WorkPrefix:   workPrefix,
	}, nil
}

func (b *BlobStore) dir(loc Location) string {
	if loc == LocationSource {
		return b.SourcePrefix
	}
	return path.Join(b.WorkPrefix, string(loc))
}

func (b *BlobStore) key(loc Location, id ItemID) string {
	return path.Join(b.dir(loc), string(id))
}

func (b *BlobStore) List(ctx context.Context, loc Location) ([]ItemID, error) {
	prefix := b.dir(loc)
	if prefix != "" {
		prefix += "/"
	}
	names, err := b.Storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	workPrefix := b.WorkPrefix + "/"
	items := make([]ItemID, 0, len(names))
	for _, name := range names {
		// The work area may be nested inside the source area
		if loc == LocationSource && strings.HasPrefix(name, workPrefix) {
			continue
		}
		items = append(items, ItemID(strings.TrimPrefix(name, prefix)))
	}
	return items, nil
}

func (b *BlobStore) Open(ctx context.Context, loc Location, id ItemID) (io.ReadCloser, error) {
	f, err := b.Storage.ReadFile(ctx, b.key(loc, id))
	if err != nil {
		return nil, err
	}
	return f.Reader, nil
}

func (b *BlobStore) Move(ctx context.Context, id ItemID, from, to Location) error {
	return b.Storage.Move(ctx, b.key(from, id), b.key(to, id))
}

// MemoryStore is an ItemStore that lives entirely in memory
type MemoryStore struct {
	lock  sync.Mutex
	items map[Location]map[ItemID][]byte
	moves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[Location]map[ItemID][]byte{},
	}
}

// Put an item into a location
func (m *MemoryStore) Put(loc Location, id ItemID, content []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.items[loc] == nil {
		m.items[loc] = map[ItemID][]byte{}
	}
	m.items[loc][id] = content
}

// Number of successful moves so far
func (m *MemoryStore) Moves() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.moves
}

func (m *MemoryStore) List(ctx context.Context, loc Location) ([]ItemID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	items := make([]ItemID, 0, len(m.items[loc]))
	for id := range m.items[loc] {
		items = append(items, id)
	}
	sortItems(items)
	return items, nil
}

func (m *MemoryStore) Open(ctx context.Context, loc Location, id ItemID) (io.ReadCloser, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	content, ok := m.items[loc][id]
	if !ok {
		return nil, fmt.Errorf("%w: %v/%v", storage.ErrNotFound, loc, id)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) Move(ctx context.Context, id ItemID, from, to Location) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	content, ok := m.items[from][id]
	if !ok {
		if _, done := m.items[to][id]; done {
			return nil
		}
		return fmt.Errorf("%w: %v/%v", storage.ErrNotFound, from, id)
	}
	delete(m.items[from], id)
	if m.items[to] == nil {
		m.items[to] = map[ItemID][]byte{}
	}
	m.items[to][id] = content
	m.moves++
	return nil
}
