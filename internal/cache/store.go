package cache

import (
	"context"
	"errors"
	"sync"

	"glance/internal/storage"
	"glance/internal/widget"
)

// ErrMiss is returned by stores when an instance has no cached payload.
var ErrMiss = errors.New("cache: miss")

// Store holds cached payloads keyed by widget instance id. Entries are
// replaced whole; there are no partial updates.
type Store interface {
	Get(ctx context.Context, instanceID string) (*widget.CachedData, error)
	Put(ctx context.Context, entry *widget.CachedData) error
	Delete(ctx context.Context, instanceID string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]widget.CachedData
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]widget.CachedData)}
}

func (s *MemoryStore) Get(_ context.Context, instanceID string) (*widget.CachedData, error) {
	s.mu.RLock()
	entry, ok := s.entries[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	entry.Data = append([]byte(nil), entry.Data...)
	return &entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry *widget.CachedData) error {
	cp := *entry
	cp.Data = append([]byte(nil), entry.Data...)

	s.mu.Lock()
	s.entries[entry.WidgetInstanceID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, instanceID string) error {
	s.mu.Lock()
	delete(s.entries, instanceID)
	s.mu.Unlock()
	return nil
}

// Len returns the number of cached instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SQLiteStore persists payloads in the widget_cache table.
type SQLiteStore struct {
	db *storage.DB
}

// NewSQLiteStore wraps db.
func NewSQLiteStore(db *storage.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(_ context.Context, instanceID string) (*widget.CachedData, error) {
	entry, err := s.db.GetCache(instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMiss
	}
	return entry, err
}

func (s *SQLiteStore) Put(_ context.Context, entry *widget.CachedData) error {
	return s.db.PutCache(entry)
}

func (s *SQLiteStore) Delete(_ context.Context, instanceID string) error {
	err := s.db.DeleteCache(instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
