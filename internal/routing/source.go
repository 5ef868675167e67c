package routing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Source provides read-only routing snapshots.
type Source interface {
	Snapshot(ctx context.Context) (*Table, error)
}

// StaticSource always returns the same table.
type StaticSource struct {
	table *Table
}

func NewStaticSource(table *Table) *StaticSource {
	return &StaticSource{table: table}
}

func (s *StaticSource) Snapshot(context.Context) (*Table, error) {
	return s.table, nil
}

// FileSource reads a YAML routing document on every snapshot.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Snapshot(context.Context) (*Table, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read routing config: %w", err)
	}
	return ParseConfig(data)
}

// CachedSource serves a snapshot for ttl before asking the underlying source
// again. A failed refresh keeps serving the previous snapshot.
type CachedSource struct {
	base Source
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	table     *Table
	fetchedAt time.Time
}

func NewCachedSource(base Source, ttl time.Duration) *CachedSource {
	return &CachedSource{base: base, ttl: ttl, now: time.Now}
}

func (s *CachedSource) Snapshot(ctx context.Context) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.table != nil && now.Sub(s.fetchedAt) < s.ttl {
		return s.table, nil
	}
	table, err := s.base.Snapshot(ctx)
	if err != nil {
		if s.table != nil {
			return s.table, nil
		}
		return nil, err
	}
	s.table = table
	s.fetchedAt = now
	return table, nil
}
