package lookup

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryItem struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Cache bounded by entry count. Entries are stored
// encoded so callers never share mutable state with the cache.
type Memory struct {
	lru *expirable.LRU[string, memoryItem]
	now func() time.Time
}

// NewMemory creates a cache holding at most size entries. maxTTL caps the
// lifetime of any entry regardless of the ttl passed to Set.
func NewMemory(size int, maxTTL time.Duration) *Memory {
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	return &Memory{
		lru: expirable.NewLRU[string, memoryItem](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns the entry at key, or ErrMiss if it is absent, expired or
// cannot be decoded.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	item, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(item.expires) {
		m.lru.Remove(key)
		return nil, ErrMiss
	}
	e, err := decodeEntry(item.data)
	if err != nil {
		m.lru.Remove(key)
		return nil, ErrMiss
	}
	return e, nil
}

// Set stores e at key for ttl, bounded by the cache's maximum lifetime.
func (m *Memory) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	m.lru.Add(key, memoryItem{data: data, expires: m.now().Add(ttl)})
	return nil
}

// Len returns the number of entries held.
func (m *Memory) Len() int {
	return m.lru.Len()
}

var _ Cache = (*Memory)(nil)
