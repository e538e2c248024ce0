package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps partitions in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Open(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition]; !ok {
		s.partitions[partition] = make(map[string]Entry)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, partition, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.partitions[partition]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e, ok := entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, partition string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.partitions[partition]
	if !ok {
		entries = make(map[string]Entry)
		s.partitions[partition] = entries
	}
	entries[entry.Key] = entry.clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.partitions[partition]; ok {
		delete(entries, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, partition string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.partitions[partition]
	if !ok {
		return nil, ErrPartitionNotFound
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Partitions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeletePartition(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[partition]; !ok {
		return ErrPartitionNotFound
	}
	delete(s.partitions, partition)
	return nil
}
