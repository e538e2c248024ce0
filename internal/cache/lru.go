package cache

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const lruKeySep = "\x00"

// LRUStore keeps recently read entries in memory in front of a slower
// backend. Writes and deletes go through to the backend first.
type LRUStore struct {
	backend Store
	hot     *lru.Cache[string, Entry]
}

var (
	_ Store  = (*LRUStore)(nil)
	_ Peeker = (*LRUStore)(nil)
)

func NewLRUStore(backend Store, size int) (*LRUStore, error) {
	hot, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &LRUStore{backend: backend, hot: hot}, nil
}

func lruKey(partition, key string) string {
	return partition + lruKeySep + key
}

func (s *LRUStore) Open(ctx context.Context, partition string) error {
	return s.backend.Open(ctx, partition)
}

func (s *LRUStore) Get(ctx context.Context, partition, key string) (Entry, error) {
	if e, ok := s.hot.Get(lruKey(partition, key)); ok {
		return e.clone(), nil
	}
	e, err := s.backend.Get(ctx, partition, key)
	if err != nil {
		return Entry{}, err
	}
	s.hot.Add(lruKey(partition, key), e.clone())
	return e, nil
}

// Peek reads without adding the entry to the hot set.
func (s *LRUStore) Peek(ctx context.Context, partition, key string) (Entry, error) {
	if e, ok := s.hot.Peek(lruKey(partition, key)); ok {
		return e.clone(), nil
	}
	return Peek(ctx, s.backend, partition, key)
}

func (s *LRUStore) Put(ctx context.Context, partition string, entry Entry) error {
	if err := s.backend.Put(ctx, partition, entry); err != nil {
		s.hot.Remove(lruKey(partition, entry.Key))
		return err
	}
	s.hot.Add(lruKey(partition, entry.Key), entry.clone())
	return nil
}

func (s *LRUStore) Delete(ctx context.Context, partition, key string) error {
	s.hot.Remove(lruKey(partition, key))
	return s.backend.Delete(ctx, partition, key)
}

func (s *LRUStore) Keys(ctx context.Context, partition string) ([]string, error) {
	return s.backend.Keys(ctx, partition)
}

func (s *LRUStore) Partitions(ctx context.Context) ([]string, error) {
	return s.backend.Partitions(ctx)
}

func (s *LRUStore) DeletePartition(ctx context.Context, partition string) error {
	prefix := partition + lruKeySep
	for _, k := range s.hot.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.hot.Remove(k)
		}
	}
	return s.backend.DeletePartition(ctx, partition)
}
