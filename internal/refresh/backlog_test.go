package refresh

import (
	"context"
	"testing"

	"github.com/52poke/nagi/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBacklogDedupAndLimit(t *testing.T) {
	t.Parallel()

	b := NewBacklog(2)
	b.Add(Job{Partition: "dynamic-v1", URL: "https://example.com/api/a"})
	b.Add(Job{Partition: "dynamic-v1", URL: "https://example.com/api/a"})
	assert.Equal(t, 1, b.Len())

	b.Add(Job{Partition: "dynamic-v1", URL: "https://example.com/api/b"})
	b.Add(Job{Partition: "dynamic-v1", URL: "https://example.com/api/c"})
	jobs := b.Drain()
	require.Len(t, jobs, 2)
	assert.Equal(t, "https://example.com/api/b", jobs[0].URL)
	assert.Equal(t, "https://example.com/api/c", jobs[1].URL)
	assert.Zero(t, b.Len())
}

func TestBacklogReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	f := newFakeFetcher()
	q := NewQueue(store, f, zap.NewNop(), 4)
	b := NewBacklog(10)
	b.Add(Job{Partition: "dynamic-v1", URL: "https://example.com/api/a"})

	f.setOffline(true)
	done, err := b.Replay(ctx, q)
	assert.Error(t, err)
	assert.Zero(t, done)
	assert.Equal(t, 1, b.Len())

	f.setOffline(false)
	done, err = b.Replay(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Zero(t, b.Len())
	_, err = store.Get(ctx, "dynamic-v1", "GET https://example.com/api/a")
	assert.NoError(t, err)
}
