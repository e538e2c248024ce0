package maintenance

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func put(t *testing.T, store cache.Store, partition, url string, size int, age time.Duration) {
	t.Helper()
	e := cache.NewEntry(url, http.StatusOK, http.Header{}, bytes.Repeat([]byte("x"), size), now.Add(-age))
	require.NoError(t, store.Put(context.Background(), partition, e))
}

func keys(t *testing.T, store cache.Store, partition string) []string {
	t.Helper()
	k, err := store.Keys(context.Background(), partition)
	require.NoError(t, err)
	return k
}

func TestRunExpiresOldEntries(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	put(t, store, "dynamic-v1", "https://site.test/old", 10, 8*24*time.Hour)
	put(t, store, "dynamic-v1", "https://site.test/fresh", 10, 24*time.Hour)
	w := NewWorker(store, Config{}, zap.NewNop(), WithClock(clock))

	report, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Evicted)
	assert.Equal(t, []string{"GET https://site.test/fresh"}, keys(t, store, "dynamic-v1"))

	// a second run changes nothing
	report, err = w.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Equal(t, []string{"GET https://site.test/fresh"}, keys(t, store, "dynamic-v1"))
}

func TestRunUsesDateHeader(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	h := http.Header{}
	h.Set("Date", now.Add(-10*24*time.Hour).Format(http.TimeFormat))
	e := cache.NewEntry("https://site.test/dated", http.StatusOK, h, []byte("x"), now)
	require.NoError(t, store.Put(context.Background(), "static-v1", e))

	w := NewWorker(store, Config{}, zap.NewNop(), WithClock(clock))
	report, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Empty(t, keys(t, store, "static-v1"))
}

func TestRunEvictsOldestOverBudget(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	for i := 0; i < 10; i++ {
		// page-0 is the oldest
		put(t, store, "image-v1", fmt.Sprintf("https://site.test/page-%d", i), 100, time.Duration(10-i)*time.Hour)
	}
	put(t, store, "static-v1", "https://site.test/small", 100, time.Hour)

	w := NewWorker(store, Config{Budget: 500}, zap.NewNop(), WithClock(clock))
	report, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.Evicted)
	assert.Equal(t, int64(500), report.Bytes)

	assert.Equal(t, []string{
		"GET https://site.test/page-6",
		"GET https://site.test/page-7",
		"GET https://site.test/page-8",
		"GET https://site.test/page-9",
	}, keys(t, store, "image-v1"))
	assert.Len(t, keys(t, store, "static-v1"), 1)
}

func TestRunSkipsWhenLocked(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	put(t, store, "dynamic-v1", "https://site.test/old", 10, 30*24*time.Hour)
	locker := lock.NewLocal()
	held, ok, err := locker.TryLock(context.Background(), maintenanceLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := NewWorker(store, Config{}, zap.NewNop(), WithClock(clock), WithLocker(locker))
	report, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Len(t, keys(t, store, "dynamic-v1"), 1)

	require.NoError(t, held.Unlock(context.Background()))
	report, err = w.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Expired)
}

func TestConcurrentRuns(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	for i := 0; i < 50; i++ {
		put(t, store, "dynamic-v1", fmt.Sprintf("https://site.test/old-%d", i), 10, 9*24*time.Hour)
		put(t, store, "dynamic-v1", fmt.Sprintf("https://site.test/new-%d", i), 10, time.Hour)
	}
	w := NewWorker(store, Config{}, zap.NewNop(), WithClock(clock))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, keys(t, store, "dynamic-v1"), 50)
}

func TestSize(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	put(t, store, "static-v1", "https://site.test/a.css", 100, time.Hour)
	put(t, store, "image-v1", "https://site.test/a.png", 250, time.Hour)
	require.NoError(t, store.Open(context.Background(), "dynamic-v1"))

	w := NewWorker(store, Config{}, zap.NewNop())
	size, err := w.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(350), size)
}

func TestStartRunsImmediately(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	put(t, store, "dynamic-v1", "https://site.test/old", 10, 8*24*time.Hour)
	w := NewWorker(store, Config{}, zap.NewNop(), WithClock(clock))

	w.Start(context.Background(), time.Hour)
	assert.Eventually(t, func() bool {
		k, err := store.Keys(context.Background(), "dynamic-v1")
		return err == nil && len(k) == 0
	}, time.Second, 10*time.Millisecond)
	w.Stop()
	w.Stop()
}

// warmingStore records which read path maintenance takes.
type warmingStore struct {
	*cache.MemoryStore
	mu    sync.Mutex
	gets  int
	peeks int
}

func (s *warmingStore) Get(ctx context.Context, partition, key string) (cache.Entry, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, partition, key)
}

func (s *warmingStore) Peek(ctx context.Context, partition, key string) (cache.Entry, error) {
	s.mu.Lock()
	s.peeks++
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, partition, key)
}

func TestRunDoesNotWarmReadCache(t *testing.T) {
	t.Parallel()

	store := &warmingStore{MemoryStore: cache.NewMemoryStore()}
	put(t, store, "static-v1", "https://site.test/a.css", 10, time.Hour)
	put(t, store, "static-v1", "https://site.test/b.css", 10, time.Hour)

	w := NewWorker(store, Config{}, zap.NewNop(), WithClock(clock))
	_, err := w.Run(context.Background())
	require.NoError(t, err)
	size, err := w.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), size)

	assert.Zero(t, store.gets)
	assert.Equal(t, 4, store.peeks)
}
