package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/52poke/nagi/internal/cache"
	"github.com/52poke/nagi/internal/config"
	"github.com/52poke/nagi/internal/origin"
	"github.com/52poke/nagi/internal/refresh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = &url.URL{Scheme: "https", Host: "site.test"}

func resolve(ref string) (string, error) {
	return origin.Resolve(base, ref)
}

// storeWarmer writes a small body for every URL except the failing ones.
type storeWarmer struct {
	store   cache.Store
	failing map[string]bool
}

func (w *storeWarmer) Refresh(ctx context.Context, job refresh.Job) error {
	if w.failing[job.URL] {
		return errors.New("404 not found")
	}
	return w.store.Put(ctx, job.Partition, cache.NewEntry(job.URL, http.StatusOK, http.Header{}, []byte("ok"), time.Now()))
}

type recordingClaimer struct {
	mu      sync.Mutex
	claimed []cache.Partitions
}

func (c *recordingClaimer) Claim(p cache.Partitions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = append(c.claimed, p)
}

func has(t *testing.T, store cache.Store, partition, ref string) bool {
	t.Helper()
	target, err := resolve(ref)
	require.NoError(t, err)
	_, err = store.Get(context.Background(), partition, cache.RequestKey(http.MethodGet, target))
	return err == nil
}

func TestInstallIsolatesAssetFailures(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	warmer := &storeWarmer{store: store, failing: map[string]bool{"https://site.test/style.css": true}}
	claimer := &recordingClaimer{}
	m := NewManager("v1", config.Manifest{Critical: []string{"/", "/style.css"}}, store, warmer, claimer, resolve, zap.NewNop())

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, m.State())
	assert.Equal(t, []string{"/"}, report.Cached)
	assert.Equal(t, []string{"/style.css"}, report.Failed)
	assert.Error(t, report.Err)

	assert.True(t, has(t, store, "static-v1", "/"))
	assert.False(t, has(t, store, "static-v1", "/style.css"))
	assert.Empty(t, claimer.claimed)

	names, err := store.Partitions(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-v1", "dynamic-v1", "image-v1"}, names)
}

func TestInstallPartitionsByAssetKind(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	m := NewManager("v3", config.Manifest{
		Critical: []string{"/js/main.js"},
		Images:   []string{"/images/logo.svg"},
		External: []string{"https://fonts.googleapis.com/css2?family=Nunito"},
	}, store, &storeWarmer{store: store}, &recordingClaimer{}, resolve, zap.NewNop())

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	assert.NoError(t, report.Err)
	assert.Len(t, report.Cached, 3)

	assert.True(t, has(t, store, "static-v3", "/js/main.js"))
	assert.True(t, has(t, store, "image-v3", "/images/logo.svg"))
	assert.True(t, has(t, store, "static-v3", "https://fonts.googleapis.com/css2?family=Nunito"))
}

func TestActivateDeletesOtherVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	for _, p := range []string{"static-v1", "static-v2", "dynamic-v1"} {
		require.NoError(t, store.Open(ctx, p))
	}
	claimer := &recordingClaimer{}
	m := NewManager("v2", config.Manifest{}, store, &storeWarmer{store: store}, claimer, resolve, zap.NewNop())

	_, err := m.Install(ctx)
	require.NoError(t, err)
	report, err := m.Activate(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"static-v1", "dynamic-v1"}, report.Deleted)
	names, err := store.Partitions(ctx)
	require.NoError(t, err)
	for _, name := range names {
		assert.Contains(t, []string{"static-v2", "dynamic-v2", "image-v2"}, name)
	}
	assert.Contains(t, names, "static-v2")
	assert.Equal(t, StateActive, m.State())
	require.Len(t, claimer.claimed, 1)
	assert.Equal(t, "v2", claimer.claimed[0].Version)
}

func TestActivateBeforeInstall(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	m := NewManager("v1", config.Manifest{}, store, &storeWarmer{store: store}, &recordingClaimer{}, resolve, zap.NewNop())
	_, err := m.Activate(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StateUninstalled, m.State())
}

func TestInstallTwice(t *testing.T) {
	t.Parallel()

	store := cache.NewMemoryStore()
	m := NewManager("v1", config.Manifest{}, store, &storeWarmer{store: store}, &recordingClaimer{}, resolve, zap.NewNop())
	_, err := m.Install(context.Background())
	require.NoError(t, err)
	_, err = m.Install(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSkipWaiting(t *testing.T) {
	t.Parallel()

	t.Run("after install", func(t *testing.T) {
		store := cache.NewMemoryStore()
		claimer := &recordingClaimer{}
		m := NewManager("v1", config.Manifest{}, store, &storeWarmer{store: store}, claimer, resolve, zap.NewNop())
		_, err := m.Install(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateInstalled, m.State())

		require.NoError(t, m.SkipWaiting(context.Background()))
		assert.Equal(t, StateActive, m.State())
		assert.Len(t, claimer.claimed, 1)

		// a second request is a no-op once active
		require.NoError(t, m.SkipWaiting(context.Background()))
		assert.Len(t, claimer.claimed, 1)
	})

	t.Run("before install", func(t *testing.T) {
		store := cache.NewMemoryStore()
		claimer := &recordingClaimer{}
		m := NewManager("v1", config.Manifest{Critical: []string{"/"}}, store, &storeWarmer{store: store}, claimer, resolve, zap.NewNop())
		require.NoError(t, m.SkipWaiting(context.Background()))
		assert.Equal(t, StateUninstalled, m.State())

		_, err := m.Install(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateActive, m.State())
		assert.Len(t, claimer.claimed, 1)
	})
}

func TestStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	require.NoError(t, store.Open(ctx, "image-v0"))
	m := NewManager("v1", config.Manifest{Images: []string{"/images/hero.webp"}}, store, &storeWarmer{store: store}, &recordingClaimer{}, resolve, zap.NewNop())

	report, err := m.Start(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"/images/hero.webp"}, report.Cached)
	assert.Equal(t, StateActive, m.State())

	names, err := store.Partitions(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "image-v0")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninstalled", StateUninstalled.String())
	assert.Equal(t, "activating", StateActivating.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestSkipWaitingRacesInstallActivation(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		store := cache.NewMemoryStore()
		claimer := &recordingClaimer{}
		m := NewManager("v1", config.Manifest{Critical: []string{"/"}}, store, &storeWarmer{store: store}, claimer, resolve, zap.NewNop())

		var wg sync.WaitGroup
		var startErr, skipErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, startErr = m.Start(context.Background(), true)
		}()
		go func() {
			defer wg.Done()
			for m.State() < StateInstalled {
				time.Sleep(time.Microsecond)
			}
			skipErr = m.SkipWaiting(context.Background())
		}()
		wg.Wait()

		require.NoError(t, startErr)
		require.NoError(t, skipErr)
		assert.Equal(t, StateActive, m.State())
		claimer.mu.Lock()
		assert.Len(t, claimer.claimed, 1)
		claimer.mu.Unlock()
	}
}
