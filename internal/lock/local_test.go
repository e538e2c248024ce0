package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	first, ok, err := l.TryLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "lock:other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Unlock(ctx))
	second, ok, err := l.TryLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a stale holder must not release the new lock
	require.NoError(t, first.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, second.Unlock(ctx))
}

func TestLocalExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	_, ok, err := l.TryLock(ctx, "lock:maintenance", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	_, ok, err = l.TryLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
