package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker used when no Redis server is configured.
type Local struct {
	mu     sync.Mutex
	held   map[string]localLock
	tokens uint64
}

type localLock struct {
	token   uint64
	expires time.Time
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{held: make(map[string]localLock)}
}

func (l *Local) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.tokens++
	l.held[key] = localLock{token: l.tokens, expires: now.Add(ttl)}
	return &localUnlocker{owner: l, key: key, token: l.tokens}, true, nil
}

type localUnlocker struct {
	owner *Local
	key   string
	token uint64
}

func (u *localUnlocker) Unlock(ctx context.Context) error {
	u.owner.mu.Lock()
	defer u.owner.mu.Unlock()
	if cur, ok := u.owner.held[u.key]; ok && cur.token == u.token {
		delete(u.owner.held, u.key)
	}
	return nil
}
