// Package lock hands out named, expiring locks so that only one holder at a
// time runs a given job.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Only the holder that set the token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unlocker releases a held lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker hands out named, expiring locks.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlocker, bool, error)
}

// Redis is a Locker shared by every edge process pointed at the same server.
// Keys are namespaced so several sites can share one database.
type Redis struct {
	client    redis.Cmdable
	namespace string
}

var _ Locker = (*Redis)(nil)

func NewRedis(client redis.Cmdable, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *Redis) key(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + ":" + name
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (Unlocker, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	key := r.key(name)
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisHold{client: r.client, key: key, token: token}, true, nil
}

type redisHold struct {
	client redis.Cmdable
	key    string
	token  string
}

func (h *redisHold) Unlock(ctx context.Context) error {
	return releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
