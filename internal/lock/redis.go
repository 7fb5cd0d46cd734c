// Package lock provides a cross-process run lock on Redis.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Lease is a held lock. Token identifies the holder.
type Lease struct {
	Key   string
	Token string
}

// RedisLocker claims keys with SET NX PX and releases them only when the
// stored token still matches. A nil *RedisLocker grants every claim.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	release *redis.Script
	extend  *redis.Script
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client:  client,
		prefix:  prefix,
		release: redis.NewScript(releaseScript),
		extend:  redis.NewScript(extendScript),
	}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (l *RedisLocker) key(name string) string {
	if l.prefix == "" {
		return name
	}
	return l.prefix + ":" + name
}

// Acquire returns a lease, or ok=false when someone else holds name.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	lease := &Lease{Key: name, Token: uuid.NewString()}
	if l == nil {
		return lease, true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key(name), lease.Token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return lease, true, nil
}

// Holder returns the token currently stored for name, empty when free.
func (l *RedisLocker) Holder(ctx context.Context, name string) (string, error) {
	if l == nil {
		return "", nil
	}
	v, err := l.client.Get(ctx, l.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (l *RedisLocker) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if l == nil || lease == nil {
		return nil
	}
	n, err := l.extend.Run(ctx, l.client, []string{l.key(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if l == nil || lease == nil {
		return nil
	}
	n, err := l.release.Run(ctx, l.client, []string{l.key(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
