package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLock       = errors.New("invalid_lock")
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker is a single-holder Redis lease. Only the token that acquired a
// key can release it.
type Locker struct {
	client redis.UniversalClient
	script *redis.Script
}

// Lease is a held lock. The zero Lease releases nothing.
type Lease struct {
	Key   string
	Token string
}

func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock acquires key for ttl. A lock held elsewhere returns ok=false and no error.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if l == nil || l.client == nil {
		return Lease{}, false, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return Lease{}, false, ErrInvalidLock
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		return Lease{}, false, nil
	}
	return Lease{Key: key, Token: token}, true, nil
}

// Release deletes the key only while it still carries the lease token.
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil {
		return nil
	}
	if lease.Key == "" || lease.Token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
}
