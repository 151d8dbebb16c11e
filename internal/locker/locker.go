package locker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Release only deletes the key while it still holds our token, so an
// expired lease can never release a lock acquired by someone else.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out redis-backed leases. A nil Locker is valid and means
// no distributed coordination is configured.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func New(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

// Enabled reports whether leases can actually be acquired.
func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// Lease is an acquired lock. It expires on its own after the acquire TTL;
// Release lets it go early.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire attempts to take the lock. The second return value reports
// whether the lock was won; losing is not an error.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if !l.Enabled() {
		return nil, false, errors.New("locker not configured")
	}
	if key == "" {
		return nil, false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil || !le.locker.Enabled() {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}
