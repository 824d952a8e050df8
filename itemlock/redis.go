package itemlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed process can keep an item locked.
const DefaultTTL = 10 * time.Minute

// DefaultPrefix namespaces lock keys.
const DefaultPrefix = "commons-supplier:item:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockLost is returned by Release when the lock expired or was taken
// over before it was released.
var ErrLockLost = errors.New("item lock expired before release")

// Redis is a Locker shared by every process that talks to the same redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ Locker = (*Redis)(nil)

// NewRedis returns a Locker whose locks expire after ttl (DefaultTTL when
// ttl <= 0).
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, prefix: DefaultPrefix}
}

func (r *Redis) key(sourceItemID int64) string {
	return r.prefix + strconv.FormatInt(sourceItemID, 10)
}

func (r *Redis) Acquire(ctx context.Context, sourceItemID int64) (Lock, error) {
	token := uuid.NewString()
	key := r.key(sourceItemID)
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire item lock %s: %w", key, err)
	}
	if !ok {
		return nil, held(sourceItemID)
	}
	return &redisLock{client: r.client, key: key, token: token}, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (k *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Int64()
	if err != nil {
		return fmt.Errorf("release item lock %s: %w", k.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
