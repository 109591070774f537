package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/your-org/linetrace/internal/redisconn"
)

// ErrLeaseLost is returned by Release when the lease expired and another
// caller took the session before it was released.
var ErrLeaseLost = errors.New("coordinator: lease lost before release")

// releaseScript deletes the lease only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisCoordinator struct {
	client redis.UniversalClient
	prefix string
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func NewRedisCoordinator(redisURL string, prefix string) (Coordinator, error) {
	client, err := redisconn.Dial(context.Background(), redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisCoordinatorWithClient(client, prefix), nil
}

// NewRedisCoordinatorWithClient shares an existing client, e.g. the one
// backing the argument store.
func NewRedisCoordinatorWithClient(client redis.UniversalClient, prefix string) Coordinator {
	return &redisCoordinator{client: client, prefix: redisconn.Prefix(prefix)}
}

// leaseKey hashes the session key, which embeds the repo root and the
// argument JSON, into a bounded redis key.
func (c *redisCoordinator) leaseKey(key string) string {
	return c.prefix + ":lease:" + fileName(key)
}

func (c *redisCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	fullKey := c.leaseKey(key)
	token := uuid.NewString()

	for {
		ok, err := c.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return &redisLease{client: c.client, key: fullKey, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire redis lease: %w", ctx.Err())
		case <-time.After(30 * time.Millisecond):
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release redis lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
