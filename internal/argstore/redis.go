package argstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/internal/redisconn"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// redisStore keeps arguments in one hash so List is a single HKEYS.
type redisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedis(redisURL string, prefix string) (Store, error) {
	client, err := redisconn.Dial(context.Background(), redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisWithClient(client, prefix), nil
}

func NewRedisWithClient(client redis.UniversalClient, prefix string) Store {
	return &redisStore{client: client, key: redisconn.Prefix(prefix) + ":args"}
}

func (r *redisStore) Get(ctx context.Context, functionID string) (linetrace.NormalisedCallArgs, bool, error) {
	raw, err := r.client.HGet(ctx, r.key, entryid.Normalize(functionID)).Result()
	if errors.Is(err, redis.Nil) {
		return linetrace.NormalisedCallArgs{}, false, nil
	}
	if err != nil {
		return linetrace.NormalisedCallArgs{}, false, fmt.Errorf("argstore: redis hget: %w", err)
	}
	a, err := linetrace.ParseArgs([]byte(raw))
	if err != nil {
		return linetrace.NormalisedCallArgs{}, false, err
	}
	return a, true, nil
}

func (r *redisStore) Put(ctx context.Context, functionID string, args linetrace.NormalisedCallArgs) error {
	raw, err := args.JSON()
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, entryid.Normalize(functionID), raw).Err(); err != nil {
		return fmt.Errorf("argstore: redis hset: %w", err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, functionID string) error {
	if err := r.client.HDel(ctx, r.key, entryid.Normalize(functionID)).Err(); err != nil {
		return fmt.Errorf("argstore: redis hdel: %w", err)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("argstore: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
