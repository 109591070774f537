// Package redisconn dials the redis instance shared by the argument store
// and the session coordinator.
package redisconn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "linetrace"

const dialTimeout = 5 * time.Second

// Dial parses redisURL and pings the server before returning the client.
func Dial(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Prefix returns p, or DefaultPrefix when p is blank.
func Prefix(p string) string {
	if strings.TrimSpace(p) == "" {
		return DefaultPrefix
	}
	return p
}
