// Package coordinator provides busy leases that serialize callers of one
// tracer session, in-process or across hosts sharing a directory or redis.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Lease interface {
	Release(context.Context) error
}

type Coordinator interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Mode selects a Coordinator implementation.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeFile   Mode = "file"
	ModeRedis  Mode = "redis"
)

// Options configures New.
type Options struct {
	Mode        Mode
	Dir         string
	RedisURL    string
	RedisPrefix string
	// RedisClient, when set, is used instead of dialing RedisURL.
	RedisClient redis.UniversalClient
}

// New builds the coordinator named by opts.Mode; memory is the default.
func New(opts Options) (Coordinator, error) {
	switch Mode(strings.ToLower(string(opts.Mode))) {
	case "", ModeMemory:
		return NewMemoryCoordinator(), nil
	case ModeFile:
		return NewFileCoordinator(opts.Dir), nil
	case ModeRedis:
		if opts.RedisClient != nil {
			return NewRedisCoordinatorWithClient(opts.RedisClient, opts.RedisPrefix), nil
		}
		return NewRedisCoordinator(opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown coordination mode %q", opts.Mode)
	}
}

type memoryCoordinator struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

type memoryLease struct {
	key string
	c   *memoryCoordinator
}

func NewMemoryCoordinator() Coordinator {
	return &memoryCoordinator{locks: make(map[string]time.Time)}
}

func (c *memoryCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	for {
		c.mu.Lock()
		exp, exists := c.locks[key]
		now := time.Now()
		if !exists || now.After(exp) {
			c.locks[key] = now.Add(ttl)
			c.mu.Unlock()
			return &memoryLease{key: key, c: c}, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lease: %w", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (l *memoryLease) Release(_ context.Context) error {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	delete(l.c.locks, l.key)
	return nil
}

type fileCoordinator struct {
	dir string
}

type fileLease struct {
	path string
}

func NewFileCoordinator(dir string) Coordinator {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "linetrace-coordination")
	}
	return &fileCoordinator{dir: dir}
}

func (c *fileCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir coordinator dir: %w", err)
	}
	path := filepath.Join(c.dir, fileName(key)+".lock")

	for {
		now := time.Now()
		expires := now.Add(ttl)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(expires.Format(time.RFC3339Nano))
			_ = f.Close()
			return &fileLease{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire file lease: %w", err)
		}

		if expired(path, now) {
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire file lease: %w", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (l *fileLease) Release(_ context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release file lease: %w", err)
	}
	return nil
}

// fileName maps an arbitrary session key (paths, JSON) to a safe file name.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func expired(path string, now time.Time) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return true
	}
	return now.After(t)
}
