// Package argstore persists resolved call arguments per function so later
// requests skip resolution.
package argstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// Store keeps arguments keyed by normalized function id. Implementations
// clone on both write and read.
type Store interface {
	Get(ctx context.Context, functionID string) (linetrace.NormalisedCallArgs, bool, error)
	Put(ctx context.Context, functionID string, args linetrace.NormalisedCallArgs) error
	Delete(ctx context.Context, functionID string) error
	List(ctx context.Context) ([]string, error)
}

// Backend selects a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendRedis  Backend = "redis"
)

type Options struct {
	Backend     Backend
	Path        string
	RedisURL    string
	RedisPrefix string
	// RedisClient, when set, is used instead of dialing RedisURL.
	RedisClient redis.UniversalClient
}

// New builds the store named by opts.Backend; memory is the default.
func New(opts Options) (Store, error) {
	switch Backend(strings.ToLower(string(opts.Backend))) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(opts.Path)
	case BackendRedis:
		if opts.RedisClient != nil {
			return NewRedisWithClient(opts.RedisClient, opts.RedisPrefix), nil
		}
		return NewRedis(opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("argstore: unknown backend %q", opts.Backend)
	}
}

type memoryStore struct {
	mu   sync.RWMutex
	args map[string]linetrace.NormalisedCallArgs
}

func NewMemory() Store {
	return &memoryStore{args: make(map[string]linetrace.NormalisedCallArgs)}
}

func (m *memoryStore) Get(_ context.Context, functionID string) (linetrace.NormalisedCallArgs, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.args[entryid.Normalize(functionID)]
	if !ok {
		return linetrace.NormalisedCallArgs{}, false, nil
	}
	return a.Clone(), true, nil
}

func (m *memoryStore) Put(_ context.Context, functionID string, args linetrace.NormalisedCallArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.args[entryid.Normalize(functionID)] = args.Clone()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, functionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.args, entryid.Normalize(functionID))
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.args))
	for k := range m.args {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
