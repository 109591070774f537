// Package snapshot caches the variable state captured at a line of a function
// invoked with particular arguments.
package snapshot

import (
	"sync"

	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// Key identifies one snapshot: a function, a line in it and the canonical
// JSON of its call arguments.
type Key struct {
	FunctionID string
	Line       int
	ArgsJSON   string
}

// KeyFor builds the key for functionID stopped at line with args.
func KeyFor(functionID string, line int, args linetrace.NormalisedCallArgs) (Key, error) {
	raw, err := args.JSON()
	if err != nil {
		return Key{}, err
	}
	return Key{FunctionID: entryid.Normalize(functionID), Line: line, ArgsJSON: raw}, nil
}

// Store is safe for concurrent use. Entries are immutable; Get returns clones.
type Store struct {
	mu    sync.RWMutex
	items map[Key]linetrace.ExecutionContext
}

func NewStore() *Store {
	return &Store{items: make(map[Key]linetrace.ExecutionContext)}
}

func (s *Store) Get(k Key) (linetrace.ExecutionContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[k]
	if !ok {
		return linetrace.ExecutionContext{}, false
	}
	return c.Clone(), true
}

func (s *Store) Put(k Key, c linetrace.ExecutionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[k] = c.Clone()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[Key]linetrace.ExecutionContext)
}
