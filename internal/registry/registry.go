// Package registry hands out one tracer session per repository, entry and
// argument set.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/your-org/linetrace/internal/session"
	"github.com/your-org/linetrace/pkg/linetrace"
)

type key struct {
	repoRoot string
	entryID  string
	argsJSON string
}

// Info describes one registered session for diagnostics.
type Info struct {
	RepoRoot string `json:"repo_root"`
	EntryID  string `json:"entry_id"`
	ArgsJSON string `json:"args_json"`
	State    string `json:"state"`
}

// Registry stores sessions by exact (repoRoot, entryID, argsJSON) equality.
type Registry struct {
	mu       sync.RWMutex
	cfg      linetrace.RuntimeConfig
	opts     []session.Option
	sessions map[key]*session.Session
}

// New returns an empty registry. opts are applied to every session it creates.
func New(cfg linetrace.RuntimeConfig, opts ...session.Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     append([]session.Option(nil), opts...),
		sessions: make(map[key]*session.Session),
	}
}

// Get returns the session for the triple, creating it on first use.
func (r *Registry) Get(repoRoot, entryID, argsJSON string) *session.Session {
	k := key{repoRoot: repoRoot, entryID: entryID, argsJSON: argsJSON}

	r.mu.RLock()
	s, ok := r.sessions[k]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[k]; ok {
		return s
	}
	s = session.New(repoRoot, r.cfg, r.opts...)
	r.sessions[k] = s
	return s
}

// StopAll kills every session, clears their caches and empties the registry.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[key]*session.Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
		s.ClearCache()
	}
	return errors.Join(errs...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Keys returns the registered context keys in sorted order.
func (r *Registry) Keys() []string {
	infos := r.Describe()
	out := make([]string, 0, len(infos))
	for _, in := range infos {
		out = append(out, linetrace.ContextKey{RepoRoot: in.RepoRoot, EntryID: in.EntryID, ArgsJSON: in.ArgsJSON}.String())
	}
	return out
}

// Describe reports every session with its current state, sorted by key.
func (r *Registry) Describe() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for k, s := range r.sessions {
		out = append(out, Info{RepoRoot: k.repoRoot, EntryID: k.entryID, ArgsJSON: k.argsJSON, State: s.State().String()})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RepoRoot != out[j].RepoRoot {
			return out[i].RepoRoot < out[j].RepoRoot
		}
		if out[i].EntryID != out[j].EntryID {
			return out[i].EntryID < out[j].EntryID
		}
		return out[i].ArgsJSON < out[j].ArgsJSON
	})
	return out
}
