package argstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// fileStore keeps every function's arguments in one JSON document, rewritten
// atomically on each change.
type fileStore struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("argstore: file path is empty")
	}
	return &fileStore{path: path}, nil
}

func (f *fileStore) Get(_ context.Context, functionID string) (linetrace.NormalisedCallArgs, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return linetrace.NormalisedCallArgs{}, false, err
	}
	a, ok := all[entryid.Normalize(functionID)]
	if !ok {
		return linetrace.NormalisedCallArgs{}, false, nil
	}
	return a, true, nil
}

func (f *fileStore) Put(_ context.Context, functionID string, args linetrace.NormalisedCallArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	all[entryid.Normalize(functionID)] = args.Clone()
	return f.save(all)
}

func (f *fileStore) Delete(_ context.Context, functionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	delete(all, entryid.Normalize(functionID))
	return f.save(all)
}

func (f *fileStore) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for k := range all {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fileStore) load() (map[string]linetrace.NormalisedCallArgs, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]linetrace.NormalisedCallArgs), nil
	}
	if err != nil {
		return nil, fmt.Errorf("argstore: read %q: %w", f.path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("argstore: unmarshal %q: %w", f.path, err)
	}
	out := make(map[string]linetrace.NormalisedCallArgs, len(raw))
	for k, v := range raw {
		a, err := linetrace.ParseArgs(v)
		if err != nil {
			return nil, fmt.Errorf("argstore: entry %q: %w", k, err)
		}
		out[k] = a
	}
	return out, nil
}

func (f *fileStore) save(all map[string]linetrace.NormalisedCallArgs) error {
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("argstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("argstore: mkdir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("argstore: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("argstore: rename %q: %w", tmp, err)
	}
	return nil
}
