package linetrace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is one decoded JSON value reported by the tracer (maps, slices,
// strings, json.Number, bool or nil).
type Value = any

// TraceRequest describes one advance of a traced flow.
type TraceRequest struct {
	FlowID       string
	FlowName     string
	FunctionName string
	Line         int
	// Location is the symbolic "function:line" stop location.
	Location string
	FilePath string
}

// NormalisedCallArgs are concrete call arguments for an entry function.
type NormalisedCallArgs struct {
	Positional []Value          `json:"args"`
	Keyword    map[string]Value `json:"kwargs"`
}

// EmptyArgs returns arguments for a function without required parameters.
func EmptyArgs() NormalisedCallArgs {
	return NormalisedCallArgs{Positional: []Value{}, Keyword: map[string]Value{}}
}

// IsEmpty reports whether no positional or keyword arguments are set.
func (a NormalisedCallArgs) IsEmpty() bool {
	return len(a.Positional) == 0 && len(a.Keyword) == 0
}

// Clone returns a deep copy that shares nothing with a.
func (a NormalisedCallArgs) Clone() NormalisedCallArgs {
	out := EmptyArgs()
	for _, v := range a.Positional {
		out.Positional = append(out.Positional, CloneValue(v))
	}
	for k, v := range a.Keyword {
		out.Keyword[k] = CloneValue(v)
	}
	return out
}

// JSON returns the canonical serialization used for --args_json and cache keys.
// Keyword order is stable because encoding/json sorts map keys.
func (a NormalisedCallArgs) JSON() (string, error) {
	c := a.Clone()
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("linetrace: marshal args: %w", err)
	}
	return string(b), nil
}

// ParseArgs decodes the canonical {"args": [...], "kwargs": {...}} form.
func ParseArgs(raw []byte) (NormalisedCallArgs, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var a NormalisedCallArgs
	if err := dec.Decode(&a); err != nil {
		return NormalisedCallArgs{}, fmt.Errorf("linetrace: parse args: %w", err)
	}
	if a.Positional == nil {
		a.Positional = []Value{}
	}
	if a.Keyword == nil {
		a.Keyword = map[string]Value{}
	}
	return a, nil
}

// KeywordNames returns the keyword argument names in sorted order.
func (a NormalisedCallArgs) KeywordNames() []string {
	names := make([]string, 0, len(a.Keyword))
	for k := range a.Keyword {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ExecutionContext is a snapshot of variable state at one stop location.
// Cached snapshots are immutable; readers get clones.
type ExecutionContext struct {
	Locals  map[string]Value `json:"locals"`
	Globals map[string]Value `json:"globals"`
	File    string           `json:"file"`
}

// Clone returns a deep copy of c.
func (c ExecutionContext) Clone() ExecutionContext {
	return ExecutionContext{
		Locals:  cloneMap(c.Locals),
		Globals: cloneMap(c.Globals),
		File:    c.File,
	}
}

// SnapshotFromEvent extracts the variable state carried by a step event.
// Error events carry no snapshot.
func SnapshotFromEvent(ev Event) (ExecutionContext, bool) {
	switch e := ev.(type) {
	case *LineEvent:
		return ExecutionContext{Locals: cloneMap(e.Locals), Globals: cloneMap(e.Globals), File: e.Filename}, true
	case *BatchEvent:
		last, ok := e.Last()
		if !ok {
			return ExecutionContext{}, false
		}
		return SnapshotFromEvent(&last)
	default:
		return ExecutionContext{}, false
	}
}

// ContextKey identifies a cache partition: one entry invoked with one set of
// arguments inside one repository.
type ContextKey struct {
	RepoRoot string
	EntryID  string
	ArgsJSON string
	Suffix   string
}

func (k ContextKey) String() string {
	if k.Suffix == "" {
		return fmt.Sprintf("%s|%s|%s", k.RepoRoot, k.EntryID, k.ArgsJSON)
	}
	return fmt.Sprintf("%s|%s|%s|%s", k.RepoRoot, k.EntryID, k.ArgsJSON, k.Suffix)
}

// LocationKey is the symbolic stop location inside a ContextKey partition.
type LocationKey string
