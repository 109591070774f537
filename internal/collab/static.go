package collab

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// ExtractRule evaluates a call from snapshot locals. Positional and Kwargs
// name locals; Literals supply constant keyword values.
type ExtractRule struct {
	Positional []string                   `yaml:"positional"`
	Kwargs     map[string]string          `yaml:"kwargs"`
	Literals   map[string]linetrace.Value `yaml:"literals"`
}

// StaticTables is the file form of a Static collaborator.
type StaticTables struct {
	Signatures map[string]Signature  `yaml:"signatures"`
	CallSites  map[string][]CallSite `yaml:"call_sites"`
	// Extract is keyed by ExtractKey(called, site).
	Extract map[string]ExtractRule `yaml:"extract"`
}

// Static serves collaborator answers from in-memory tables.
type Static struct {
	mu         sync.RWMutex
	signatures map[string]Signature
	callSites  map[string][]CallSite
	rules      map[string]ExtractRule
	// ExtractFunc, when set, takes precedence over rules.
	ExtractFunc func(ctx context.Context, repoRoot string, site CallSite, called string, snap linetrace.ExecutionContext) (Extraction, error)
}

func NewStatic() *Static {
	return &Static{
		signatures: make(map[string]Signature),
		callSites:  make(map[string][]CallSite),
		rules:      make(map[string]ExtractRule),
	}
}

// LoadStatic reads StaticTables from a YAML file.
func LoadStatic(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collab: read %q: %w", path, err)
	}
	var tables StaticTables
	if err := yaml.Unmarshal(b, &tables); err != nil {
		return nil, fmt.Errorf("collab: unmarshal %q: %w", path, err)
	}
	s := NewStatic()
	for id, sig := range tables.Signatures {
		s.SetSignature(id, sig)
	}
	for id, sites := range tables.CallSites {
		s.SetCallSites(id, sites...)
	}
	for k, r := range tables.Extract {
		s.rules[k] = r
	}
	return s, nil
}

// ExtractKey names the extraction rule for called at site.
func ExtractKey(called string, site CallSite) string {
	return entryid.Normalize(called) + "@" + entryid.Normalize(site.CallingFunctionID) + ":" + strconv.Itoa(site.Line)
}

func (s *Static) SetSignature(functionID string, sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signatures[entryid.Normalize(functionID)] = sig
}

func (s *Static) SetCallSites(functionID string, sites ...CallSite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callSites[entryid.Normalize(functionID)] = append([]CallSite(nil), sites...)
}

func (s *Static) SetExtractRule(called string, site CallSite, rule ExtractRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[ExtractKey(called, site)] = rule
}

func (s *Static) FindCallSites(_ context.Context, _ string, functionID string) ([]CallSite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CallSite(nil), s.callSites[entryid.Normalize(functionID)]...), nil
}

func (s *Static) FunctionSignature(_ context.Context, _ string, functionID string) (Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signatures[entryid.Normalize(functionID)]
	if !ok {
		return Signature{}, fmt.Errorf("%w: %s", ErrUnknownFunction, functionID)
	}
	return sig, nil
}

func (s *Static) ExtractCallArguments(ctx context.Context, repoRoot string, site CallSite, called string, snap linetrace.ExecutionContext) (Extraction, error) {
	if s.ExtractFunc != nil {
		return s.ExtractFunc(ctx, repoRoot, site, called, snap)
	}
	s.mu.RLock()
	rule, ok := s.rules[ExtractKey(called, site)]
	s.mu.RUnlock()
	if !ok {
		return Extraction{Error: "no extraction rule for " + ExtractKey(called, site)}, nil
	}

	out := Extraction{Args: []linetrace.Value{}, Kwargs: map[string]linetrace.Value{}}
	for _, name := range rule.Positional {
		v, ok := snap.Locals[name]
		if !ok {
			return Extraction{Error: fmt.Sprintf("name %q is not defined", name)}, nil
		}
		out.Args = append(out.Args, linetrace.CloneValue(v))
	}
	for param, name := range rule.Kwargs {
		v, ok := snap.Locals[name]
		if !ok {
			return Extraction{Error: fmt.Sprintf("name %q is not defined", name)}, nil
		}
		out.Kwargs[param] = linetrace.CloneValue(v)
	}
	for param, v := range rule.Literals {
		out.Kwargs[param] = linetrace.CloneValue(v)
	}
	return out, nil
}
