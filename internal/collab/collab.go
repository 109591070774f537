// Package collab defines the source-analysis services the resolver consumes
// and ships command, HTTP and static implementations of them.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/your-org/linetrace/pkg/linetrace"
)

var (
	ErrUnknownFunction = errors.New("collab: unknown function")
	ErrNoExtraction    = errors.New("collab: call arguments could not be extracted")
)

// CallSite is one place a function is called from. Line is where the call
// expression starts; CallLine, when set, is the line execution stops on
// for a call spanning several lines.
type CallSite struct {
	File     string `json:"file" yaml:"file"`
	Line     int    `json:"line" yaml:"line"`
	Column   int    `json:"column" yaml:"column"`
	CallLine int    `json:"call_line,omitempty" yaml:"call_line"`
	// Expression is the source text of the call.
	Expression        string `json:"expression,omitempty" yaml:"expression"`
	CallingFunction   string `json:"calling_function" yaml:"calling_function"`
	CallingFunctionID string `json:"calling_function_id" yaml:"calling_function_id"`
}

// StopLine is the caller line to capture state at.
func (c CallSite) StopLine() int {
	if c.CallLine > 0 {
		return c.CallLine
	}
	return c.Line
}

// Signature describes the parameters of a function. ParamRequired and
// ParamDefaults run parallel to Params; a nil default means none.
type Signature struct {
	Params        []string          `json:"params" yaml:"params"`
	ParamRequired []bool            `json:"param_required" yaml:"param_required"`
	ParamDefaults []linetrace.Value `json:"param_defaults,omitempty" yaml:"param_defaults"`
}

// Required reports whether the i-th parameter must be supplied.
func (s Signature) Required(i int) bool {
	return i >= 0 && i < len(s.ParamRequired) && s.ParamRequired[i]
}

// RequiredParams returns the parameters without defaults, in declaration order.
func (s Signature) RequiredParams() []string {
	var out []string
	for i, p := range s.Params {
		if s.Required(i) {
			out = append(out, p)
		}
	}
	return out
}

// UnmarshalJSON accepts param_required and param_defaults either as arrays
// parallel to params or as objects keyed by parameter name.
func (s *Signature) UnmarshalJSON(b []byte) error {
	var w struct {
		Params        []string        `json:"params"`
		ParamRequired json.RawMessage `json:"param_required"`
		ParamDefaults json.RawMessage `json:"param_defaults"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Signature{Params: w.Params}
	if isJSONObject(w.ParamRequired) {
		var m map[string]bool
		if err := json.Unmarshal(w.ParamRequired, &m); err != nil {
			return fmt.Errorf("param_required: %w", err)
		}
		out.ParamRequired = requiredByName(w.Params, m)
	} else if len(w.ParamRequired) > 0 {
		if err := json.Unmarshal(w.ParamRequired, &out.ParamRequired); err != nil {
			return fmt.Errorf("param_required: %w", err)
		}
	}
	if len(w.ParamDefaults) > 0 {
		dec := json.NewDecoder(bytes.NewReader(w.ParamDefaults))
		dec.UseNumber()
		if isJSONObject(w.ParamDefaults) {
			var m map[string]linetrace.Value
			if err := dec.Decode(&m); err != nil {
				return fmt.Errorf("param_defaults: %w", err)
			}
			out.ParamDefaults = defaultsByName(w.Params, m)
		} else if err := dec.Decode(&out.ParamDefaults); err != nil {
			return fmt.Errorf("param_defaults: %w", err)
		}
	}
	*s = out
	return nil
}

// UnmarshalYAML accepts the same two shapes as UnmarshalJSON.
func (s *Signature) UnmarshalYAML(n *yaml.Node) error {
	var w struct {
		Params        []string  `yaml:"params"`
		ParamRequired yaml.Node `yaml:"param_required"`
		ParamDefaults yaml.Node `yaml:"param_defaults"`
	}
	if err := n.Decode(&w); err != nil {
		return err
	}
	out := Signature{Params: w.Params}
	switch w.ParamRequired.Kind {
	case yaml.MappingNode:
		var m map[string]bool
		if err := w.ParamRequired.Decode(&m); err != nil {
			return fmt.Errorf("param_required: %w", err)
		}
		out.ParamRequired = requiredByName(w.Params, m)
	case yaml.SequenceNode:
		if err := w.ParamRequired.Decode(&out.ParamRequired); err != nil {
			return fmt.Errorf("param_required: %w", err)
		}
	}
	switch w.ParamDefaults.Kind {
	case yaml.MappingNode:
		var m map[string]linetrace.Value
		if err := w.ParamDefaults.Decode(&m); err != nil {
			return fmt.Errorf("param_defaults: %w", err)
		}
		out.ParamDefaults = defaultsByName(w.Params, m)
	case yaml.SequenceNode:
		if err := w.ParamDefaults.Decode(&out.ParamDefaults); err != nil {
			return fmt.Errorf("param_defaults: %w", err)
		}
	}
	*s = out
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func requiredByName(params []string, m map[string]bool) []bool {
	out := make([]bool, len(params))
	for i, p := range params {
		out[i] = m[p]
	}
	return out
}

func defaultsByName(params []string, m map[string]linetrace.Value) []linetrace.Value {
	out := make([]linetrace.Value, len(params))
	for i, p := range params {
		out[i] = m[p]
	}
	return out
}

// Extraction is the result of evaluating a call expression against a snapshot.
type Extraction struct {
	Args   []linetrace.Value          `json:"args"`
	Kwargs map[string]linetrace.Value `json:"kwargs"`
	Error  string                     `json:"error,omitempty"`
}

// CallArgs converts a successful extraction into normalized arguments.
func (e Extraction) CallArgs() (linetrace.NormalisedCallArgs, error) {
	if e.Error != "" {
		return linetrace.NormalisedCallArgs{}, fmt.Errorf("%w: %s", ErrNoExtraction, e.Error)
	}
	out := linetrace.NormalisedCallArgs{Positional: e.Args, Keyword: e.Kwargs}
	return out.Clone(), nil
}

// Collaborators finds call sites, reads signatures and extracts call
// arguments. Function ids use the "file::qualname" form.
type Collaborators interface {
	FindCallSites(ctx context.Context, repoRoot, functionID string) ([]CallSite, error)
	FunctionSignature(ctx context.Context, repoRoot, functionID string) (Signature, error)
	ExtractCallArguments(ctx context.Context, repoRoot string, site CallSite, calledFunction string, snapshot linetrace.ExecutionContext) (Extraction, error)
}
