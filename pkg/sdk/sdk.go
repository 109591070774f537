package sdk

import (
	"context"
	"fmt"

	"github.com/your-org/linetrace/internal/app"
	"github.com/your-org/linetrace/internal/collab"
	"github.com/your-org/linetrace/internal/orchestrator"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// Options configures an embedded runtime.
type Options struct {
	// ConfigPath names a YAML config file; the environment is used without one.
	ConfigPath string
	RepoRoot   string
	// Collaborators replaces the configured code-analysis collaborators.
	Collaborators collab.Collaborators
}

// Request asks for execution to be advanced to a line of a function.
type Request struct {
	FunctionID string
	Line       int
	File       string
	// Args, when set, supplies the call arguments and persists them.
	Args     *linetrace.NormalisedCallArgs
	FlowID   string
	FlowName string
}

// Result is what one request produced. Steps holds the foreground step
// followed by any steps pushed by the tracer in the background.
type Result struct {
	Steps []Step
	// MissingParams lists the parameters that could not be derived.
	MissingParams []string
	Error         *Failure
}

// Step is one delivered execution snapshot.
type Step struct {
	FunctionID  string
	DisplayLine int
	Event       linetrace.Event
	Background  bool
}

// Failure describes a request that ended without a step.
type Failure struct {
	Kind    string
	Message string
	Event   *linetrace.ErrorEvent
}

// Runtime provides public API access over the trace orchestrator.
type Runtime struct {
	rt *app.Runtime
}

// NewRuntime wires a runtime from opts.
func NewRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	rt, err := app.Build(ctx, app.Options{
		ConfigPath:    opts.ConfigPath,
		RepoRoot:      opts.RepoRoot,
		Collaborators: opts.Collaborators,
	})
	if err != nil {
		return nil, fmt.Errorf("sdk: %w", err)
	}
	return &Runtime{rt: rt}, nil
}

// TraceLine advances to req's line and returns what was delivered. The
// returned error is the orchestrator's; Result is filled either way.
func (r *Runtime) TraceLine(ctx context.Context, req Request) (Result, error) {
	notes := orchestrator.NewRecorder()
	err := r.rt.Orchestrator.TraceLine(ctx, orchestrator.Request{
		FunctionID:  req.FunctionID,
		DisplayLine: req.Line,
		FilePath:    req.File,
		Args:        req.Args,
		FlowID:      req.FlowID,
		FlowName:    req.FlowName,
		Notifier:    notes,
	})
	return toResult(notes), err
}

// ResolveArgs returns the arguments the runtime would call functionID with.
func (r *Runtime) ResolveArgs(ctx context.Context, functionID string) (linetrace.NormalisedCallArgs, error) {
	return r.rt.Resolver.Resolve(ctx, functionID)
}

// StopAll terminates every live tracer and forgets cached caller snapshots.
func (r *Runtime) StopAll() error {
	return r.rt.Orchestrator.StopAll()
}

// Close stops all tracers and flushes telemetry.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

func toResult(notes *orchestrator.Recorder) Result {
	var res Result
	for _, s := range notes.Steps() {
		res.Steps = append(res.Steps, Step{
			FunctionID:  s.FunctionID,
			DisplayLine: s.DisplayLine,
			Event:       s.Event,
			Background:  s.Background,
		})
	}
	if missing := notes.ArgumentsRequired(); len(missing) > 0 {
		res.MissingParams = missing[len(missing)-1].Params
	}
	if failures := notes.Failures(); len(failures) > 0 {
		f := failures[len(failures)-1]
		res.Error = &Failure{Kind: string(f.Kind), Message: f.Message, Event: f.Event}
	}
	return res
}
