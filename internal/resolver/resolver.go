// Package resolver derives call arguments for a nested function by replaying
// its callers up to the call site and evaluating the call there.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/your-org/linetrace/internal/argstore"
	"github.com/your-org/linetrace/internal/collab"
	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/internal/metrics"
	"github.com/your-org/linetrace/internal/registry"
	"github.com/your-org/linetrace/internal/snapshot"
	"github.com/your-org/linetrace/internal/state"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// Resolution statuses reported to metrics.
const (
	StatusNoParams = "no_params"
	StatusStored   = "stored"
	StatusResolved = "resolved"
	StatusMissing  = "missing"
	StatusCircular = "circular"
	StatusFailed   = "failed"
)

type Resolver struct {
	repoRoot  string
	collab    collab.Collaborators
	registry  *registry.Registry
	store     argstore.Store
	snapshots *snapshot.Store
	logger    zerolog.Logger
	metrics   metrics.Recorder
	tracer    oteltrace.Tracer
}

type Option func(*Resolver)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(r *Resolver) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

func WithTracer(tracer oteltrace.Tracer) Option {
	return func(r *Resolver) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

func New(repoRoot string, c collab.Collaborators, reg *registry.Registry, store argstore.Store, snaps *snapshot.Store, opts ...Option) *Resolver {
	r := &Resolver{
		repoRoot:  repoRoot,
		collab:    c,
		registry:  reg,
		store:     store,
		snapshots: snaps,
		logger:    zerolog.Nop(),
		metrics:   metrics.NoopRecorder{},
		tracer:    otel.Tracer("linetrace/resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "resolver").Logger()
	return r
}

// callStack is the chain of functions being resolved. It is never mutated;
// with returns an extended copy.
type callStack struct {
	order []string
}

func (s callStack) with(id string) callStack {
	out := make([]string, len(s.order), len(s.order)+1)
	copy(out, s.order)
	return callStack{order: append(out, id)}
}

func (s callStack) has(id string) bool {
	for _, v := range s.order {
		if v == id {
			return true
		}
	}
	return false
}

// Resolve returns arguments for functionID, trying its call sites in the
// order the collaborator lists them.
func (r *Resolver) Resolve(ctx context.Context, functionID string) (linetrace.NormalisedCallArgs, error) {
	return r.resolve(ctx, functionID, nil, callStack{})
}

// ResolveAt resolves functionID through one known call site only. Stored
// arguments are bypassed since they may come from another caller.
func (r *Resolver) ResolveAt(ctx context.Context, functionID string, site collab.CallSite) (linetrace.NormalisedCallArgs, error) {
	return r.resolve(ctx, functionID, &site, callStack{})
}

func (r *Resolver) resolve(ctx context.Context, functionID string, anchor *collab.CallSite, stack callStack) (args linetrace.NormalisedCallArgs, err error) {
	fid := entryid.Normalize(functionID)
	ctx, span := r.tracer.Start(ctx, "resolver.resolve", oteltrace.WithAttributes(
		attribute.String("linetrace.function", fid),
		attribute.Int("linetrace.depth", len(stack.order)),
	))
	status := StatusFailed
	defer func() {
		r.metrics.ObserveResolution(fid, status)
		span.SetAttributes(attribute.String("linetrace.resolution", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	stack = stack.with(fid)

	sig, err := r.collab.FunctionSignature(ctx, r.repoRoot, fid)
	if err != nil {
		return linetrace.NormalisedCallArgs{}, fmt.Errorf("resolver: signature of %s: %w", fid, err)
	}
	required := sig.RequiredParams()
	if len(required) == 0 {
		status = StatusNoParams
		return linetrace.EmptyArgs(), nil
	}

	var sites []collab.CallSite
	if anchor != nil {
		sites = []collab.CallSite{*anchor}
	} else {
		stored, ok, err := r.store.Get(ctx, fid)
		if err != nil {
			return linetrace.NormalisedCallArgs{}, fmt.Errorf("resolver: stored args of %s: %w", fid, err)
		}
		if ok {
			status = StatusStored
			return stored, nil
		}
		sites, err = r.collab.FindCallSites(ctx, r.repoRoot, fid)
		if err != nil {
			return linetrace.NormalisedCallArgs{}, fmt.Errorf("resolver: call sites of %s: %w", fid, err)
		}
	}
	if len(sites) == 0 {
		status = StatusMissing
		return linetrace.NormalisedCallArgs{}, &MissingArgumentsError{FunctionID: fid, Params: required}
	}

	var lastErr error
	for _, site := range sites {
		caller := callerID(site)
		if stack.has(caller) {
			status = StatusCircular
			chain := append(append([]string(nil), stack.order...), caller)
			return linetrace.NormalisedCallArgs{}, &CircularDependencyError{Chain: chain}
		}

		args, err := r.argsFromSite(ctx, fid, caller, site, stack)
		if errors.Is(err, ErrCircularDependency) {
			status = StatusCircular
			return linetrace.NormalisedCallArgs{}, err
		}
		if err != nil {
			r.logger.Debug().Err(err).Str("function", fid).Str("caller", caller).Int("line", site.Line).Msg("call site did not yield arguments")
			lastErr = err
			continue
		}

		if err := r.store.Put(ctx, fid, args); err != nil {
			r.logger.Warn().Err(err).Str("function", fid).Msg("failed to persist resolved arguments")
		}
		status = StatusResolved
		r.logger.Debug().Str("function", fid).Str("caller", caller).Int("line", site.Line).Msg("resolved arguments")
		return args, nil
	}
	return linetrace.NormalisedCallArgs{}, lastErr
}

// argsFromSite resolves the caller, captures its state at the call line and
// evaluates the nested call against it.
func (r *Resolver) argsFromSite(ctx context.Context, fid, caller string, site collab.CallSite, stack callStack) (linetrace.NormalisedCallArgs, error) {
	callerArgs, err := r.resolve(ctx, caller, nil, stack)
	if err != nil {
		return linetrace.NormalisedCallArgs{}, err
	}

	key, err := snapshot.KeyFor(caller, site.StopLine(), callerArgs)
	if err != nil {
		return linetrace.NormalisedCallArgs{}, err
	}
	snap, ok := r.snapshots.Get(key)
	if !ok {
		snap, err = r.capture(ctx, caller, key.ArgsJSON, site)
		if err != nil {
			return linetrace.NormalisedCallArgs{}, err
		}
		r.snapshots.Put(key, snap)
	}

	ex, err := r.collab.ExtractCallArguments(ctx, r.repoRoot, site, fid, snap)
	if err != nil {
		return linetrace.NormalisedCallArgs{}, fmt.Errorf("resolver: extract %s at %s:%d: %w", fid, caller, site.StopLine(), err)
	}
	return ex.CallArgs()
}

// capture advances caller to the call line in a suppressed session.
func (r *Resolver) capture(ctx context.Context, caller, argsJSON string, site collab.CallSite) (linetrace.ExecutionContext, error) {
	sess := r.registry.Get(r.repoRoot, caller, argsJSON)
	sess.SetSuppress(true)
	defer sess.SetSuppress(false)

	fn := entryid.FunctionName(caller)
	line := site.StopLine()
	req := linetrace.TraceRequest{
		FunctionName: fn,
		Line:         line,
		Location:     entryid.Location(fn, line),
		FilePath:     site.File,
	}
	if flow, ok := state.FromContext(ctx); ok {
		req.FlowID = flow.FlowID
		req.FlowName = flow.FlowName
	}

	ev, err := sess.AdvanceTo(ctx, caller, argsJSON, req, line, site.File, "")
	if err != nil {
		return linetrace.ExecutionContext{}, fmt.Errorf("resolver: advance %s to line %d: %w", caller, line, err)
	}
	snap, ok := linetrace.SnapshotFromEvent(ev)
	if !ok {
		return linetrace.ExecutionContext{}, fmt.Errorf("resolver: %s produced no snapshot at line %d", caller, line)
	}
	return snap, nil
}

func callerID(site collab.CallSite) string {
	if site.CallingFunctionID != "" {
		return entryid.Normalize(site.CallingFunctionID)
	}
	return entryid.Join(site.File, site.CallingFunction)
}
