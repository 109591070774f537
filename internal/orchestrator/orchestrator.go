// Package orchestrator turns "show me this line" requests into tracer
// advances: it settles the call arguments, drives the session, caches the
// captured state and reports the outcome to a Notifier.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/your-org/linetrace/internal/argstore"
	"github.com/your-org/linetrace/internal/audit"
	"github.com/your-org/linetrace/internal/collab"
	"github.com/your-org/linetrace/internal/coordinator"
	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/internal/metrics"
	"github.com/your-org/linetrace/internal/registry"
	"github.com/your-org/linetrace/internal/resolver"
	"github.com/your-org/linetrace/internal/session"
	"github.com/your-org/linetrace/internal/snapshot"
	"github.com/your-org/linetrace/internal/state"
	"github.com/your-org/linetrace/internal/trace"
	"github.com/your-org/linetrace/pkg/linetrace"
)

const ActionTraceLine = "trace_line"

// Parent anchors argument resolution at the call line inside the function
// the user stepped in from.
type Parent struct {
	FunctionID string `json:"function"`
	Line       int    `json:"line"`
	File       string `json:"file,omitempty"`
}

func (p Parent) callSite() collab.CallSite {
	file := p.File
	if file == "" {
		file, _, _ = entryid.Split(p.FunctionID)
	}
	return collab.CallSite{
		File:              file,
		Line:              p.Line,
		CallingFunction:   entryid.FunctionName(p.FunctionID),
		CallingFunctionID: entryid.Normalize(p.FunctionID),
	}
}

// Request asks for the state of FunctionID at a line.
type Request struct {
	FunctionID string
	// DisplayLine is the line shown to the user; StopLine is where the
	// tracer pauses and defaults to DisplayLine.
	DisplayLine int
	StopLine    int
	FilePath    string
	// Args, when set, are used as-is and persisted for the function.
	Args          *linetrace.NormalisedCallArgs
	Parent        *Parent
	FlowID        string
	FlowName      string
	ContextSuffix string
	// Notifier, when set, also receives this request's notifications.
	Notifier Notifier
}

// Deps wires an Orchestrator. Registry, Resolver and Args are required.
type Deps struct {
	RepoRoot    string
	Config      linetrace.RuntimeConfig
	Registry    *registry.Registry
	Resolver    *resolver.Resolver
	Args        argstore.Store
	Snapshots   *snapshot.Store
	Coordinator coordinator.Coordinator
	Notifier    Notifier
	Audit       *audit.Logger
	Flows       *trace.Book
	Logger      zerolog.Logger
}

type Orchestrator struct {
	repoRoot  string
	cfg       linetrace.RuntimeConfig
	registry  *registry.Registry
	resolver  *resolver.Resolver
	args      argstore.Store
	snapshots *snapshot.Store
	coord     coordinator.Coordinator
	notifier  Notifier
	audit     *audit.Logger
	flows     *trace.Book
	logger    zerolog.Logger
	tracer    oteltrace.Tracer
	metrics   metrics.Recorder
}

func New(d Deps) (*Orchestrator, error) {
	if d.Registry == nil || d.Resolver == nil || d.Args == nil {
		return nil, errors.New("orchestrator: registry, resolver and argument store are required")
	}
	o := &Orchestrator{
		repoRoot:  d.RepoRoot,
		cfg:       d.Config.WithDefaults(),
		registry:  d.Registry,
		resolver:  d.Resolver,
		args:      d.Args,
		snapshots: d.Snapshots,
		coord:     d.Coordinator,
		notifier:  d.Notifier,
		audit:     d.Audit,
		flows:     d.Flows,
		logger:    d.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:    otel.Tracer("linetrace/orchestrator"),
		metrics:   metrics.NoopRecorder{},
	}
	if o.snapshots == nil {
		o.snapshots = snapshot.NewStore()
	}
	if o.coord == nil {
		o.coord = coordinator.NewMemoryCoordinator()
	}
	if o.notifier == nil {
		o.notifier = NewLogNotifier(d.Logger)
	}
	if o.audit == nil {
		o.audit = audit.NewLogger("")
	}
	if o.flows == nil {
		o.flows = trace.NewBook(d.RepoRoot)
	}
	return o, nil
}

func (o *Orchestrator) SetTracer(tracer oteltrace.Tracer) {
	if tracer != nil {
		o.tracer = tracer
	}
}

func (o *Orchestrator) SetMetricsRecorder(rec metrics.Recorder) {
	if rec != nil {
		o.metrics = rec
	}
}

// Flows returns every flow recorded so far.
func (o *Orchestrator) Flows() []trace.FlowTrace {
	return o.flows.Snapshot()
}

// StopAll stops every tracer session and drops the cached caller
// snapshots, which are only valid for the processes that produced them.
func (o *Orchestrator) StopAll() error {
	err := o.registry.StopAll()
	o.snapshots.Clear()
	return err
}

// Shutdown runs StopAll bounded by ctx. When ctx expires first the stop
// keeps running in the background and its result is logged.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- o.StopAll() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			start := time.Now()
			err := <-done
			o.logger.Warn().Err(err).Dur("late_by", time.Since(start)).Msg("shutdown finished after deadline")
		}()
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

// TraceLine runs one request and reports its outcome to the notifier. The
// returned error mirrors the reported failure; missing arguments are
// reported as ArgumentsRequired and returned as *resolver.MissingArgumentsError.
func (o *Orchestrator) TraceLine(ctx context.Context, req Request) (err error) {
	start := time.Now()
	fid := entryid.Normalize(req.FunctionID)
	if req.FlowID == "" {
		req.FlowID = uuid.NewString()
	}
	if req.FlowName == "" {
		req.FlowName = fid
	}
	if req.StopLine <= 0 {
		req.StopLine = req.DisplayLine
	}
	ctx = state.ToContext(ctx, state.Flow{FlowID: req.FlowID, FlowName: req.FlowName, Entry: fid})

	ctx, span := o.tracer.Start(ctx, "orchestrator.trace_line", oteltrace.WithAttributes(
		attribute.String("linetrace.function", fid),
		attribute.String("linetrace.flow_id", req.FlowID),
		attribute.Int("linetrace.display_line", req.DisplayLine),
	))
	treq := linetrace.TraceRequest{
		FlowID:       req.FlowID,
		FlowName:     req.FlowName,
		FunctionName: entryid.FunctionName(fid),
		Line:         req.StopLine,
		Location:     entryid.Location(entryid.FunctionName(fid), req.StopLine),
		FilePath:     req.FilePath,
	}
	status := "success"
	defer func() {
		if err != nil {
			status = "error"
			if errors.Is(err, resolver.ErrMissingArguments) {
				status = "arguments_required"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		rec := audit.Record{
			RequestID:  uuid.NewString(),
			FlowID:     req.FlowID,
			Action:     ActionTraceLine,
			Function:   fid,
			Location:   treq.Location,
			Status:     status,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if aErr := o.audit.Write(rec, err); aErr != nil {
			o.logger.Warn().Err(aErr).Msg("audit write failed")
		}
	}()

	if err := entryid.Validate(fid); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		o.fail(ctx, req, fid, err)
		return err
	}
	if req.StopLine <= 0 {
		err := fmt.Errorf("%w: line must be positive", ErrInvalidRequest)
		o.fail(ctx, req, fid, err)
		return err
	}

	args, err := o.argumentsFor(ctx, fid, req)
	if err != nil {
		var missing *resolver.MissingArgumentsError
		if errors.As(err, &missing) {
			o.notifierFor(req).NotifyArgumentsRequired(ctx, ArgumentsRequired{FlowID: req.FlowID, FunctionID: fid, Params: missing.Params})
			return err
		}
		o.fail(ctx, req, fid, err)
		return err
	}
	argsJSON, err := args.JSON()
	if err != nil {
		o.fail(ctx, req, fid, err)
		return err
	}
	span.SetAttributes(attribute.String("linetrace.args", argsJSON))

	stepStart := time.Now()
	ev, err := o.advance(ctx, fid, argsJSON, treq, req)
	step := trace.Step{
		FunctionID:  fid,
		ArgsJSON:    argsJSON,
		Request:     trace.StepRequestFrom(treq),
		DisplayLine: req.DisplayLine,
		Duration:    time.Since(stepStart),
	}
	if ev != nil {
		step.Event = linetrace.Envelope{Event: ev}
	}
	if err != nil {
		step.Error = err.Error()
		o.flows.Flow(req.FlowID, req.FlowName).AddStep(step)
		o.fail(ctx, req, fid, err)
		return err
	}
	o.flows.Flow(req.FlowID, req.FlowName).AddStep(step)

	if snap, ok := linetrace.SnapshotFromEvent(ev); ok {
		key, kErr := snapshot.KeyFor(fid, req.DisplayLine, args)
		if kErr == nil {
			o.snapshots.Put(key, snap)
		}
	}
	o.notifierFor(req).NotifyStep(ctx, Step{
		FlowID:      req.FlowID,
		FlowName:    req.FlowName,
		FunctionID:  fid,
		DisplayLine: req.DisplayLine,
		Event:       ev,
	})
	return nil
}

// argumentsFor settles the call arguments: supplied, anchored at a parent
// call line, or resolved from stored values and call sites.
func (o *Orchestrator) argumentsFor(ctx context.Context, fid string, req Request) (linetrace.NormalisedCallArgs, error) {
	switch {
	case req.Args != nil:
		args := req.Args.Clone()
		if err := o.args.Put(ctx, fid, args); err != nil {
			return linetrace.NormalisedCallArgs{}, fmt.Errorf("orchestrator: persist arguments of %s: %w", fid, err)
		}
		return args, nil
	case req.Parent != nil:
		return o.resolver.ResolveAt(ctx, fid, req.Parent.callSite())
	default:
		return o.resolver.Resolve(ctx, fid)
	}
}

// advance holds the busy lease of the session for the duration of one
// AdvanceTo. The lease outlives the protocol timeout so a stuck tracer is
// killed before waiting callers give up.
func (o *Orchestrator) advance(ctx context.Context, fid, argsJSON string, treq linetrace.TraceRequest, req Request) (linetrace.Event, error) {
	busy := o.cfg.BusyTimeout()
	key := linetrace.ContextKey{RepoRoot: o.repoRoot, EntryID: fid, ArgsJSON: argsJSON}.String()

	acquireCtx, cancel := context.WithTimeout(ctx, busy)
	lease, err := o.coord.Acquire(acquireCtx, key, busy)
	cancel()
	if err != nil {
		o.metrics.ObserveAdvance(fid, metrics.OutcomeBusy, 0)
		return nil, fmt.Errorf("%w: %w", session.ErrBusy, err)
	}
	defer func() {
		if rErr := lease.Release(context.Background()); rErr != nil {
			o.logger.Warn().Err(rErr).Str("function", fid).Msg("lease release failed")
		}
	}()

	sess := o.registry.Get(o.repoRoot, fid, argsJSON)
	return safeAdvance(ctx, sess, fid, argsJSON, treq, req)
}

func safeAdvance(ctx context.Context, sess *session.Session, fid, argsJSON string, treq linetrace.TraceRequest, req Request) (ev linetrace.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = nil, fmt.Errorf("orchestrator: advance panic: %v", r)
		}
	}()
	return sess.AdvanceTo(ctx, fid, argsJSON, treq, req.DisplayLine, req.FilePath, req.ContextSuffix)
}

func (o *Orchestrator) fail(ctx context.Context, req Request, fid string, err error) {
	f := Failure{
		FlowID:      req.FlowID,
		FunctionID:  fid,
		DisplayLine: req.DisplayLine,
		Kind:        Classify(err),
		Message:     err.Error(),
	}
	var traced *session.TracedError
	if errors.As(err, &traced) {
		f.Event = traced.Event
	}
	var exit *session.ExitError
	if errors.As(err, &exit) && exit.Event != nil {
		f.Event = exit.Event
	}
	o.notifierFor(req).NotifyError(ctx, f)
}

func (o *Orchestrator) notifierFor(req Request) Notifier {
	if req.Notifier == nil {
		return o.notifier
	}
	return MultiNotifier{o.notifier, req.Notifier}
}
