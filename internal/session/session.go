// Package session drives one tracer child process over the line-delimited
// JSON protocol and caches the events it returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/your-org/linetrace/internal/channel"
	"github.com/your-org/linetrace/internal/metrics"
	"github.com/your-org/linetrace/internal/retry"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// State is the lifecycle phase of a session's tracer.
type State int

const (
	StateUnborn State = iota
	StateStarting
	StateReady
	StateAdvancing
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateUnborn:
		return "unborn"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateAdvancing:
		return "advancing"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

type cacheKey struct {
	ctx linetrace.ContextKey
	loc linetrace.LocationKey
}

// Session owns at most one tracer child and one outstanding request.
type Session struct {
	repoRoot   string
	cfg        linetrace.RuntimeConfig
	logger     zerolog.Logger
	metrics    metrics.Recorder
	tracer     oteltrace.Tracer
	breaker    *retry.CircuitBreaker
	background BackgroundFunc

	busy sync.Mutex

	mu       sync.Mutex
	proc     *process
	state    State
	suppress bool
	cache    map[cacheKey]linetrace.Event
	stopCh   chan struct{}
}

func New(repoRoot string, cfg linetrace.RuntimeConfig, opts ...Option) *Session {
	s := &Session{
		repoRoot: repoRoot,
		cfg:      cfg.WithDefaults(),
		logger:   zerolog.Nop(),
		metrics:  metrics.NoopRecorder{},
		tracer:   otel.Tracer("linetrace/session"),
		breaker:  retry.NewCircuitBreaker(),
		cache:    make(map[cacheKey]linetrace.Event),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "session").Str("repo_root", repoRoot).Logger()
	return s
}

// SetSuppress turns forwarding of background events on or off. Resolution
// of ancestor frames runs suppressed.
func (s *Session) SetSuppress(suppress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppress = suppress
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && s.proc.hasExited() {
		return StateUnborn
	}
	return s.state
}

// ClearCache drops every cached event.
func (s *Session) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[cacheKey]linetrace.Event)
}

// Stop kills the tracer and fails any in-flight AdvanceTo with ErrStopped.
func (s *Session) Stop() error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.state = StateUnborn
	close(s.stopCh)
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if p != nil {
		s.retire(p, true)
	}
	return nil
}

// AdvanceTo runs the tracer for entryID forward to req and returns the event
// it stopped with. Served from cache when this location was already reached
// under the same entry, arguments and suffix. A traced exception is returned
// as both the *linetrace.ErrorEvent and a *TracedError.
func (s *Session) AdvanceTo(
	ctx context.Context,
	entryID string,
	argsJSON string,
	req linetrace.TraceRequest,
	displayLine int,
	displayFile string,
	contextSuffix string,
) (ev linetrace.Event, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "session.advance", oteltrace.WithAttributes(
		attribute.String("linetrace.entry", entryID),
		attribute.String("linetrace.location", req.Location),
		attribute.Int("linetrace.line", req.Line),
		attribute.String("linetrace.flow_id", req.FlowID),
	))
	outcome := metrics.OutcomeOK
	defer func() {
		s.metrics.ObserveAdvance(entryID, outcome, time.Since(start))
		span.SetAttributes(attribute.String("linetrace.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	key := cacheKey{
		ctx: linetrace.ContextKey{RepoRoot: s.repoRoot, EntryID: entryID, ArgsJSON: argsJSON, Suffix: contextSuffix},
		loc: locationKey(req),
	}
	if cached, ok := s.cached(key); ok {
		outcome = metrics.OutcomeCacheHit
		return linetrace.Relabel(cached, displayLine, displayFile), nil
	}

	if !s.busy.TryLock() {
		outcome = metrics.OutcomeBusy
		return nil, ErrBusy
	}
	defer s.busy.Unlock()

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	p, fresh, err := s.ensureProcess(entryID, argsJSON, req)
	if err != nil {
		outcome = metrics.OutcomeSpawnFailure
		return nil, err
	}
	if !fresh {
		err = s.continueTo(p, req)
		if errors.Is(err, errExitedIdle) {
			p, _, err = s.ensureProcess(entryID, argsJSON, req)
			if err != nil {
				outcome = metrics.OutcomeSpawnFailure
				return nil, err
			}
		} else if err != nil {
			outcome = outcomeFor(err)
			return nil, err
		}
	}

	raw, err := s.await(ctx, p, stopCh)
	if err != nil {
		outcome = outcomeFor(err)
		return nil, err
	}

	linetrace.Decorate(raw, displayLine, displayFile)
	if ee, ok := raw.(*linetrace.ErrorEvent); ok {
		outcome = metrics.OutcomeTracedError
		return ee, &TracedError{Event: ee}
	}

	s.mu.Lock()
	s.cache[key] = linetrace.CloneEvent(raw)
	s.mu.Unlock()
	return raw, nil
}

func (s *Session) cached(key cacheKey) (linetrace.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	return linetrace.CloneEvent(ev), true
}

// ensureProcess returns the live process bound to entryID and argsJSON,
// replacing any other process first. fresh reports a new spawn, whose first
// event answers the request without a continuation.
func (s *Session) ensureProcess(entryID, argsJSON string, req linetrace.TraceRequest) (*process, bool, error) {
	s.mu.Lock()
	p := s.proc
	var dead, old *process
	if p != nil && p.hasExited() {
		dead, p = p, nil
		s.proc = nil
		s.state = StateUnborn
	}
	if p != nil && p.entryID == entryID && p.argsJSON == argsJSON {
		s.mu.Unlock()
		return p, false, nil
	}
	if p != nil {
		old = p
		s.proc = nil
		s.state = StateRestarting
	}
	s.mu.Unlock()

	if dead != nil {
		s.flushBackground(dead)
		s.retire(dead, false)
	}
	if old != nil {
		s.logger.Debug().Str("from", old.entryID).Str("to", entryID).Msg("switching tracer entry")
		s.flushBackground(old)
		s.retire(old, true)
	}

	if !s.breaker.Allow(entryID, s.cfg.CircuitBreaker, time.Now()) {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrSpawnFailure, entryID, retry.ErrCircuitOpen)
	}

	spec := linetrace.SpawnSpec{
		Interpreter:     s.cfg.Interpreter,
		InterpreterArgs: s.cfg.InterpreterArgs,
		Script:          s.cfg.Script,
		RepoRoot:        s.repoRoot,
		EntryFullID:     entryID,
		ArgsJSON:        argsJSON,
		FlowName:        req.FlowName,
	}
	if req.Location != "" {
		spec.StopLocation = req.Location
	} else {
		spec.StopLine = req.Line
		spec.StopFile = req.FilePath
	}

	np, err := startProcess(spec, s.cfg, s.logger.With().Str("entry", entryID).Logger(), func(ev linetrace.Event) {
		s.forwardBackground(entryID, ev)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("entry", entryID).Msg("tracer spawn failed")
		return nil, false, fmt.Errorf("%w: %s: %w", ErrSpawnFailure, entryID, err)
	}
	s.metrics.ObserveSpawn(entryID)
	s.logger.Debug().Str("entry", entryID).Str("stop", stopLabel(spec)).Msg("spawned tracer")

	s.mu.Lock()
	s.proc = np
	s.state = StateStarting
	s.mu.Unlock()
	return np, true, nil
}

// continueTo asks the live tracer to run on to req. It returns errExitedIdle
// when the tracer had already finished cleanly and should be respawned.
func (s *Session) continueTo(p *process, req linetrace.TraceRequest) error {
	line, err := linetrace.ContinuationFor(req).Encode()
	if err != nil {
		return err
	}
	s.setState(p, StateAdvancing)
	p.expect(req.Location)
	if err := p.writeLine(line); err != nil {
		p.abandon()
		s.logger.Warn().Err(err).Str("entry", p.entryID).Msg("continuation write failed")
		select {
		case <-p.exited:
		case <-time.After(s.cfg.KillGrace):
		}
		if p.hasExited() && p.code() == 0 {
			s.detach(p)
			s.retire(p, false)
			return errExitedIdle
		}
		s.detach(p)
		s.retire(p, true)
		return p.exitError()
	}
	return nil
}

// await blocks until the tracer answers, exits, times out or is stopped.
func (s *Session) await(ctx context.Context, p *process, stopCh <-chan struct{}) (linetrace.Event, error) {
	timer := time.NewTimer(s.cfg.ProtocolTimeout)
	defer timer.Stop()

	select {
	case ev := <-p.events:
		s.setState(p, StateReady)
		s.breaker.RecordSuccess(p.entryID)
		return ev, nil

	case <-p.exited:
		// Readers finish before exited closes, so anything sent is buffered.
		select {
		case ev := <-p.events:
			s.detach(p)
			s.flushBackground(p)
			s.retire(p, false)
			return ev, nil
		default:
		}
		s.detach(p)
		s.retire(p, false)
		exitErr := p.exitError()
		if exitErr.Code != 0 {
			if s.breaker.RecordFailure(p.entryID, s.cfg.CircuitBreaker, time.Now()) {
				s.logger.Warn().Str("entry", p.entryID).Msg("tracer crashing repeatedly, respawns paused")
			}
		}
		s.logger.Error().Int("code", exitErr.Code).Str("entry", p.entryID).Msg(exitErr.Message)
		return nil, exitErr

	case <-stopCh:
		s.detach(p)
		s.retire(p, true)
		return nil, ErrStopped

	case <-ctx.Done():
		// A sent continuation cannot be interrupted short of killing the tracer.
		s.detach(p)
		s.retire(p, true)
		return nil, fmt.Errorf("session: advance cancelled: %w", ctx.Err())

	case <-timer.C:
		s.logger.Error().Dur("timeout", s.cfg.ProtocolTimeout).Str("entry", p.entryID).Msg("tracer did not answer")
		s.detach(p)
		s.retire(p, true)
		return nil, fmt.Errorf("%w after %s", ErrProtocolTimeout, s.cfg.ProtocolTimeout)
	}
}

// flushBackground forwards answers left unconsumed by a retired process.
func (s *Session) flushBackground(p *process) {
	for _, ev := range channel.Drain[linetrace.Event](p.events) {
		s.forwardBackground(p.entryID, ev)
	}
}

// forwardBackground hands an event no request was waiting for to the
// background function unless the session is suppressed.
func (s *Session) forwardBackground(entryID string, ev linetrace.Event) {
	s.mu.Lock()
	suppress, fn := s.suppress, s.background
	s.mu.Unlock()
	if suppress || fn == nil {
		s.logger.Debug().Str("entry", entryID).Str("kind", ev.Kind()).Msg("dropping background event")
		return
	}
	fn(entryID, ev)
}

func (s *Session) setState(p *process, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p {
		s.state = st
	}
}

// detach unbinds p so the next advance spawns afresh.
func (s *Session) detach(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p {
		s.proc = nil
		s.state = StateUnborn
	}
}

// retire ends p once. kill runs the full kill sequence; otherwise p has
// already exited and only its handles are released.
func (s *Session) retire(p *process, kill bool) {
	p.retire.Do(func() {
		if kill {
			p.terminate(s.cfg.KillGrace)
		} else {
			p.closeQuit()
			p.writeMu.Lock()
			if p.stdin != nil {
				_ = p.stdin.Close()
				p.stdin = nil
			}
			p.writeMu.Unlock()
		}
		s.metrics.ObserveTerminate(p.entryID)
	})
}

func locationKey(req linetrace.TraceRequest) linetrace.LocationKey {
	if req.Location != "" {
		return linetrace.LocationKey(req.Location)
	}
	return linetrace.LocationKey(req.FilePath + "#" + strconv.Itoa(req.Line))
}

func stopLabel(spec linetrace.SpawnSpec) string {
	if spec.StopLocation != "" {
		return spec.StopLocation
	}
	return spec.StopFile + "#" + strconv.Itoa(spec.StopLine)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrProtocolTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrAbnormalExit):
		return metrics.OutcomeExit
	case errors.Is(err, ErrTracedError):
		return metrics.OutcomeTracedError
	case errors.Is(err, ErrSpawnFailure):
		return metrics.OutcomeSpawnFailure
	case errors.Is(err, ErrBusy):
		return metrics.OutcomeBusy
	default:
		return metrics.OutcomeStopped
	}
}
