package trace

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

func lineStep(fn string, line int, locals map[string]linetrace.Value) Step {
	return Step{
		FunctionID:  "utils.py::" + fn,
		ArgsJSON:    `{"args":[],"kwargs":{}}`,
		Request:     StepRequest{FunctionName: fn, Line: line, Location: fn + ":" + strconv.Itoa(line)},
		DisplayLine: line,
		Event:       linetrace.Envelope{Event: &linetrace.LineEvent{Function: fn, Line: line, Locals: locals}},
	}
}

func TestRecorderAssignsSequenceAndClones(t *testing.T) {
	r := NewRecorder("flow-1", "report", "/repo", time.Unix(0, 0))
	locals := map[string]linetrace.Value{"n": "7"}
	r.AddStep(lineStep("compute", 3, locals))
	r.AddStep(lineStep("compute", 4, map[string]linetrace.Value{"n": "8"}))
	locals["n"] = "mutated"

	tr := r.Finalize(time.Unix(2, 0))
	if len(tr.Steps) != 2 || tr.Steps[0].Seq != 1 || tr.Steps[1].Seq != 2 {
		t.Fatalf("unexpected steps: %+v", tr.Steps)
	}
	le := tr.Steps[0].Event.Event.(*linetrace.LineEvent)
	if le.Locals["n"] != "7" {
		t.Fatalf("recorder aliased caller locals: %v", le.Locals)
	}
	if tr.TotalLatency != 2*time.Second {
		t.Fatalf("unexpected latency %v", tr.TotalLatency)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := NewRecorder("flow-1", "report", "/repo", time.Now())
	r.AddStep(lineStep("compute", 3, map[string]linetrace.Value{"metric": "last_7_days"}))
	want := r.Finalize(time.Now())

	path := filepath.Join(t.TempDir(), "flow.json")
	if err := SaveToFile(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if div := Compare(want, got); len(div) != 0 {
		t.Fatalf("expected no divergence after round trip:\n%s", FormatDivergence(div))
	}
}

func TestCompareReportsLocalsAndMissingSteps(t *testing.T) {
	a := FlowTrace{Steps: []Step{
		lineStep("compute", 3, map[string]linetrace.Value{"n": "1"}),
		lineStep("compute", 4, nil),
	}}
	b := FlowTrace{Steps: []Step{
		lineStep("compute", 3, map[string]linetrace.Value{"n": "2"}),
	}}

	div := Compare(a, b)
	if len(div) != 2 {
		t.Fatalf("expected 2 divergences, got %d: %s", len(div), FormatDivergence(div))
	}
	if div[0].Field != "locals_hash" || div[1].Field != "missing_actual" {
		t.Fatalf("unexpected divergences: %+v", div)
	}
}

func TestReplayAndCompare(t *testing.T) {
	r := NewRecorder("flow-1", "report", "/repo", time.Now())
	r.AddStep(lineStep("compute", 3, map[string]linetrace.Value{"n": "1"}))
	r.AddStep(lineStep("compute", 4, map[string]linetrace.Value{"n": "2"}))
	tr := r.Finalize(time.Now())

	deterministic := func(_ context.Context, step Step, req linetrace.TraceRequest) (linetrace.Event, error) {
		if req.FlowID != "flow-1" {
			return nil, errors.New("flow id not propagated")
		}
		return linetrace.CloneEvent(step.Event.Event), nil
	}
	if err := ReplayAndCompare(context.Background(), tr, time.Second, deterministic); err != nil {
		t.Fatalf("expected replay to match: %v", err)
	}

	drifting := func(_ context.Context, step Step, _ linetrace.TraceRequest) (linetrace.Event, error) {
		ev := linetrace.CloneEvent(step.Event.Event).(*linetrace.LineEvent)
		ev.Locals = map[string]linetrace.Value{"n": "changed"}
		return ev, nil
	}
	err := ReplayAndCompare(context.Background(), tr, time.Second, drifting)
	if err == nil || !strings.Contains(err.Error(), "locals_hash") {
		t.Fatalf("expected locals divergence, got %v", err)
	}

	failing := func(context.Context, Step, linetrace.TraceRequest) (linetrace.Event, error) {
		return nil, errors.New("spawn failed")
	}
	if err := ReplayAndCompare(context.Background(), tr, time.Second, failing); err == nil {
		t.Fatal("expected replay error")
	}
}

func TestReplayRejectsEmptyTrace(t *testing.T) {
	if err := ReplayAndCompare(context.Background(), FlowTrace{}, time.Second, nil); err == nil {
		t.Fatal("expected error for empty trace")
	}
}

func TestBookKeepsOneRecorderPerFlow(t *testing.T) {
	b := NewBook("/repo")
	b.Flow("b", "").AddStep(lineStep("f", 1, nil))
	b.Flow("a", "").AddStep(lineStep("f", 1, nil))
	b.Flow("a", "").AddStep(lineStep("f", 2, nil))

	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].FlowID != "a" || len(snap[0].Steps) != 2 {
		t.Fatalf("unexpected book snapshot: %+v", snap)
	}
}

func TestSetupOTelDisabledIsNoop(t *testing.T) {
	rt, err := SetupOTel(context.Background(), OTelConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if rt.Tracer == nil {
		t.Fatal("expected tracer")
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
