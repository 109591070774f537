package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/your-org/linetrace/internal/argstore"
	"github.com/your-org/linetrace/internal/collab"
	"github.com/your-org/linetrace/internal/metrics"
	"github.com/your-org/linetrace/internal/registry"
	"github.com/your-org/linetrace/internal/session"
	"github.com/your-org/linetrace/internal/snapshot"
	"github.com/your-org/linetrace/internal/testutil"
	"github.com/your-org/linetrace/pkg/linetrace"
)

func TestMain(m *testing.M) {
	testutil.RunIfFakeTracer()
	os.Exit(m.Run())
}

type fixture struct {
	resolver  *Resolver
	static    *collab.Static
	store     argstore.Store
	snapshots *snapshot.Store
	metrics   *metrics.InMemoryRecorder
	logPath   string
}

var (
	reportSite = collab.CallSite{File: "report.py", Line: 12, CallingFunction: "build_report", CallingFunctionID: "report.py::build_report", Expression: "compute(metric, days=n)"}
	scaleSite  = collab.CallSite{File: "utils.py", Line: 5, CallingFunction: "compute", CallingFunctionID: "utils.py::compute", Expression: "scale(metric)"}
)

// newFixture models report.build_report() -> utils.compute(metric, days) ->
// utils.scale(value).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := metrics.NewInMemoryRecorder()
	logPath := testutil.LogPath(t)
	reg := registry.New(testutil.Config(5*time.Second, logPath), session.WithMetrics(rec))
	t.Cleanup(func() { _ = reg.StopAll() })

	s := collab.NewStatic()
	s.SetSignature("report.py::build_report", collab.Signature{})
	s.SetSignature("utils.py::compute", collab.Signature{
		Params:        []string{"metric", "days"},
		ParamRequired: []bool{true, true},
	})
	s.SetSignature("utils.py::scale", collab.Signature{
		Params:        []string{"value"},
		ParamRequired: []bool{true},
	})
	s.SetCallSites("utils.py::compute", reportSite)
	s.SetCallSites("utils.py::scale", scaleSite)
	s.SetExtractRule("utils.py::compute", reportSite, collab.ExtractRule{
		Kwargs:   map[string]string{"days": "step"},
		Literals: map[string]linetrace.Value{"metric": "last_7_days"},
	})
	s.SetExtractRule("utils.py::scale", scaleSite, collab.ExtractRule{
		Kwargs: map[string]string{"value": "metric"},
	})

	store := argstore.NewMemory()
	snaps := snapshot.NewStore()
	return &fixture{
		resolver:  New(t.TempDir(), s, reg, store, snaps, WithMetrics(rec)),
		static:    s,
		store:     store,
		snapshots: snaps,
		metrics:   rec,
		logPath:   logPath,
	}
}

func TestResolveFromCallerSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	args, err := f.resolver.Resolve(ctx, "utils.py::compute")
	require.NoError(t, err)
	require.Equal(t, "last_7_days", args.Keyword["metric"])
	require.Equal(t, json.Number("1"), args.Keyword["days"])
	require.Equal(t, 1, f.snapshots.Len())

	stored, ok, err := f.store.Get(ctx, "utils.py::compute")
	require.NoError(t, err)
	require.True(t, ok, "resolved arguments must be persisted")
	require.Equal(t, "last_7_days", stored.Keyword["metric"])

	again, err := f.resolver.Resolve(ctx, "./utils.py::compute")
	require.NoError(t, err)
	require.Equal(t, args, again)
	require.Equal(t, 1, f.metrics.Snapshot().Spawns, "stored arguments must short-circuit")
}

func TestResolveTwoLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	args, err := f.resolver.Resolve(ctx, "utils.py::scale")
	require.NoError(t, err)
	require.Equal(t, "last_7_days", args.Keyword["value"])

	keys, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"utils.py::compute", "utils.py::scale"}, keys)
	require.Equal(t, 2, f.snapshots.Len())
	require.Equal(t, []string{
		"spawn report.py::build_report",
		"spawn utils.py::compute",
	}, f.metrics.Snapshot().Lifecycle)
}

func TestResolveNoRequiredParams(t *testing.T) {
	f := newFixture(t)
	args, err := f.resolver.Resolve(context.Background(), "report.py::build_report")
	require.NoError(t, err)
	require.True(t, args.IsEmpty())
	require.Equal(t, 0, f.metrics.Snapshot().Spawns)
}

func TestResolveMissingArguments(t *testing.T) {
	f := newFixture(t)
	f.static.SetSignature("cli.py::main", collab.Signature{
		Params:        []string{"argv", "verbose"},
		ParamRequired: []bool{true},
	})

	_, err := f.resolver.Resolve(context.Background(), "cli.py::main")
	require.ErrorIs(t, err, ErrMissingArguments)
	var missing *MissingArgumentsError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, []string{"argv"}, missing.Params)
}

func TestResolveCircularDependencyIsFatal(t *testing.T) {
	f := newFixture(t)
	required := collab.Signature{Params: []string{"n"}, ParamRequired: []bool{true}}
	f.static.SetSignature("loop.py::ping", required)
	f.static.SetSignature("loop.py::pong", required)
	f.static.SetSignature("loop.py::main", collab.Signature{})

	fromPong := collab.CallSite{File: "loop.py", Line: 3, CallingFunctionID: "loop.py::pong"}
	fromPing := collab.CallSite{File: "loop.py", Line: 7, CallingFunctionID: "loop.py::ping"}
	fromMain := collab.CallSite{File: "loop.py", Line: 11, CallingFunctionID: "loop.py::main"}
	f.static.SetCallSites("loop.py::ping", fromPong, fromMain)
	f.static.SetCallSites("loop.py::pong", fromPing)
	f.static.SetExtractRule("loop.py::ping", fromMain, collab.ExtractRule{Literals: map[string]linetrace.Value{"n": 1}})

	_, err := f.resolver.Resolve(context.Background(), "loop.py::ping")
	require.ErrorIs(t, err, ErrCircularDependency)
	var cyc *CircularDependencyError
	require.True(t, errors.As(err, &cyc))
	require.Equal(t, []string{"loop.py::ping", "loop.py::pong", "loop.py::ping"}, cyc.Chain)
	require.Equal(t, 0, f.metrics.Snapshot().Spawns, "no tracer may run for a cyclic chain")

	// The failure is scoped to that request.
	_, err = f.resolver.Resolve(context.Background(), "utils.py::compute")
	require.NoError(t, err)
}

func TestResolveFallsBackToNextCallSite(t *testing.T) {
	f := newFixture(t)
	broken := collab.CallSite{File: "report.py", Line: 20, CallingFunctionID: "report.py::build_report"}
	f.static.SetCallSites("utils.py::compute", broken, reportSite)

	args, err := f.resolver.Resolve(context.Background(), "utils.py::compute")
	require.NoError(t, err)
	require.Equal(t, "last_7_days", args.Keyword["metric"])
}

func TestResolveSurfacesLastExtractionError(t *testing.T) {
	f := newFixture(t)
	broken := collab.CallSite{File: "report.py", Line: 20, CallingFunctionID: "report.py::build_report"}
	f.static.SetCallSites("utils.py::compute", broken)

	_, err := f.resolver.Resolve(context.Background(), "utils.py::compute")
	require.ErrorIs(t, err, collab.ErrNoExtraction)
}

func TestResolveReusesCachedSnapshot(t *testing.T) {
	f := newFixture(t)
	key, err := snapshot.KeyFor("report.py::build_report", 12, linetrace.EmptyArgs())
	require.NoError(t, err)
	f.snapshots.Put(key, linetrace.ExecutionContext{Locals: map[string]linetrace.Value{"step": 42}})

	args, err := f.resolver.Resolve(context.Background(), "utils.py::compute")
	require.NoError(t, err)
	require.Equal(t, 42, args.Keyword["days"])
	require.Equal(t, 0, f.metrics.Snapshot().Spawns)
}

func TestResolveStopsAtCallLineOfMultiLineCall(t *testing.T) {
	f := newFixture(t)
	site := reportSite
	site.CallLine = 14
	f.static.SetCallSites("utils.py::compute", site)

	var gotRoot string
	var gotLine int
	f.static.ExtractFunc = func(_ context.Context, repoRoot string, s collab.CallSite, _ string, snap linetrace.ExecutionContext) (collab.Extraction, error) {
		gotRoot, gotLine = repoRoot, s.StopLine()
		return collab.Extraction{Kwargs: map[string]linetrace.Value{"metric": "m", "days": snap.Locals["step"]}}, nil
	}

	_, err := f.resolver.Resolve(context.Background(), "utils.py::compute")
	require.NoError(t, err)
	require.NotEmpty(t, gotRoot, "repo root must reach the collaborator")
	require.Equal(t, 14, gotLine)
	require.Equal(t, []string{"spawn report.py::build_report build_report:14"}, testutil.ReadLog(t, f.logPath))

	key, err := snapshot.KeyFor("report.py::build_report", 14, linetrace.EmptyArgs())
	require.NoError(t, err)
	_, ok := f.snapshots.Get(key)
	require.True(t, ok, "snapshot must be cached under the call line")
}

func TestResolveAtUsesOnlyAnchoredSite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, "utils.py::compute", linetrace.NormalisedCallArgs{
		Keyword: map[string]linetrace.Value{"metric": "stale", "days": 0},
	}))

	args, err := f.resolver.ResolveAt(ctx, "utils.py::compute", reportSite)
	require.NoError(t, err)
	require.Equal(t, "last_7_days", args.Keyword["metric"])
}

func TestResolveSignatureFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "nowhere.py::ghost")
	require.ErrorIs(t, err, collab.ErrUnknownFunction)
}
