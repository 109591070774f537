package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/your-org/linetrace/internal/collab"
	"github.com/your-org/linetrace/internal/config"
	"github.com/your-org/linetrace/internal/orchestrator"
	"github.com/your-org/linetrace/internal/resolver"
	"github.com/your-org/linetrace/internal/snapshot"
	"github.com/your-org/linetrace/internal/testutil"
	"github.com/your-org/linetrace/internal/trace"
	"github.com/your-org/linetrace/pkg/linetrace"
)

func TestMain(m *testing.M) {
	testutil.RunIfFakeTracer()
	os.Exit(m.Run())
}

// fakeEnv points the environment config at the fake tracer and returns the
// audit and flow output paths.
func fakeEnv(t *testing.T) (auditPath, tracePath string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	auditPath = filepath.Join(dir, "audit.jsonl")
	tracePath = filepath.Join(dir, "flow.json")

	t.Setenv(testutil.EnvFakeTracer, "1")
	t.Setenv("LINETRACE_INTERPRETER", exe)
	t.Setenv("LINETRACE_INTERPRETER_ARGS", "")
	t.Setenv("LINETRACE_SCRIPT", "faketracer")
	t.Setenv("LINETRACE_PROTOCOL_TIMEOUT", "5s")
	t.Setenv("LINETRACE_COLLAB_MODE", "")
	t.Setenv("LINETRACE_ARGSTORE", "")
	t.Setenv("COORDINATION_MODE", "memory")
	t.Setenv("METRICS_ENABLED", "")
	t.Setenv("TRACE_ENABLED", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("AUDIT_LOG_PATH", auditPath)
	t.Setenv("TRACE_OUTPUT", tracePath)
	return auditPath, tracePath
}

func reportCollaborators() *collab.Static {
	s := collab.NewStatic()
	s.SetSignature("report.py::build_report", collab.Signature{})
	s.SetSignature("utils.py::compute", collab.Signature{
		Params:        []string{"metric"},
		ParamRequired: []bool{true},
	})
	return s
}

func TestTraceWritesNotificationsFlowAndAudit(t *testing.T) {
	auditPath, tracePath := fakeEnv(t)
	var out bytes.Buffer
	opts := Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()}

	err := Trace(context.Background(), opts, TraceArgs{FunctionID: "report.py::build_report", Line: 5}, &out)
	require.NoError(t, err)

	var note map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &note))
	require.Equal(t, "step", note["type"])
	require.Equal(t, "report.py::build_report", note["function"])

	tr, err := trace.LoadFromFile(tracePath)
	require.NoError(t, err)
	require.Len(t, tr.Steps, 1)
	require.Equal(t, "build_report:5", tr.Steps[0].Request.Location)

	b, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.Contains(t, string(b), `"action":"trace_line"`)
}

func TestTraceMissingArgumentsReportsParams(t *testing.T) {
	fakeEnv(t)
	var out bytes.Buffer
	opts := Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()}

	err := Trace(context.Background(), opts, TraceArgs{FunctionID: "utils.py::compute", Line: 1}, &out)
	require.ErrorIs(t, err, resolver.ErrMissingArguments)
	require.Contains(t, out.String(), `"type":"arguments_required"`)
	require.Contains(t, out.String(), `"params":["metric"]`)
}

func TestTraceSuppliedArguments(t *testing.T) {
	fakeEnv(t)
	var out bytes.Buffer
	opts := Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()}

	err := Trace(context.Background(), opts, TraceArgs{
		FunctionID: "utils.py::compute",
		Line:       1,
		ArgsJSON:   `{"args":[],"kwargs":{"metric":"last_7_days"}}`,
	}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), `"metric":"last_7_days"`)
}

func TestReplayAndDebugRecordedFlow(t *testing.T) {
	_, tracePath := fakeEnv(t)
	ctx := context.Background()
	opts := Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()}

	rt, err := Build(ctx, opts)
	require.NoError(t, err)
	for _, line := range []int{5, 6, 8} {
		require.NoError(t, rt.Orchestrator.TraceLine(ctx, orchestrator.Request{
			FunctionID:  "report.py::build_report",
			DisplayLine: line,
			FlowID:      "flow-1",
		}))
	}
	require.NoError(t, rt.Close(ctx))

	var out bytes.Buffer
	require.NoError(t, Replay(ctx, Options{Collaborators: reportCollaborators()}, tracePath, &out))
	require.Contains(t, out.String(), "replay matched recorded state for 3 step(s)")

	out.Reset()
	require.NoError(t, DebugTrace(tracePath, tracePath, &out))
	require.Contains(t, out.String(), "no divergence")
}

func TestHandlerServesTraceLineAndSessions(t *testing.T) {
	fakeEnv(t)
	ctx := context.Background()
	rt, err := Build(ctx, Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()})
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	srv := httptest.NewServer(Handler(rt))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/trace-line", "application/json", strings.NewReader(`{"function":"report.py::build_report","line":5}`))
	require.NoError(t, err)
	var body struct {
		Status string `json:"status"`
		Steps  []struct {
			Function string `json:"function"`
			Event    struct {
				Event string `json:"event"`
				Line  int    `json:"line"`
			} `json:"event"`
		} `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body.Status)
	require.Len(t, body.Steps, 1)
	require.Equal(t, "line", body.Steps[0].Event.Event)
	require.Equal(t, 5, body.Steps[0].Event.Line)

	resp, err = http.Post(srv.URL+"/trace-line", "application/json", strings.NewReader(`{"function":"utils.py::compute","line":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	var sessions struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	resp.Body.Close()
	require.Len(t, sessions.Sessions, 1)

	key, err := snapshot.KeyFor("report.py::build_report", 12, linetrace.EmptyArgs())
	require.NoError(t, err)
	rt.Snapshots.Put(key, linetrace.ExecutionContext{Locals: map[string]linetrace.Value{"step": 1}})

	resp, err = http.Post(srv.URL+"/stop-all", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 0, rt.Registry.Len())
	require.Equal(t, 0, rt.Snapshots.Len(), "stop-all must drop cached caller snapshots")

	resp, err = http.Get(srv.URL + "/trace-line")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBuildSharesRedisClient(t *testing.T) {
	fakeEnv(t)
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	t.Setenv("LINETRACE_ARGSTORE", "redis")
	t.Setenv("LINETRACE_ARGSTORE_REDIS_URL", url)
	t.Setenv("COORDINATION_MODE", "redis")
	t.Setenv("COORDINATION_REDIS_URL", url)
	t.Setenv("LINETRACE_ARGSTORE_REDIS_PREFIX", "")
	t.Setenv("COORDINATION_REDIS_PREFIX", "")

	ctx := context.Background()
	rt, err := Build(ctx, Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()})
	require.NoError(t, err)
	require.NotNil(t, rt.redis, "one client must serve both redis users")

	args := linetrace.NormalisedCallArgs{Keyword: map[string]linetrace.Value{"metric": "m"}}
	require.NoError(t, rt.Orchestrator.TraceLine(ctx, orchestrator.Request{
		FunctionID:  "utils.py::compute",
		DisplayLine: 1,
		Args:        &args,
	}))
	require.True(t, mr.Exists("linetrace:args"), "arguments persisted through the shared client")
	for _, k := range mr.Keys() {
		require.NotContains(t, k, ":lease:", "lease released after the advance")
	}
	require.NoError(t, rt.Close(ctx))
}

func TestSharedRedisURL(t *testing.T) {
	var f config.File
	f.Storage.Backend, f.Storage.RedisURL = "redis", "redis://a:6379"
	f.Coordination.Mode, f.Coordination.RedisURL = "redis", "redis://a:6379"
	require.Equal(t, "redis://a:6379", sharedRedisURL(f))

	f.Coordination.RedisURL = "redis://b:6379"
	require.Empty(t, sharedRedisURL(f))
	f.Coordination.RedisURL, f.Coordination.Mode = "redis://a:6379", "file"
	require.Empty(t, sharedRedisURL(f))
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "linetrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repo_root: "+dir+"\ntracer:\n  script: tracer.py\n  protocol_timeout: 10s\n"), 0o644))

	var out bytes.Buffer
	require.NoError(t, ValidateConfig(path, &out))
	require.Contains(t, out.String(), "protocol_timeout=10s")

	require.NoError(t, os.WriteFile(path, []byte("repo_root: "+dir+"\n"), 0o644))
	require.Error(t, ValidateConfig(path, &out))
}

func TestParseParent(t *testing.T) {
	p, err := ParseParent("report.py::build_report:42")
	require.NoError(t, err)
	require.Equal(t, orchestrator.Parent{FunctionID: "report.py::build_report", Line: 42}, p)

	for _, bad := range []string{"report.py::build_report", "report.py::42", "report.py::f:0", ":3"} {
		_, err := ParseParent(bad)
		require.Error(t, err, bad)
	}
}

func TestSaveFlowsSplitsPerFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.json")
	flows := []trace.FlowTrace{{FlowID: "a"}, {FlowID: "b"}}
	require.NoError(t, SaveFlows(path, flows))
	for _, id := range []string{"a", "b"} {
		tr, err := trace.LoadFromFile(strings.TrimSuffix(path, ".json") + "-" + id + ".json")
		require.NoError(t, err)
		require.Equal(t, id, tr.FlowID)
	}
}

func TestExportAuditWritesCSV(t *testing.T) {
	auditPath, _ := fakeEnv(t)
	ctx := context.Background()
	opts := Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()}
	require.NoError(t, Trace(ctx, opts, TraceArgs{FunctionID: "report.py::build_report", Line: 5}, &bytes.Buffer{}))

	csvPath := filepath.Join(t.TempDir(), "audit.csv")
	var out bytes.Buffer
	require.NoError(t, ExportAudit(auditPath, csvPath, &out))
	require.Contains(t, out.String(), "audit export complete")

	b, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "trace_line")
}

func TestHandlerEnforcesRBAC(t *testing.T) {
	fakeEnv(t)
	t.Setenv("LINETRACE_RBAC", "true")
	ctx := context.Background()
	rt, err := Build(ctx, Options{RepoRoot: t.TempDir(), Collaborators: reportCollaborators()})
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	srv := httptest.NewServer(Handler(rt))
	defer srv.Close()

	post := func(path, role, body string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if role != "" {
			req.Header.Set("X-Role", role)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	traceBody := `{"function":"report.py::build_report","line":5}`
	require.Equal(t, http.StatusForbidden, post("/trace-line", "", traceBody))
	require.Equal(t, http.StatusOK, post("/trace-line", "operator", traceBody))
	require.Equal(t, http.StatusForbidden, post("/stop-all", "operator", ""))
	require.Equal(t, http.StatusNoContent, post("/stop-all", "admin", ""))
}
