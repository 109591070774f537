package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

const helperEnv = "LINETRACE_COLLAB_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelper(os.Args[len(os.Args)-1]))
	}
	os.Exit(m.Run())
}

// runHelper answers one request the way an introspection helper would.
func runHelper(op string) int {
	body, _ := io.ReadAll(os.Stdin)
	var req map[string]any
	_ = json.Unmarshal(body, &req)
	switch op {
	case OpSignature:
		fmt.Printf(`{"params":["metric","days"],"param_required":[true,false],"param_defaults":[null,7]}`)
	case OpCallSites:
		fmt.Printf(`{"call_sites":[{"file":"report.py","line":12,"call_line":14,"calling_function":"build_report","calling_function_id":"report.py::build_report","expression":"compute(metric)"}]}`)
	case OpExtract:
		fmt.Printf(`{"args":[%v],"kwargs":{"metric":%q,"root":%q,"file":%q}}`,
			req["call_line"], req["nested_function_id"], req["repo_root"], req["parent_file"])
	default:
		fmt.Fprintln(os.Stderr, "unknown op", op)
		return 4
	}
	return 0
}

func TestStaticFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	body := `
signatures:
  utils.py::compute:
    params: [metric, days]
    param_required: {metric: true, days: false}
  utils.py::scale:
    params: [value, factor]
    param_required: [true, false]
    param_defaults: [null, 2]
call_sites:
  utils.py::compute:
    - file: report.py
      line: 12
      calling_function: build_report
      calling_function_id: report.py::build_report
      expression: compute(metric)
extract:
  "utils.py::compute@report.py::build_report:12":
    kwargs: {metric: name}
    literals: {days: 7}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadStatic(path)
	if err != nil {
		t.Fatalf("load static: %v", err)
	}
	ctx := context.Background()

	sig, err := s.FunctionSignature(ctx, "/repo", "./utils.py::compute")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if req := sig.RequiredParams(); len(req) != 1 || req[0] != "metric" {
		t.Fatalf("unexpected required params: %v", req)
	}
	scale, err := s.FunctionSignature(ctx, "/repo", "utils.py::scale")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if req := scale.RequiredParams(); len(req) != 1 || req[0] != "value" || scale.ParamDefaults[1] != 2 {
		t.Fatalf("unexpected array-form signature: %+v", scale)
	}

	sites, err := s.FindCallSites(ctx, "/repo", "utils.py::compute")
	if err != nil || len(sites) != 1 || sites[0].Line != 12 {
		t.Fatalf("unexpected call sites %v: %v", sites, err)
	}

	snap := linetrace.ExecutionContext{Locals: map[string]linetrace.Value{"name": "last_7_days"}}
	ex, err := s.ExtractCallArguments(ctx, "/repo", sites[0], "utils.py::compute", snap)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	args, err := ex.CallArgs()
	if err != nil {
		t.Fatalf("call args: %v", err)
	}
	if args.Keyword["metric"] != "last_7_days" || args.Keyword["days"] != 7 {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestStaticUnknownAndUndefined(t *testing.T) {
	s := NewStatic()
	ctx := context.Background()
	if _, err := s.FunctionSignature(ctx, "", "a.py::f"); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}

	site := CallSite{Line: 3, CallingFunctionID: "b.py::g"}
	s.SetExtractRule("a.py::f", site, ExtractRule{Kwargs: map[string]string{"x": "missing"}})
	ex, err := s.ExtractCallArguments(ctx, "", site, "a.py::f", linetrace.ExecutionContext{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := ex.CallArgs(); !errors.Is(err, ErrNoExtraction) {
		t.Fatalf("expected ErrNoExtraction, got %v", err)
	}
}

func TestHTTPCollaborator(t *testing.T) {
	var extractCalls atomic.Int32
	var extractBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/" + OpSignature:
			_, _ = w.Write([]byte(`{"params":["a","b"],"param_required":[true,false],"param_defaults":[null,3]}`))
		case "/" + OpCallSites:
			_, _ = w.Write([]byte(`{"call_sites":[{"file":"m.py","line":4,"call_line":6,"calling_function_id":"m.py::main"}]}`))
		case "/" + OpExtract:
			body, _ := io.ReadAll(r.Body)
			extractBody.Store(body)
			if extractCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"args":[1],"kwargs":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL+"/", srv.Client(), linetrace.RetryPolicy{MaxAttempts: 2, Backoff: linetrace.BackoffLinear})
	ctx := context.Background()

	sig, err := h.FunctionSignature(ctx, "/repo", "a.py::f")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if req := sig.RequiredParams(); len(req) != 1 || req[0] != "a" {
		t.Fatalf("unexpected required params %v from %+v", req, sig)
	}
	if len(sig.ParamDefaults) != 2 || sig.ParamDefaults[0] != nil || sig.ParamDefaults[1] != json.Number("3") {
		t.Fatalf("unexpected defaults %v", sig.ParamDefaults)
	}
	sites, err := h.FindCallSites(ctx, "/repo", "a.py::f")
	if err != nil || len(sites) != 1 || sites[0].CallingFunctionID != "m.py::main" {
		t.Fatalf("unexpected call sites %+v: %v", sites, err)
	}
	if sites[0].StopLine() != 6 {
		t.Fatalf("expected call_line 6 to win over line 4, got %d", sites[0].StopLine())
	}
	snap := linetrace.ExecutionContext{Locals: map[string]linetrace.Value{"x": 1}}
	ex, err := h.ExtractCallArguments(ctx, "/repo", sites[0], "a.py::f", snap)
	if err != nil {
		t.Fatalf("extract after retry: %v", err)
	}
	if extractCalls.Load() != 2 || ex.Args[0] != json.Number("1") {
		t.Fatalf("unexpected extraction %+v after %d calls", ex, extractCalls.Load())
	}

	var sent map[string]any
	if err := json.Unmarshal(extractBody.Load().([]byte), &sent); err != nil {
		t.Fatalf("decode extract request: %v", err)
	}
	if sent["repo_root"] != "/repo" || sent["nested_function_id"] != "a.py::f" ||
		sent["parent_file"] != "m.py" || sent["call_line"] != float64(6) {
		t.Fatalf("unexpected extract request %v", sent)
	}
	if locals, _ := sent["locals"].(map[string]any); locals["x"] != float64(1) {
		t.Fatalf("locals not forwarded: %v", sent["locals"])
	}
	if cc, _ := sent["calling_context"].(map[string]any); cc["calling_function_id"] != "m.py::main" {
		t.Fatalf("calling context not forwarded: %v", sent["calling_context"])
	}
}

func TestSignatureDecodesParallelArraysAndNamedMaps(t *testing.T) {
	var arr Signature
	if err := json.Unmarshal([]byte(`{"params":["metric","days","scale"],"param_required":[true,false],"param_defaults":[null,7,null]}`), &arr); err != nil {
		t.Fatalf("decode arrays: %v", err)
	}
	if req := arr.RequiredParams(); len(req) != 1 || req[0] != "metric" {
		t.Fatalf("unexpected required params %v", req)
	}
	if arr.Required(2) || arr.Required(-1) {
		t.Fatal("indexes beyond param_required must not be required")
	}
	if arr.ParamDefaults[1] != json.Number("7") {
		t.Fatalf("unexpected defaults %v", arr.ParamDefaults)
	}

	var named Signature
	if err := json.Unmarshal([]byte(`{"params":["metric","days"],"param_required":{"days":true}}`), &named); err != nil {
		t.Fatalf("decode map: %v", err)
	}
	if req := named.RequiredParams(); len(req) != 1 || req[0] != "days" {
		t.Fatalf("unexpected required params %v", req)
	}

	var bad Signature
	if err := json.Unmarshal([]byte(`{"params":["a"],"param_required":"yes"}`), &bad); err == nil {
		t.Fatal("expected error for scalar param_required")
	}
}

func TestHTTPClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such function", http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, srv.Client(), linetrace.RetryPolicy{MaxAttempts: 3})
	if _, err := h.FunctionSignature(context.Background(), "/repo", "a.py::f"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestCommandCollaborator(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	t.Setenv(helperEnv, "1")
	c := &Command{Interpreter: exe, Helper: "introspect.py", Timeout: 5 * time.Second}
	ctx := context.Background()

	sig, err := c.FunctionSignature(ctx, "/repo", "utils.py::compute")
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if req := sig.RequiredParams(); len(req) != 1 || req[0] != "metric" {
		t.Fatalf("unexpected signature: %+v", sig)
	}
	if len(sig.ParamDefaults) != 2 || sig.ParamDefaults[1] != json.Number("7") {
		t.Fatalf("unexpected defaults: %v", sig.ParamDefaults)
	}

	sites, err := c.FindCallSites(ctx, "/repo", "utils.py::compute")
	if err != nil || len(sites) != 1 || sites[0].CallingFunction != "build_report" {
		t.Fatalf("unexpected call sites %+v: %v", sites, err)
	}

	ex, err := c.ExtractCallArguments(ctx, "/repo", sites[0], "utils.py::compute", linetrace.ExecutionContext{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ex.Kwargs["metric"] != "utils.py::compute" || ex.Kwargs["root"] != "/repo" || ex.Kwargs["file"] != "report.py" {
		t.Fatalf("unexpected extraction: %+v", ex)
	}
	if ex.Args[0] != json.Number("14") {
		t.Fatalf("expected call_line 14 to be sent, got %v", ex.Args[0])
	}
}

func TestCommandMissingInterpreterIsPermanent(t *testing.T) {
	c := &Command{Interpreter: "/nonexistent/python", Helper: "x.py", Retry: linetrace.RetryPolicy{MaxAttempts: 3}}
	start := time.Now()
	if _, err := c.FunctionSignature(context.Background(), "/repo", "a.py::f"); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("a helper that cannot start must not be retried")
	}
}
