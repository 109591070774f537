package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"LINETRACE_INTERPRETER", "LINETRACE_INTERPRETER_ARGS", "LINETRACE_PROTOCOL_TIMEOUT", "LINETRACE_SCRIPT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	cfg := FromEnv()
	if cfg.Interpreter != "python3" || len(cfg.InterpreterArgs) != 1 || cfg.InterpreterArgs[0] != "-u" {
		t.Fatalf("unexpected interpreter defaults: %+v", cfg)
	}
	if cfg.ProtocolTimeout != 30*time.Second || cfg.KillGrace != 100*time.Millisecond {
		t.Fatalf("unexpected timeout defaults: %+v", cfg)
	}
	if cfg.BusyTimeout() <= cfg.ProtocolTimeout {
		t.Fatalf("busy timeout %v must exceed protocol timeout %v", cfg.BusyTimeout(), cfg.ProtocolTimeout)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LINETRACE_INTERPRETER", "/usr/bin/python3.12")
	t.Setenv("LINETRACE_INTERPRETER_ARGS", "-u -X dev")
	t.Setenv("LINETRACE_SCRIPT", "tracer.py")
	t.Setenv("LINETRACE_PROTOCOL_TIMEOUT", "2s")
	t.Setenv("LINETRACE_RETRY_BACKOFF", "exponential")
	t.Setenv("LINETRACE_EVENT_BUFFER", "not-a-number")

	cfg := FromEnv()
	if cfg.Interpreter != "/usr/bin/python3.12" || len(cfg.InterpreterArgs) != 3 {
		t.Fatalf("unexpected interpreter: %+v", cfg)
	}
	if cfg.Script != "tracer.py" || cfg.ProtocolTimeout != 2*time.Second {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.RetryPolicy.Backoff != linetrace.BackoffExponential {
		t.Fatalf("unexpected backoff %q", cfg.RetryPolicy.Backoff)
	}
	if cfg.EventBuffer != linetrace.DefaultEventBuffer {
		t.Fatalf("invalid buffer must keep default, got %d", cfg.EventBuffer)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linetrace.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndOverlay(t *testing.T) {
	path := writeConfig(t, `
repo_root: /repo
tracer:
  interpreter: python3.11
  script: tools/tracer.py
  protocol_timeout: 5s
  circuit_breaker:
    failure_threshold: 3
    reset_timeout: 1m
collaborators:
  mode: command
  command:
    helper: tools/introspect.py
  retry:
    max_attempts: 3
    backoff: exponential_jitter
storage:
  backend: file
  path: .linetrace/args.json
server:
  addr: ":8088"
`)
	base := linetrace.RuntimeConfig{Interpreter: "python3", InterpreterArgs: []string{"-u"}}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := f.RuntimeConfig(base)
	if cfg.Interpreter != "python3.11" || cfg.Script != "tools/tracer.py" {
		t.Fatalf("unexpected tracer overlay: %+v", cfg)
	}
	if cfg.ProtocolTimeout != 5*time.Second {
		t.Fatalf("unexpected protocol timeout %v", cfg.ProtocolTimeout)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 || cfg.CircuitBreaker.ResetTimeout != time.Minute {
		t.Fatalf("unexpected breaker: %+v", cfg.CircuitBreaker)
	}
	if cfg.RetryPolicy.MaxAttempts != 3 || cfg.RetryPolicy.Backoff != linetrace.BackoffExponentialJitter {
		t.Fatalf("unexpected retry: %+v", cfg.RetryPolicy)
	}
	if len(cfg.InterpreterArgs) != 1 {
		t.Fatalf("interpreter args must keep base when unset: %v", cfg.InterpreterArgs)
	}
}

func TestValidateRejects(t *testing.T) {
	valid := File{RepoRoot: "/repo", Tracer: TracerConfig{Script: "tracer.py"}}
	if err := Validate(valid); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	cases := map[string]func(*File){
		"no script":       func(f *File) { f.Tracer.Script = "" },
		"bad timeout":     func(f *File) { f.Tracer.ProtocolTimeout = "soon" },
		"zero timeout":    func(f *File) { f.Tracer.ProtocolTimeout = "0s" },
		"unknown mode":    func(f *File) { f.Collaborators.Mode = "grpc" },
		"command helper":  func(f *File) { f.Collaborators.Mode = "command" },
		"http base":       func(f *File) { f.Collaborators.Mode = "http" },
		"redis storage":   func(f *File) { f.Storage.Backend = "redis" },
		"unknown backend": func(f *File) { f.Storage.Backend = "sqlite" },
		"bad backoff":     func(f *File) { f.Collaborators.Retry.Backoff = "fibonacci" },
		"half tls":        func(f *File) { f.Server.TLS.CertFile = "cert.pem" },
		"log format":      func(f *File) { f.Telemetry.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		f := valid
		mutate(&f)
		if err := Validate(f); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	f := valid
	f.Tracer.Script = ""
	if err := Validate(f); !errors.Is(err, ErrConfigNoScript) {
		t.Fatalf("expected ErrConfigNoScript, got %v", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileFromEnv(t *testing.T) {
	t.Setenv("LINETRACE_REPO_ROOT", "/src/app")
	t.Setenv("LINETRACE_SCRIPT", "tracer.py")
	t.Setenv("LINETRACE_COLLAB_MODE", "HTTP")
	t.Setenv("LINETRACE_COLLAB_URL", "http://127.0.0.1:9000")
	t.Setenv("LINETRACE_ARGSTORE", "file")
	t.Setenv("LINETRACE_ARGSTORE_PATH", "/tmp/args.json")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("TRACE_INSECURE", "")

	f := FileFromEnv()
	if f.RepoRoot != "/src/app" || f.Tracer.Script != "tracer.py" {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.Collaborators.Mode != "http" || f.Collaborators.HTTP.BaseURL != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected collaborators: %+v", f.Collaborators)
	}
	if f.Telemetry.MetricsAddr != ":2112" || !f.Telemetry.OTel.Insecure {
		t.Fatalf("unexpected telemetry: %+v", f.Telemetry)
	}
	if err := Validate(f); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
