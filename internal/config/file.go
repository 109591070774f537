package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/your-org/linetrace/internal/security"
	"github.com/your-org/linetrace/pkg/linetrace"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNoScript     = errors.New("config: tracer.script is empty")
	ErrConfigNoRepoRoot   = errors.New("config: repo_root is empty")
	ErrConfigBadBackoff   = errors.New("config: unknown retry backoff")
	ErrConfigUnknownValue = errors.New("config: unknown value")
)

// File is the top-level linetrace configuration file.
type File struct {
	RepoRoot      string        `yaml:"repo_root"`
	Tracer        TracerConfig  `yaml:"tracer"`
	Collaborators Collaborators `yaml:"collaborators"`
	Storage       Storage       `yaml:"storage"`
	Coordination  Coordination  `yaml:"coordination"`
	Telemetry     Telemetry     `yaml:"telemetry"`
	Server        Server        `yaml:"server"`
}

// TracerConfig configures the tracer child process.
type TracerConfig struct {
	Interpreter     string               `yaml:"interpreter"`
	InterpreterArgs []string             `yaml:"interpreter_args"`
	Script          string               `yaml:"script"`
	Env             []string             `yaml:"env"`
	ProtocolTimeout string               `yaml:"protocol_timeout"`
	KillGrace       string               `yaml:"kill_grace"`
	BusyMargin      string               `yaml:"busy_margin"`
	EventBuffer     int                  `yaml:"event_buffer"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig declares retry options for collaborator calls.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
}

// CircuitBreakerConfig bounds tracer respawns per entry.
type CircuitBreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	ResetTimeout     string `yaml:"reset_timeout"`
}

// Collaborators selects how call sites, signatures and call arguments are found.
type Collaborators struct {
	Mode    string      `yaml:"mode"`
	Command CommandMode `yaml:"command"`
	HTTP    HTTPMode    `yaml:"http"`
	Static  string      `yaml:"static_file"`
	Retry   RetryConfig `yaml:"retry"`
}

type CommandMode struct {
	Interpreter string   `yaml:"interpreter"`
	Args        []string `yaml:"args"`
	Helper      string   `yaml:"helper"`
	Timeout     string   `yaml:"timeout"`
}

type HTTPMode struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// Storage configures where resolved arguments are persisted.
type Storage struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Coordination configures the busy lease held around each advance.
type Coordination struct {
	Mode        string `yaml:"mode"`
	Dir         string `yaml:"dir"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type Telemetry struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	AuditLog    string `yaml:"audit_log"`
	TraceOutput string `yaml:"trace_output"`
	OTel        OTel   `yaml:"otel"`
}

type OTel struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type Server struct {
	Addr string            `yaml:"addr"`
	TLS  security.TLSFiles `yaml:"tls"`
	// RBAC enforces the X-Role policy on the HTTP surface.
	RBAC bool `yaml:"rbac"`
}

// Load parses and validates a YAML config file.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("config: unmarshal %q: %w", path, err)
	}

	if err := Validate(f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate enforces structural correctness before runtime.
func Validate(f File) error {
	if strings.TrimSpace(f.RepoRoot) == "" {
		return ErrConfigNoRepoRoot
	}
	if strings.TrimSpace(f.Tracer.Script) == "" {
		return ErrConfigNoScript
	}

	for _, d := range []struct{ name, value string }{
		{"tracer.protocol_timeout", f.Tracer.ProtocolTimeout},
		{"tracer.kill_grace", f.Tracer.KillGrace},
		{"tracer.busy_margin", f.Tracer.BusyMargin},
		{"tracer.circuit_breaker.reset_timeout", f.Tracer.CircuitBreaker.ResetTimeout},
		{"collaborators.command.timeout", f.Collaborators.Command.Timeout},
		{"collaborators.http.timeout", f.Collaborators.HTTP.Timeout},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config: invalid %s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive", d.name)
		}
	}
	if f.Tracer.EventBuffer < 0 {
		return errors.New("config: tracer.event_buffer is negative")
	}
	if f.Tracer.CircuitBreaker.FailureThreshold < 0 {
		return errors.New("config: tracer.circuit_breaker.failure_threshold is negative")
	}

	if f.Collaborators.Retry.MaxAttempts < 0 {
		return errors.New("config: collaborators.retry.max_attempts is negative")
	}
	if f.Collaborators.Retry.Backoff != "" {
		if _, err := parseBackoff(f.Collaborators.Retry.Backoff); err != nil {
			return err
		}
	}
	switch f.Collaborators.Mode {
	case "", "static":
	case "command":
		if f.Collaborators.Command.Helper == "" {
			return errors.New("config: collaborators.command.helper is empty")
		}
	case "http":
		if f.Collaborators.HTTP.BaseURL == "" {
			return errors.New("config: collaborators.http.base_url is empty")
		}
	default:
		return fmt.Errorf("%w: collaborators.mode %q", ErrConfigUnknownValue, f.Collaborators.Mode)
	}

	switch f.Storage.Backend {
	case "", "memory":
	case "file":
		if f.Storage.Path == "" {
			return errors.New("config: storage.path is empty")
		}
	case "redis":
		if f.Storage.RedisURL == "" {
			return errors.New("config: storage.redis_url is empty")
		}
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrConfigUnknownValue, f.Storage.Backend)
	}

	switch f.Coordination.Mode {
	case "", "memory", "file":
	case "redis":
		if f.Coordination.RedisURL == "" {
			return errors.New("config: coordination.redis_url is empty")
		}
	default:
		return fmt.Errorf("%w: coordination.mode %q", ErrConfigUnknownValue, f.Coordination.Mode)
	}

	switch f.Telemetry.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: telemetry.log_format %q", ErrConfigUnknownValue, f.Telemetry.LogFormat)
	}

	if (f.Server.TLS.CertFile == "") != (f.Server.TLS.KeyFile == "") {
		return errors.New("config: server.tls requires both cert_file and key_file")
	}
	if f.Server.TLS.RequireClientCert && f.Server.TLS.CAFile == "" {
		return errors.New("config: server.tls.require_client_cert needs ca_file")
	}
	return nil
}

// RuntimeConfig overlays the tracer section of f onto base.
func (f File) RuntimeConfig(base linetrace.RuntimeConfig) linetrace.RuntimeConfig {
	t := f.Tracer
	if t.Interpreter != "" {
		base.Interpreter = t.Interpreter
	}
	if t.InterpreterArgs != nil {
		base.InterpreterArgs = append([]string(nil), t.InterpreterArgs...)
	}
	if t.Script != "" {
		base.Script = t.Script
	}
	if len(t.Env) > 0 {
		base.Env = append(append([]string(nil), base.Env...), t.Env...)
	}
	if d, err := time.ParseDuration(t.ProtocolTimeout); err == nil && d > 0 {
		base.ProtocolTimeout = d
	}
	if d, err := time.ParseDuration(t.KillGrace); err == nil && d > 0 {
		base.KillGrace = d
	}
	if d, err := time.ParseDuration(t.BusyMargin); err == nil && d > 0 {
		base.BusyMargin = d
	}
	if t.EventBuffer > 0 {
		base.EventBuffer = t.EventBuffer
	}
	if t.CircuitBreaker.FailureThreshold > 0 {
		base.CircuitBreaker.FailureThreshold = t.CircuitBreaker.FailureThreshold
	}
	if d, err := time.ParseDuration(t.CircuitBreaker.ResetTimeout); err == nil && d > 0 {
		base.CircuitBreaker.ResetTimeout = d
	}
	r := f.Collaborators.Retry
	if r.MaxAttempts > 0 {
		base.RetryPolicy.MaxAttempts = r.MaxAttempts
	}
	if b, err := parseBackoff(r.Backoff); err == nil {
		base.RetryPolicy.Backoff = b
	}
	return base
}

// RuntimeConfigFromFile loads path and overlays it on the environment config.
func RuntimeConfigFromFile(path string) (linetrace.RuntimeConfig, File, error) {
	f, err := Load(path)
	if err != nil {
		return linetrace.RuntimeConfig{}, File{}, err
	}
	return f.RuntimeConfig(FromEnv()), f, nil
}

// Duration parses an optional duration field, returning def when unset.
func Duration(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}

func parseBackoff(v string) (linetrace.BackoffStrategy, error) {
	switch b := linetrace.BackoffStrategy(strings.ToLower(strings.TrimSpace(v))); b {
	case linetrace.BackoffLinear, linetrace.BackoffExponential, linetrace.BackoffExponentialJitter:
		return b, nil
	default:
		return "", fmt.Errorf("%w %q", ErrConfigBadBackoff, v)
	}
}
