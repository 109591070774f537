package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/your-org/linetrace/internal/security"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// FromEnv loads baseline tracer runtime config from environment with safe defaults.
func FromEnv() linetrace.RuntimeConfig {
	cfg := linetrace.RuntimeConfig{
		Interpreter:     "python3",
		InterpreterArgs: []string{"-u"},
		ProtocolTimeout: linetrace.DefaultProtocolTimeout,
		KillGrace:       linetrace.DefaultKillGrace,
		BusyMargin:      linetrace.DefaultBusyMargin,
		EventBuffer:     linetrace.DefaultEventBuffer,
		RetryPolicy: linetrace.RetryPolicy{
			MaxAttempts: 1,
			Backoff:     linetrace.BackoffLinear,
		},
	}

	if v := strings.TrimSpace(os.Getenv("LINETRACE_INTERPRETER")); v != "" {
		cfg.Interpreter = v
	}
	if v, ok := os.LookupEnv("LINETRACE_INTERPRETER_ARGS"); ok {
		cfg.InterpreterArgs = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv("LINETRACE_SCRIPT")); v != "" {
		cfg.Script = v
	}
	if d, ok := envDuration("LINETRACE_PROTOCOL_TIMEOUT"); ok {
		cfg.ProtocolTimeout = d
	}
	if d, ok := envDuration("LINETRACE_KILL_GRACE"); ok {
		cfg.KillGrace = d
	}
	if d, ok := envDuration("LINETRACE_BUSY_MARGIN"); ok {
		cfg.BusyMargin = d
	}
	if n, ok := envInt("LINETRACE_EVENT_BUFFER"); ok {
		cfg.EventBuffer = n
	}
	if n, ok := envInt("LINETRACE_RETRY_MAX_ATTEMPTS"); ok {
		cfg.RetryPolicy.MaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv("LINETRACE_RETRY_BACKOFF")); v != "" {
		if b, err := parseBackoff(v); err == nil {
			cfg.RetryPolicy.Backoff = b
		}
	}
	if n, ok := envInt("LINETRACE_BREAKER_THRESHOLD"); ok {
		cfg.CircuitBreaker.FailureThreshold = n
	}
	if d, ok := envDuration("LINETRACE_BREAKER_RESET"); ok {
		cfg.CircuitBreaker.ResetTimeout = d
	}

	return cfg
}

// FileFromEnv builds the non-tracer configuration sections from the
// environment, for runs without a config file. The tracer section stays
// empty; FromEnv covers it.
func FileFromEnv() File {
	f := File{
		RepoRoot: env("LINETRACE_REPO_ROOT"),
		Tracer:   TracerConfig{Script: env("LINETRACE_SCRIPT")},
		Collaborators: Collaborators{
			Mode: strings.ToLower(env("LINETRACE_COLLAB_MODE")),
			Command: CommandMode{
				Interpreter: env("LINETRACE_COLLAB_INTERPRETER"),
				Helper:      env("LINETRACE_COLLAB_HELPER"),
				Timeout:     env("LINETRACE_COLLAB_TIMEOUT"),
			},
			HTTP: HTTPMode{
				BaseURL: env("LINETRACE_COLLAB_URL"),
				Timeout: env("LINETRACE_COLLAB_TIMEOUT"),
			},
			Static: env("LINETRACE_COLLAB_STATIC"),
		},
		Storage: Storage{
			Backend:     strings.ToLower(env("LINETRACE_ARGSTORE")),
			Path:        env("LINETRACE_ARGSTORE_PATH"),
			RedisURL:    env("LINETRACE_ARGSTORE_REDIS_URL"),
			RedisPrefix: env("LINETRACE_ARGSTORE_REDIS_PREFIX"),
		},
		Coordination: Coordination{
			Mode:        strings.ToLower(env("COORDINATION_MODE")),
			Dir:         env("COORDINATION_DIR"),
			RedisURL:    env("COORDINATION_REDIS_URL"),
			RedisPrefix: env("COORDINATION_REDIS_PREFIX"),
		},
		Telemetry: Telemetry{
			LogLevel:    env("LOG_LEVEL"),
			LogFormat:   strings.ToLower(env("LOG_FORMAT")),
			AuditLog:    env("AUDIT_LOG_PATH"),
			TraceOutput: env("TRACE_OUTPUT"),
			OTel: OTel{
				Enabled:  envBool("TRACE_ENABLED"),
				Endpoint: env("TRACE_ENDPOINT"),
				Insecure: env("TRACE_INSECURE") == "" || envBool("TRACE_INSECURE"),
			},
		},
		Server: Server{
			Addr: env("LINETRACE_ADDR"),
			RBAC: envBool("LINETRACE_RBAC"),
			TLS: security.TLSFiles{
				CertFile:          env("LINETRACE_TLS_CERT_FILE"),
				KeyFile:           env("LINETRACE_TLS_KEY_FILE"),
				CAFile:            env("LINETRACE_TLS_CA_FILE"),
				RequireClientCert: envBool("LINETRACE_TLS_REQUIRE_CLIENT_CERT"),
			},
		},
	}
	if envBool("METRICS_ENABLED") {
		f.Telemetry.MetricsAddr = env("METRICS_ADDR")
		if f.Telemetry.MetricsAddr == "" {
			f.Telemetry.MetricsAddr = ":2112"
		}
	}
	if v := env("LINETRACE_COLLAB_ARGS"); v != "" {
		f.Collaborators.Command.Args = strings.Fields(v)
	}
	return f
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
