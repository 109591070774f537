package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/your-org/linetrace/internal/argstore"
	"github.com/your-org/linetrace/internal/audit"
	"github.com/your-org/linetrace/internal/collab"
	"github.com/your-org/linetrace/internal/config"
	"github.com/your-org/linetrace/internal/coordinator"
	"github.com/your-org/linetrace/internal/logging"
	"github.com/your-org/linetrace/internal/metrics"
	"github.com/your-org/linetrace/internal/orchestrator"
	"github.com/your-org/linetrace/internal/redisconn"
	"github.com/your-org/linetrace/internal/registry"
	"github.com/your-org/linetrace/internal/resolver"
	"github.com/your-org/linetrace/internal/retry"
	"github.com/your-org/linetrace/internal/session"
	"github.com/your-org/linetrace/internal/snapshot"
	"github.com/your-org/linetrace/internal/trace"
	"github.com/your-org/linetrace/pkg/linetrace"
)

const serviceName = "linetrace"

// Options selects where a Runtime takes its configuration from.
type Options struct {
	// ConfigPath names a YAML config file. Without one, everything comes
	// from the environment.
	ConfigPath string
	// RepoRoot overrides the configured repository root.
	RepoRoot string
	// Notifier receives every notification in addition to the log.
	Notifier orchestrator.Notifier
	// Collaborators overrides the configured collaborators.
	Collaborators collab.Collaborators
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Runtime is one fully wired linetrace host.
type Runtime struct {
	Settings     config.File
	Config       linetrace.RuntimeConfig
	Logger       zerolog.Logger
	Registry     *registry.Registry
	Resolver     *resolver.Resolver
	Orchestrator *orchestrator.Orchestrator
	Args         argstore.Store
	Snapshots    *snapshot.Store
	Metrics      *metrics.InMemoryRecorder
	// Prometheus is nil unless a metrics address is configured.
	Prometheus *prometheus.Registry

	otel          trace.OTelRuntime
	metricsServer *http.Server
	// redis is set when the argument store and coordinator share a server.
	redis     redis.UniversalClient
	closeOnce sync.Once
	closeErr  error
}

// LoadSettings reads the config file when given, else the environment.
func LoadSettings(opts Options) (config.File, linetrace.RuntimeConfig, error) {
	var (
		f   config.File
		cfg linetrace.RuntimeConfig
		err error
	)
	if opts.ConfigPath != "" {
		cfg, f, err = config.RuntimeConfigFromFile(opts.ConfigPath)
		if err != nil {
			return config.File{}, linetrace.RuntimeConfig{}, err
		}
	} else {
		f = config.FileFromEnv()
		cfg = config.FromEnv()
	}
	if opts.RepoRoot != "" {
		f.RepoRoot = opts.RepoRoot
	}
	if f.RepoRoot == "" {
		if wd, wdErr := os.Getwd(); wdErr == nil {
			f.RepoRoot = wd
		}
	}
	if abs, absErr := filepath.Abs(f.RepoRoot); absErr == nil {
		f.RepoRoot = abs
	}
	if err := config.Validate(f); err != nil {
		return config.File{}, linetrace.RuntimeConfig{}, err
	}
	return f, cfg.WithDefaults(), nil
}

// Build wires a Runtime. Close must be called to stop tracers and flush
// telemetry.
func Build(ctx context.Context, opts Options) (*Runtime, error) {
	f, cfg, err := LoadSettings(opts)
	if err != nil {
		return nil, err
	}

	logOut := opts.LogOutput
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := logging.New(f.Telemetry.LogLevel, f.Telemetry.LogFormat, logOut)

	rt := &Runtime{Settings: f, Config: cfg, Logger: logger, Metrics: metrics.NewInMemoryRecorder()}

	rt.otel, err = trace.SetupOTel(ctx, trace.OTelConfig{
		Enabled:     f.Telemetry.OTel.Enabled,
		ServiceName: serviceName,
		Endpoint:    f.Telemetry.OTel.Endpoint,
		Insecure:    f.Telemetry.OTel.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	rec := metrics.Recorder(rt.Metrics)
	if addr := f.Telemetry.MetricsAddr; addr != "" {
		rt.Prometheus = prometheus.NewRegistry()
		prom, err := metrics.NewPrometheusRecorder(rt.Prometheus)
		if err != nil {
			_ = rt.otel.Shutdown(ctx)
			return nil, fmt.Errorf("setup prometheus recorder: %w", err)
		}
		rec = metrics.NewMultiRecorder(rt.Metrics, prom)
		if f.Server.TLS.CertFile != "" {
			rt.metricsServer, err = metrics.StartPrometheusServerTLS(addr, rt.Prometheus, f.Server.TLS)
		} else {
			rt.metricsServer, err = metrics.StartPrometheusServer(addr, rt.Prometheus)
		}
		if err != nil {
			_ = rt.otel.Shutdown(ctx)
			return nil, fmt.Errorf("start metrics endpoint: %w", err)
		}
	}

	cleanup := func() {
		_ = metrics.StopServer(context.Background(), rt.metricsServer)
		_ = rt.otel.Shutdown(context.Background())
		if rt.redis != nil {
			_ = rt.redis.Close()
		}
	}

	collabs := opts.Collaborators
	if collabs == nil {
		collabs, err = buildCollaborators(f, cfg, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	if shared := sharedRedisURL(f); shared != "" {
		rt.redis, err = redisconn.Dial(ctx, shared)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("redis: %w", err)
		}
	}
	rt.Args, err = argstore.New(argstore.Options{
		Backend:     argstore.Backend(f.Storage.Backend),
		Path:        f.Storage.Path,
		RedisURL:    f.Storage.RedisURL,
		RedisPrefix: f.Storage.RedisPrefix,
		RedisClient: rt.redis,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("argument store: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Mode:        coordinator.Mode(f.Coordination.Mode),
		Dir:         f.Coordination.Dir,
		RedisURL:    f.Coordination.RedisURL,
		RedisPrefix: f.Coordination.RedisPrefix,
		RedisClient: rt.redis,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("coordination: %w", err)
	}

	notifier := orchestrator.Notifier(orchestrator.NewLogNotifier(logger))
	if opts.Notifier != nil {
		notifier = orchestrator.MultiNotifier{notifier, opts.Notifier}
	}

	rt.Registry = registry.New(cfg,
		session.WithLogger(logger),
		session.WithMetrics(rec),
		session.WithTracer(rt.otel.Tracer),
		session.WithBackground(orchestrator.BackgroundTo(notifier)),
		session.WithCircuitBreaker(retry.NewCircuitBreaker()),
	)
	rt.Snapshots = snapshot.NewStore()
	rt.Resolver = resolver.New(f.RepoRoot, collabs, rt.Registry, rt.Args, rt.Snapshots,
		resolver.WithLogger(logger),
		resolver.WithMetrics(rec),
		resolver.WithTracer(rt.otel.Tracer),
	)
	rt.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		RepoRoot:    f.RepoRoot,
		Config:      cfg,
		Registry:    rt.Registry,
		Resolver:    rt.Resolver,
		Args:        rt.Args,
		Snapshots:   rt.Snapshots,
		Coordinator: coord,
		Notifier:    notifier,
		Audit:       audit.NewLogger(f.Telemetry.AuditLog),
		Flows:       trace.NewBook(f.RepoRoot),
		Logger:      logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	rt.Orchestrator.SetTracer(rt.otel.Tracer)
	rt.Orchestrator.SetMetricsRecorder(rec)

	logger.Debug().
		Str("repo_root", f.RepoRoot).
		Str("interpreter", cfg.Interpreter).
		Str("script", cfg.Script).
		Dur("protocol_timeout", cfg.ProtocolTimeout).
		Dur("busy_timeout", cfg.BusyTimeout()).
		Msg("runtime ready")
	return rt, nil
}

// sharedRedisURL returns the redis URL when both the argument store and the
// coordinator use the same server, so one client serves both.
func sharedRedisURL(f config.File) string {
	if !strings.EqualFold(f.Storage.Backend, string(argstore.BackendRedis)) ||
		!strings.EqualFold(f.Coordination.Mode, string(coordinator.ModeRedis)) {
		return ""
	}
	if f.Storage.RedisURL == "" || f.Storage.RedisURL != f.Coordination.RedisURL {
		return ""
	}
	return f.Storage.RedisURL
}

// Close stops every tracer, persists recorded flows when configured and
// shuts telemetry down. It is safe to call more than once.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if err := r.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sessions: %w", err))
		}
		if path := r.Settings.Telemetry.TraceOutput; path != "" {
			if err := SaveFlows(path, r.Orchestrator.Flows()); err != nil {
				errs = append(errs, fmt.Errorf("persist flows: %w", err))
			}
		}
		if err := metrics.StopServer(ctx, r.metricsServer); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics endpoint: %w", err))
		}
		if err := r.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop tracing: %w", err))
		}
		if r.redis != nil {
			if err := r.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// SaveFlows writes flows to path. With more than one flow, each goes to its
// own file named after the flow id.
func SaveFlows(path string, flows []trace.FlowTrace) error {
	if len(flows) == 1 {
		return trace.SaveToFile(path, flows[0])
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for _, fl := range flows {
		if err := trace.SaveToFile(base+"-"+fl.FlowID+ext, fl); err != nil {
			return err
		}
	}
	return nil
}

func buildCollaborators(f config.File, cfg linetrace.RuntimeConfig, logger zerolog.Logger) (collab.Collaborators, error) {
	c := f.Collaborators
	switch c.Mode {
	case "command":
		interpreter := c.Command.Interpreter
		if interpreter == "" {
			interpreter = cfg.Interpreter
		}
		return &collab.Command{
			Interpreter: interpreter,
			Args:        c.Command.Args,
			Helper:      c.Command.Helper,
			Dir:         f.RepoRoot,
			Timeout:     config.Duration(c.Command.Timeout, 30*time.Second),
			Retry:       cfg.RetryPolicy,
			Logger:      logging.Component(logger, "collab"),
		}, nil
	case "http":
		client := &http.Client{Timeout: config.Duration(c.HTTP.Timeout, 30*time.Second)}
		return collab.NewHTTP(c.HTTP.BaseURL, client, cfg.RetryPolicy), nil
	default:
		if c.Static == "" {
			return collab.NewStatic(), nil
		}
		s, err := collab.LoadStatic(c.Static)
		if err != nil {
			return nil, fmt.Errorf("static collaborators: %w", err)
		}
		return s, nil
	}
}
