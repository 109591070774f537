package metrics

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/your-org/linetrace/internal/security"
)

// PrometheusRecorder reports runtime metrics using Prometheus primitives.
type PrometheusRecorder struct {
	advances     *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	spawns       *prometheus.CounterVec
	terminations *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
}

func NewPrometheusRecorder(registry *prometheus.Registry) (*PrometheusRecorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &PrometheusRecorder{
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linetrace_advances_total",
			Help: "Total number of session advances by outcome",
		}, []string{"entry_id", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linetrace_advance_duration_seconds",
			Help:    "Session advance latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"entry_id"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linetrace_tracer_spawns_total",
			Help: "Total tracer child processes started by entry",
		}, []string{"entry_id"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linetrace_tracer_terminations_total",
			Help: "Total tracer child processes terminated by entry",
		}, []string{"entry_id"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linetrace_argument_resolutions_total",
			Help: "Total argument resolutions by status",
		}, []string{"status"}),
	}

	for _, collector := range []prometheus.Collector{r.advances, r.durations, r.spawns, r.terminations, r.resolutions} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveAdvance(entryID string, outcome string, duration time.Duration) {
	r.advances.WithLabelValues(entryID, outcome).Inc()
	if outcome != OutcomeCacheHit {
		r.durations.WithLabelValues(entryID).Observe(duration.Seconds())
	}
}

func (r *PrometheusRecorder) ObserveSpawn(entryID string) {
	r.spawns.WithLabelValues(entryID).Inc()
}

func (r *PrometheusRecorder) ObserveTerminate(entryID string) {
	r.terminations.WithLabelValues(entryID).Inc()
}

// ObserveResolution is labelled by status only; function ids are unbounded.
func (r *PrometheusRecorder) ObserveResolution(_ string, status string) {
	r.resolutions.WithLabelValues(status).Inc()
}

func StartPrometheusServer(addr string, registry *prometheus.Registry) (*http.Server, error) {
	if addr == "" {
		addr = ":2112"
	}
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics endpoint %q: %w", addr, err)
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

// StartPrometheusServerTLS starts metrics endpoint with optional client-cert auth (mTLS).
func StartPrometheusServerTLS(addr string, registry *prometheus.Registry, tlsOpts security.TLSFiles) (*http.Server, error) {
	if addr == "" {
		addr = ":2112"
	}
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	tlsCfg, err := security.BuildServerTLSConfig(tlsOpts)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics endpoint %q: %w", addr, err)
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(tls.NewListener(ln, tlsCfg))
	}()
	return srv, nil
}

func StopServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
