package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/your-org/linetrace/internal/orchestrator"
	"github.com/your-org/linetrace/internal/security"
	"github.com/your-org/linetrace/pkg/linetrace"
)

const defaultAddr = ":8080"

// traceLineRequest is the body of POST /trace-line.
type traceLineRequest struct {
	Function      string                        `json:"function"`
	Line          int                           `json:"line"`
	StopLine      int                           `json:"stop_line,omitempty"`
	File          string                        `json:"file,omitempty"`
	Args          *linetrace.NormalisedCallArgs `json:"args,omitempty"`
	Parent        *orchestrator.Parent          `json:"parent,omitempty"`
	FlowID        string                        `json:"flow_id,omitempty"`
	FlowName      string                        `json:"flow_name,omitempty"`
	ContextSuffix string                        `json:"context_suffix,omitempty"`
}

type traceLineResponse struct {
	Status  string                          `json:"status"`
	Steps   []stepBody                      `json:"steps,omitempty"`
	Error   *failureBody                    `json:"error,omitempty"`
	Missing *orchestrator.ArgumentsRequired `json:"arguments_required,omitempty"`
}

type stepBody struct {
	orchestrator.Step
	Event linetrace.Envelope `json:"event"`
}

type failureBody struct {
	orchestrator.Failure
	Event linetrace.Envelope `json:"event"`
}

// Handler serves the linetrace HTTP surface over rt.
func Handler(rt *Runtime) http.Handler {
	policy := security.DefaultPolicy()
	allowed := func(w http.ResponseWriter, r *http.Request, action security.Action) bool {
		if !rt.Settings.Server.RBAC || policy.Authorize(r.Header.Get(security.RoleHeader), action) {
			return true
		}
		http.Error(w, "rbac denied", http.StatusForbidden)
		return false
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/trace-line", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !allowed(w, r, security.ActionTraceLine) {
			return
		}
		var body traceLineRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		notes := orchestrator.NewRecorder()
		err := rt.Orchestrator.TraceLine(r.Context(), orchestrator.Request{
			FunctionID:    body.Function,
			DisplayLine:   body.Line,
			StopLine:      body.StopLine,
			FilePath:      body.File,
			Args:          body.Args,
			Parent:        body.Parent,
			FlowID:        body.FlowID,
			FlowName:      body.FlowName,
			ContextSuffix: body.ContextSuffix,
			Notifier:      notes,
		})
		resp, status := traceLineResult(notes, err)
		writeJSON(w, status, resp)
	})
	mux.HandleFunc("/stop-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !allowed(w, r, security.ActionStopAll) {
			return
		}
		if err := rt.Orchestrator.StopAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !allowed(w, r, security.ActionInspect) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": rt.Registry.Describe()})
	})
	mux.HandleFunc("/flows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !allowed(w, r, security.ActionInspect) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flows": rt.Orchestrator.Flows()})
	})
	return mux
}

func traceLineResult(notes *orchestrator.Recorder, err error) (traceLineResponse, int) {
	resp := traceLineResponse{Status: "ok"}
	for _, s := range notes.Steps() {
		if !s.Background {
			resp.Steps = append(resp.Steps, stepBody{Step: s, Event: linetrace.Envelope{Event: s.Event}})
		}
	}
	if err == nil {
		return resp, http.StatusOK
	}

	if missing := notes.ArgumentsRequired(); len(missing) > 0 {
		resp.Status = "arguments_required"
		resp.Missing = &missing[len(missing)-1]
		return resp, http.StatusUnprocessableEntity
	}
	resp.Status = "error"
	if failures := notes.Failures(); len(failures) > 0 {
		f := failures[len(failures)-1]
		fb := &failureBody{Failure: f}
		if f.Event != nil {
			fb.Event.Event = f.Event
		}
		resp.Error = fb
	} else {
		resp.Error = &failureBody{Failure: orchestrator.Failure{Kind: orchestrator.Classify(err), Message: err.Error()}}
	}
	return resp, statusFor(err)
}

func statusFor(err error) int {
	if errors.Is(err, orchestrator.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	switch orchestrator.Classify(err) {
	case orchestrator.KindBusy:
		return http.StatusConflict
	case orchestrator.KindProtocolTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.KindMissingArguments:
		return http.StatusUnprocessableEntity
	case orchestrator.KindTracedError, orchestrator.KindCircularDependency:
		return http.StatusOK
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StartServer serves Handler(rt) on addr until ctx is done.
func StartServer(ctx context.Context, rt *Runtime, addr string) error {
	if addr == "" {
		addr = defaultAddr
	}
	s := &http.Server{Addr: addr, Handler: Handler(rt), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	return s.ListenAndServe()
}

// StartServerTLS is StartServer over TLS, optionally requiring client certs.
func StartServerTLS(ctx context.Context, rt *Runtime, addr string, files security.TLSFiles) error {
	if addr == "" {
		addr = defaultAddr
	}
	cfg, err := security.BuildServerTLSConfig(files)
	if err != nil {
		return err
	}
	s := &http.Server{Addr: addr, Handler: Handler(rt), ReadHeaderTimeout: 5 * time.Second, TLSConfig: cfg}
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return fmt.Errorf("linetraced tls listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve builds a Runtime from opts and serves it until ctx is done, then
// stops every tracer.
func Serve(ctx context.Context, opts Options) (retErr error) {
	rt, err := Build(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cErr := rt.Close(shutdownCtx); cErr != nil && retErr == nil {
			retErr = cErr
		}
	}()

	rt.Logger.Info().Str("addr", rt.Settings.Server.Addr).Str("repo_root", rt.Settings.RepoRoot).Msg("linetraced listening")
	if rt.Settings.Server.TLS.CertFile != "" {
		err = StartServerTLS(ctx, rt, rt.Settings.Server.Addr, rt.Settings.Server.TLS)
	} else {
		err = StartServer(ctx, rt, rt.Settings.Server.Addr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
