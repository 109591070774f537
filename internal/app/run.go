package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/your-org/linetrace/internal/config"
	"github.com/your-org/linetrace/internal/orchestrator"
	"github.com/your-org/linetrace/internal/trace"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// TraceArgs is one "trace" invocation.
type TraceArgs struct {
	FunctionID string
	Line       int
	StopLine   int
	File       string
	// ArgsJSON, when set, supplies the call arguments as
	// {"args": [...], "kwargs": {...}}.
	ArgsJSON string
	// Parent is "file.py::caller:line", the call line the function was
	// stepped into from.
	Parent   string
	FlowName string
}

// Request converts the invocation into an orchestrator request.
func (a TraceArgs) Request() (orchestrator.Request, error) {
	req := orchestrator.Request{
		FunctionID:  a.FunctionID,
		DisplayLine: a.Line,
		StopLine:    a.StopLine,
		FilePath:    a.File,
		FlowName:    a.FlowName,
	}
	if a.ArgsJSON != "" {
		args, err := linetrace.ParseArgs([]byte(a.ArgsJSON))
		if err != nil {
			return orchestrator.Request{}, err
		}
		req.Args = &args
	}
	if a.Parent != "" {
		p, err := ParseParent(a.Parent)
		if err != nil {
			return orchestrator.Request{}, err
		}
		req.Parent = &p
	}
	return req, nil
}

// ParseParent parses "file.py::caller:line".
func ParseParent(v string) (orchestrator.Parent, error) {
	i := strings.LastIndex(v, ":")
	if i <= 0 || strings.HasSuffix(v[:i], ":") {
		return orchestrator.Parent{}, fmt.Errorf("parent %q: want file.py::function:line", v)
	}
	line, err := strconv.Atoi(v[i+1:])
	if err != nil || line <= 0 {
		return orchestrator.Parent{}, fmt.Errorf("parent %q: bad line", v)
	}
	return orchestrator.Parent{FunctionID: v[:i], Line: line}, nil
}

// Trace runs one trace request, writing notifications to out as JSON lines.
func Trace(ctx context.Context, opts Options, args TraceArgs, out io.Writer) (retErr error) {
	req, err := args.Request()
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	opts.Notifier = orchestrator.NewJSONLNotifier(out)
	rt, err := Build(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := rt.Close(context.Background()); cErr != nil && retErr == nil {
			retErr = cErr
		}
	}()
	return rt.Orchestrator.TraceLine(ctx, req)
}

// Resolve prints the arguments derived for functionID.
func Resolve(ctx context.Context, opts Options, functionID string, out io.Writer) (retErr error) {
	rt, err := Build(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := rt.Close(context.Background()); cErr != nil && retErr == nil {
			retErr = cErr
		}
	}()

	args, err := rt.Resolver.Resolve(ctx, functionID)
	if err != nil {
		return err
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("resolve: marshal: %w", err)
	}
	_, _ = fmt.Fprintln(out, string(b))
	return nil
}

// ValidateConfig loads and validates a config file only.
func ValidateConfig(path string, out io.Writer) error {
	f, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	cfg := f.RuntimeConfig(config.FromEnv()).WithDefaults()
	_, _ = fmt.Fprintf(out, "config is valid: %s (repo_root=%s protocol_timeout=%s busy_timeout=%s)\n",
		path, f.RepoRoot, cfg.ProtocolTimeout, cfg.BusyTimeout())
	return nil
}

// Replay re-advances every step of a recorded flow in fresh tracers and
// compares the outcome with the recording.
func Replay(ctx context.Context, opts Options, tracePath string, out io.Writer) (retErr error) {
	tr, err := trace.LoadFromFile(tracePath)
	if err != nil {
		return fmt.Errorf("load trace: %w", err)
	}
	if opts.RepoRoot == "" {
		opts.RepoRoot = tr.RepoRoot
	}
	rt, err := Build(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := rt.Close(context.Background()); cErr != nil && retErr == nil {
			retErr = cErr
		}
	}()

	advance := func(ctx context.Context, step trace.Step, req linetrace.TraceRequest) (linetrace.Event, error) {
		if step.FunctionID == "" {
			return nil, errors.New("recorded step has no function")
		}
		sess := rt.Registry.Get(rt.Settings.RepoRoot, step.FunctionID, step.ArgsJSON)
		return sess.AdvanceTo(ctx, step.FunctionID, step.ArgsJSON, req, step.DisplayLine, req.FilePath, "")
	}
	if err := trace.ReplayAndCompare(ctx, tr, rt.Config.ProtocolTimeout, advance); err != nil {
		return fmt.Errorf("replay compare failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "replay matched recorded state for %d step(s)\n", len(tr.Steps))
	return nil
}
