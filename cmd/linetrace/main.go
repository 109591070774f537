package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/linetrace/internal/app"
	"github.com/your-org/linetrace/internal/orchestrator"
	"github.com/your-org/linetrace/internal/resolver"
	"github.com/your-org/linetrace/internal/version"
)

// Exit codes.
const (
	exitOK                = 0
	exitFailure           = 1
	exitUsage             = 2
	exitArgumentsRequired = 3
	exitTracedError       = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	if len(argv) == 0 {
		usage(stderr)
		return exitUsage
	}

	command, rest := argv[0], argv[1:]
	switch command {
	case "-v", "--version", "version":
		_, _ = fmt.Fprintln(stdout, version.String())
		return exitOK
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	}

	var err error
	switch command {
	case "trace":
		err = runTrace(ctx, rest, stdout, stderr)
	case "resolve":
		err = runResolve(ctx, rest, stdout, stderr)
	case "validate":
		fs := newFlagSet("validate", stderr)
		path := fs.String("config", "linetrace.yaml", "config file")
		if err = fs.Parse(rest); err == nil {
			err = app.ValidateConfig(*path, stdout)
		}
	case "replay":
		fs := newFlagSet("replay", stderr)
		opts := optionFlags(fs)
		if err = fs.Parse(rest); err == nil {
			if fs.NArg() != 1 {
				err = usageError("replay needs exactly one trace file")
			} else {
				err = app.Replay(ctx, *opts, fs.Arg(0), stdout)
			}
		}
	case "debug":
		fs := newFlagSet("debug", stderr)
		if err = fs.Parse(rest); err == nil {
			if fs.NArg() != 2 {
				err = usageError("debug needs an expected and an actual trace file")
			} else {
				err = app.DebugTrace(fs.Arg(0), fs.Arg(1), stdout)
			}
		}
	case "audit-export":
		fs := newFlagSet("audit-export", stderr)
		output := fs.String("o", "audit.csv", "output csv")
		if err = fs.Parse(rest); err == nil {
			if fs.NArg() != 1 {
				err = usageError("audit-export needs one audit log")
			} else {
				err = app.ExportAudit(fs.Arg(0), *output, stdout)
			}
		}
	default:
		usage(stderr)
		return exitUsage
	}
	return exitCode(command, err, stderr)
}

func runTrace(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("trace", stderr)
	opts := optionFlags(fs)
	var args app.TraceArgs
	fs.IntVar(&args.Line, "line", 0, "display line to stop at")
	fs.IntVar(&args.StopLine, "stop-line", 0, "tracer line to stop at, when it differs from -line")
	fs.StringVar(&args.File, "file", "", "file the line belongs to")
	fs.StringVar(&args.ArgsJSON, "args", "", `call arguments as {"args":[...],"kwargs":{...}}`)
	fs.StringVar(&args.Parent, "parent", "", "caller call line as file.py::caller:line")
	fs.StringVar(&args.FlowName, "flow", "", "flow name")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("trace needs exactly one function id")
	}
	args.FunctionID = fs.Arg(0)
	return app.Trace(ctx, *opts, args, stdout)
}

func runResolve(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("resolve", stderr)
	opts := optionFlags(fs)
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("resolve needs exactly one function id")
	}
	return app.Resolve(ctx, *opts, fs.Arg(0), stdout)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func optionFlags(fs *flag.FlagSet) *app.Options {
	opts := &app.Options{}
	fs.StringVar(&opts.ConfigPath, "config", "", "config file; environment when empty")
	fs.StringVar(&opts.RepoRoot, "repo", "", "repository root; overrides the config")
	return opts
}

type usageError string

func (e usageError) Error() string { return string(e) }

func exitCode(command string, err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	_, _ = fmt.Fprintf(stderr, "linetrace %s failed: %v\n", command, err)

	var ue usageError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.Is(err, resolver.ErrMissingArguments):
		return exitArgumentsRequired
	case orchestrator.Classify(err) == orchestrator.KindTracedError:
		return exitTracedError
	default:
		return exitFailure
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: linetrace <trace|resolve|validate|replay|debug|audit-export|version> [flags] [args]")
}
