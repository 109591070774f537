// Package testutil provides a fake tracer child for tests. Test binaries
// re-execute themselves as the tracer: TestMain calls RunIfFakeTracer, and
// Config points the interpreter at the running test binary.
//
// The fake answers every stop with a line event whose locals are the entry's
// keyword arguments plus "step", the number of events this process has
// emitted. Answers to a symbolic stop location carry it as target_location.
// Entry functions with reserved names change its behavior:
//
//	hang     never answers
//	crash    prints a traceback to stderr and exits 3
//	boom     answers with an error event
//	batch    answers with a batch of three steps
//	chatty   emits one extra line event (line 99) after each answer
//	flood    emits FloodCount extra line events (line 99) after each answer
//	stubborn ignores the shutdown sentinel and stdin EOF; only SIGKILL ends it
//	oneshot  exits 0 right after its first answer
package testutil

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/your-org/linetrace/internal/entryid"
	"github.com/your-org/linetrace/pkg/linetrace"
)

const (
	EnvFakeTracer = "LINETRACE_FAKE_TRACER"
	EnvHelperLog  = "LINETRACE_HELPER_LOG"
	fakeScript    = "faketracer"

	// FloodCount is how many unsolicited events "flood" emits per answer.
	FloodCount = 100
)

// RunIfFakeTracer runs the fake tracer and exits when the process was started
// as one. It must be the first call in TestMain.
func RunIfFakeTracer() {
	if os.Getenv(EnvFakeTracer) != "1" {
		return
	}
	os.Exit(runFake(os.Args[1:]))
}

// Config returns a runtime config that spawns the fake tracer. When logPath
// is set the fake appends one line per lifecycle action to it.
func Config(protocolTimeout time.Duration, logPath string) linetrace.RuntimeConfig {
	env := []string{EnvFakeTracer + "=1"}
	if logPath != "" {
		env = append(env, EnvHelperLog+"="+logPath)
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return linetrace.RuntimeConfig{
		Interpreter:     exe,
		InterpreterArgs: []string{},
		Script:          fakeScript,
		Env:             env,
		ProtocolTimeout: protocolTimeout,
		KillGrace:       100 * time.Millisecond,
	}.WithDefaults()
}

// LogPath returns a fresh helper log location under t's temp dir.
func LogPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "tracer.log")
}

// ReadLog returns the lifecycle lines written by fake tracers.
func ReadLog(t testing.TB, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read helper log: %v", err)
	}
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

type fake struct {
	entry    string
	function string
	file     string
	kwargs   map[string]linetrace.Value
	step     int
	target   string

	logMu sync.Mutex
	log   *os.File
	out   *bufio.Writer
}

func runFake(argv []string) int {
	if len(argv) > 0 && argv[0] == fakeScript {
		argv = argv[1:]
	}
	fs := flag.NewFlagSet(fakeScript, flag.ContinueOnError)
	repoRoot := fs.String("repo_root", "", "")
	entry := fs.String("entry_full_id", "", "")
	argsJSON := fs.String("args_json", "{}", "")
	_ = fs.String("flow_name", "", "")
	stopLocation := fs.String("stop_location", "", "")
	stopLine := fs.Int("stop_line", 0, "")
	stopFile := fs.String("stop_file", "", "")
	if err := fs.Parse(argv); err != nil {
		fmt.Fprintln(os.Stderr, "fake tracer: bad arguments:", err)
		return 2
	}
	_ = repoRoot

	signal.Ignore(syscall.SIGTERM)

	file, _, err := entryid.Split(*entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fake tracer: error:", err)
		return 2
	}
	f := &fake{
		entry:    *entry,
		function: entryid.FunctionName(*entry),
		file:     file,
		out:      bufio.NewWriter(os.Stderr),
	}
	if args, err := linetrace.ParseArgs([]byte(*argsJSON)); err == nil {
		f.kwargs = args.Keyword
	}
	if p := os.Getenv(EnvHelperLog); p != "" {
		if lf, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			f.log = lf
			defer lf.Close()
		}
	}

	fmt.Fprintln(os.Stdout, "fake tracer starting")
	fmt.Fprintln(os.Stderr, "warming up, this line is not json")

	stop := *stopLocation
	f.target = *stopLocation
	if stop == "" {
		stop = f.function + ":" + strconv.Itoa(*stopLine)
	}
	f.logf("spawn %s %s", f.entry, stop)

	switch f.function {
	case "crash":
		fmt.Fprintln(os.Stderr, "Traceback (most recent call last):")
		fmt.Fprintln(os.Stderr, `  File "crash.py", line 2, in crash`)
		fmt.Fprintln(os.Stderr, "ValueError: bad input")
		return 3
	case "hang":
	default:
		fn, line := splitLocation(*stopLocation, f.function, *stopLine)
		filename := *stopFile
		if filename == "" {
			filename = f.file
		}
		f.answer(fn, line, filename)
	}
	if f.function == "oneshot" {
		return 0
	}

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for in.Scan() {
		text := strings.TrimSpace(in.Text())
		if text == linetrace.ShutdownSentinel {
			if f.function == "stubborn" {
				f.logf("sentinel ignored %s", f.entry)
				continue
			}
			f.logf("sentinel %s", f.entry)
			return 0
		}
		var c linetrace.ContinuationLine
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			fmt.Fprintln(os.Stderr, "fake tracer: ignoring", text)
			continue
		}
		f.logf("continue %s %s", f.entry, c.Location)
		f.target = c.Location
		if f.function == "hang" {
			continue
		}
		fn, line := splitLocation(c.Location, c.Function, c.Line)
		filename := c.File
		if filename == "" {
			filename = f.file
		}
		f.answer(fn, line, filename)
	}
	if f.function == "stubborn" {
		for {
			time.Sleep(time.Hour)
		}
	}
	return 0
}

func (f *fake) answer(fn string, line int, filename string) {
	switch f.function {
	case "boom":
		f.emit(&linetrace.ErrorEvent{Error: "ZeroDivisionError: division by zero", Traceback: "Traceback (most recent call last):\nZeroDivisionError"})
	case "batch":
		b := &linetrace.BatchEvent{}
		for i := 0; i < 3; i++ {
			f.step++
			b.Events = append(b.Events, f.lineEvent(fn, line-2+i, filename))
		}
		f.emit(b)
	default:
		f.step++
		le := f.lineEvent(fn, line, filename)
		le.TargetLocation = f.target
		f.emit(&le)

		extra := 0
		switch f.function {
		case "chatty":
			extra = 1
		case "flood":
			extra = FloodCount
		}
		for i := 0; i < extra; i++ {
			f.step++
			ev := f.lineEvent(fn, 99, filename)
			f.emit(&ev)
		}
	}
}

func (f *fake) lineEvent(fn string, line int, filename string) linetrace.LineEvent {
	locals := map[string]linetrace.Value{"step": f.step}
	for k, v := range f.kwargs {
		locals[k] = v
	}
	return linetrace.LineEvent{
		Filename:    filename,
		Function:    fn,
		Line:        line,
		Locals:      locals,
		Globals:     map[string]linetrace.Value{"__name__": strings.TrimSuffix(f.file, ".py")},
		EntryFullID: f.entry,
	}
}

func (f *fake) emit(ev linetrace.Event) {
	b, err := linetrace.EncodeEvent(ev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fake tracer: encode:", err)
		return
	}
	_, _ = f.out.Write(append(b, '\n'))
	_ = f.out.Flush()
}

func (f *fake) logf(format string, args ...any) {
	if f.log == nil {
		return
	}
	f.logMu.Lock()
	defer f.logMu.Unlock()
	fmt.Fprintf(f.log, format+"\n", args...)
}

func splitLocation(location, fn string, line int) (string, int) {
	if location == "" {
		return fn, line
	}
	name, n, err := entryid.ParseLocation(location)
	if err != nil {
		return fn, line
	}
	return name, n
}
