package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/your-org/linetrace/internal/channel"
	"github.com/your-org/linetrace/pkg/linetrace"
)

const (
	tailLines     = 50
	maxEventBytes = 16 << 20
)

// process is one live tracer child bound to an entry and its arguments.
type process struct {
	cmd      *exec.Cmd
	entryID  string
	argsJSON string
	logger   zerolog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	// events carries answers to the outstanding request only. Everything
	// else goes to sink from the reader, which therefore never blocks on it.
	events chan linetrace.Event
	sink   func(linetrace.Event)
	quit   chan struct{}
	exited chan struct{}
	quitMu sync.Once
	retire sync.Once

	mu       sync.Mutex
	exitCode int
	lastErr  *linetrace.ErrorEvent
	tail     []string
	pending  bool
	target   string
	// stamped is set once an answer carried target_location; from then on
	// line events must carry the pending target to answer.
	stamped bool
}

// startProcess spawns the tracer described by spec. The spawn itself is the
// first outstanding request; sink receives every event that does not answer
// one.
func startProcess(spec linetrace.SpawnSpec, cfg linetrace.RuntimeConfig, logger zerolog.Logger, sink func(linetrace.Event)) (*process, error) {
	exe, args, err := spec.Argv()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = spec.RepoRoot
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", exe, err)
	}

	p := &process{
		cmd:      cmd,
		entryID:  spec.EntryFullID,
		argsJSON: spec.ArgsJSON,
		logger:   logger.With().Int("pid", cmd.Process.Pid).Logger(),
		stdin:    stdin,
		events:   channel.NewBufferedResultChannel[linetrace.Event](cfg.EventBuffer),
		sink:     sink,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		exitCode: -1,
		pending:  true,
		target:   spec.StopLocation,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readDiagnostics(stderr)
	}()
	go func() {
		defer readers.Done()
		p.readOutput(stdout)
	}()
	go func() {
		// Wait must not run before the pipe readers finish.
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitCode = exitCode(cmd, err)
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

// readDiagnostics decodes one event per stderr line. Anything that is not an
// event is logged and kept in the tail for exit diagnostics.
func (p *process) readDiagnostics(r io.Reader) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	for s.Scan() {
		line := s.Bytes()
		ev, err := linetrace.DecodeEvent(line)
		if err != nil {
			text := strings.TrimRight(string(line), "\r")
			if text != "" {
				p.addTail(text)
				p.logger.Debug().Str("stream", "stderr").Msg(text)
			}
			continue
		}
		if ee, ok := ev.(*linetrace.ErrorEvent); ok {
			p.mu.Lock()
			p.lastErr = ee
			p.mu.Unlock()
		}
		if !p.answers(ev) {
			if p.sink != nil {
				p.sink(ev)
			}
			continue
		}
		select {
		case p.events <- ev:
		case <-p.quit:
		}
	}
	if err := s.Err(); err != nil {
		p.logger.Warn().Err(err).Msg("diagnostic stream unreadable, discarding remainder")
		_, _ = io.Copy(io.Discard, r)
	}
}

// expect marks a request for target as outstanding. It must be called
// before the continuation is written.
func (p *process) expect(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = true
	p.target = target
}

// abandon clears the outstanding request after a failed write.
func (p *process) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = false
}

// answers reports whether ev fulfills the outstanding request and, if so,
// consumes it.
func (p *process) answers(ev linetrace.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return false
	}
	if le, ok := ev.(*linetrace.LineEvent); ok && p.target != "" {
		switch {
		case le.TargetLocation != "" && le.TargetLocation != p.target:
			return false
		case le.TargetLocation != "":
			p.stamped = true
		case p.stamped:
			return false
		}
	}
	p.pending = false
	return true
}

func (p *process) readOutput(r io.Reader) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	for s.Scan() {
		p.logger.Debug().Str("stream", "stdout").Msg(s.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *process) addTail(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > tailLines {
		p.tail = p.tail[len(p.tail)-tailLines:]
	}
}

func (p *process) code() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *process) writeLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return errors.New("stdin closed")
	}
	_, err := p.stdin.Write(line)
	return err
}

func (p *process) closeQuit() {
	p.quitMu.Do(func() { close(p.quit) })
}

// terminate runs the kill sequence: sentinel line, SIGTERM, then SIGKILL
// after grace. It returns once the process has been reaped or given up on.
func (p *process) terminate(grace time.Duration) {
	p.closeQuit()

	p.writeMu.Lock()
	if p.stdin != nil {
		_, _ = io.WriteString(p.stdin, linetrace.ShutdownSentinel+"\n")
		_ = p.stdin.Close()
		p.stdin = nil
	}
	p.writeMu.Unlock()

	if p.hasExited() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.exited:
		return
	case <-time.After(grace):
	}

	p.logger.Warn().Dur("grace", grace).Msg("tracer ignored shutdown, killing")
	_ = p.cmd.Process.Kill()
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		p.logger.Error().Msg("tracer not reaped after kill")
	}
}

var errorLike = regexp.MustCompile(`(?i)(error|exception|traceback|fatal|panic)`)

// exitError reconstructs why the process died: a captured error event first,
// then error-like diagnostic lines, then the bare exit code.
func (p *process) exitError() *ExitError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return reconstructExit(p.exitCode, p.lastErr, p.tail)
}

func reconstructExit(code int, lastErr *linetrace.ErrorEvent, tail []string) *ExitError {
	if lastErr != nil && lastErr.Error != "" {
		return &ExitError{Code: code, Message: lastErr.Error, Event: lastErr}
	}
	if lines := errorLikeTail(tail); len(lines) > 0 {
		return &ExitError{Code: code, Message: strings.Join(lines, "\n")}
	}
	return &ExitError{Code: code, Message: fmt.Sprintf("tracer exited with code %d", code)}
}

// errorLikeTail returns the last traceback in tail, or failing that the last
// few lines that look like errors.
func errorLikeTail(tail []string) []string {
	for i := len(tail) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(tail[i]), "Traceback (most recent call last)") {
			return append([]string(nil), tail[i:]...)
		}
	}
	var out []string
	for i := len(tail) - 1; i >= 0 && len(out) < 3; i-- {
		if errorLike.MatchString(tail[i]) {
			out = append([]string{tail[i]}, out...)
		}
	}
	return out
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
