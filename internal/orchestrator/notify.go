package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/your-org/linetrace/internal/session"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// Step reports an event delivered for a trace request. Background steps were
// emitted by the tracer between requests.
type Step struct {
	FlowID      string          `json:"flow_id,omitempty"`
	FlowName    string          `json:"flow_name,omitempty"`
	FunctionID  string          `json:"function"`
	DisplayLine int             `json:"display_line,omitempty"`
	Event       linetrace.Event `json:"-"`
	Background  bool            `json:"background,omitempty"`
}

// Failure reports a trace request that did not produce a step.
type Failure struct {
	FlowID      string    `json:"flow_id,omitempty"`
	FunctionID  string    `json:"function"`
	DisplayLine int       `json:"display_line,omitempty"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	// Event is the traced error event, when the tracer reported one.
	Event *linetrace.ErrorEvent `json:"-"`
}

// ArgumentsRequired asks the user for arguments no call site could supply.
type ArgumentsRequired struct {
	FlowID     string   `json:"flow_id,omitempty"`
	FunctionID string   `json:"function"`
	Params     []string `json:"params"`
}

// Notifier receives the outcome of every trace request.
type Notifier interface {
	NotifyStep(ctx context.Context, s Step)
	NotifyError(ctx context.Context, f Failure)
	NotifyArgumentsRequired(ctx context.Context, a ArgumentsRequired)
}

// BackgroundTo forwards session background events to n as background steps.
func BackgroundTo(n Notifier) session.BackgroundFunc {
	return func(entryID string, ev linetrace.Event) {
		n.NotifyStep(context.Background(), Step{FunctionID: entryID, Event: ev, Background: true})
	}
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) NotifyStep(_ context.Context, s Step) {
	e := n.logger.Info().Str("flow_id", s.FlowID).Str("function", s.FunctionID).Bool("background", s.Background)
	if ev, ok := s.Event.(*linetrace.LineEvent); ok {
		e = e.Str("filename", ev.Filename).Int("line", ev.Line)
	}
	e.Msg("step")
}

func (n *LogNotifier) NotifyError(_ context.Context, f Failure) {
	n.logger.Error().Str("flow_id", f.FlowID).Str("function", f.FunctionID).Str("kind", string(f.Kind)).Msg(f.Message)
}

func (n *LogNotifier) NotifyArgumentsRequired(_ context.Context, a ArgumentsRequired) {
	n.logger.Warn().Str("flow_id", a.FlowID).Str("function", a.FunctionID).Strs("params", a.Params).Msg("arguments required")
}

// JSONLNotifier writes one JSON object per notification.
type JSONLNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONLNotifier(w io.Writer) *JSONLNotifier {
	return &JSONLNotifier{w: w}
}

func (n *JSONLNotifier) NotifyStep(_ context.Context, s Step) {
	n.write(struct {
		Type string `json:"type"`
		Step
		Event linetrace.Envelope `json:"event"`
	}{"step", s, linetrace.Envelope{Event: s.Event}})
}

func (n *JSONLNotifier) NotifyError(_ context.Context, f Failure) {
	var ev linetrace.Envelope
	if f.Event != nil {
		ev.Event = f.Event
	}
	n.write(struct {
		Type string `json:"type"`
		Failure
		Event linetrace.Envelope `json:"event"`
	}{"error", f, ev})
}

func (n *JSONLNotifier) NotifyArgumentsRequired(_ context.Context, a ArgumentsRequired) {
	n.write(struct {
		Type string `json:"type"`
		ArgumentsRequired
	}{"arguments_required", a})
}

func (n *JSONLNotifier) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"type":"error","kind":"internal","message":%q}`, err.Error()))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = n.w.Write(append(b, '\n'))
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu        sync.Mutex
	steps     []Step
	failures  []Failure
	arguments []ArgumentsRequired
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) NotifyStep(_ context.Context, s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Event != nil {
		s.Event = linetrace.CloneEvent(s.Event)
	}
	r.steps = append(r.steps, s)
}

func (r *Recorder) NotifyError(_ context.Context, f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *Recorder) NotifyArgumentsRequired(_ context.Context, a ArgumentsRequired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.Params = append([]string(nil), a.Params...)
	r.arguments = append(r.arguments, a)
}

func (r *Recorder) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Step(nil), r.steps...)
}

func (r *Recorder) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

func (r *Recorder) ArgumentsRequired() []ArgumentsRequired {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ArgumentsRequired(nil), r.arguments...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps, r.failures, r.arguments = nil, nil, nil
}

// MultiNotifier fans notifications out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyStep(ctx context.Context, s Step) {
	for _, n := range m {
		if n != nil {
			n.NotifyStep(ctx, s)
		}
	}
}

func (m MultiNotifier) NotifyError(ctx context.Context, f Failure) {
	for _, n := range m {
		if n != nil {
			n.NotifyError(ctx, f)
		}
	}
}

func (m MultiNotifier) NotifyArgumentsRequired(ctx context.Context, a ArgumentsRequired) {
	for _, n := range m {
		if n != nil {
			n.NotifyArgumentsRequired(ctx, a)
		}
	}
}
