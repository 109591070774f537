package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

// Recorder captures the steps of one flow and finalizes them in delivery order.
type Recorder struct {
	mu    sync.Mutex
	trace FlowTrace
}

func NewRecorder(flowID, flowName, repoRoot string, start time.Time) *Recorder {
	return &Recorder{trace: FlowTrace{FlowID: flowID, FlowName: flowName, RepoRoot: repoRoot, StartTime: start}}
}

// AddStep appends step, assigning its sequence number. The event is cloned so
// later mutation by the caller does not leak into the record.
func (r *Recorder) AddStep(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if step.Event.Event != nil {
		step.Event = linetrace.Envelope{Event: linetrace.CloneEvent(step.Event.Event)}
	}
	step.Seq = len(r.trace.Steps) + 1
	r.trace.Steps = append(r.trace.Steps, step)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trace.Steps)
}

func (r *Recorder) Finalize(end time.Time) FlowTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := FlowTrace{
		FlowID:       r.trace.FlowID,
		FlowName:     r.trace.FlowName,
		RepoRoot:     r.trace.RepoRoot,
		StartTime:    r.trace.StartTime,
		EndTime:      end,
		TotalLatency: end.Sub(r.trace.StartTime),
		Steps:        make([]Step, len(r.trace.Steps)),
	}
	for i, s := range r.trace.Steps {
		if s.Event.Event != nil {
			s.Event = linetrace.Envelope{Event: linetrace.CloneEvent(s.Event.Event)}
		}
		out.Steps[i] = s
	}

	sort.SliceStable(out.Steps, func(i, j int) bool {
		return out.Steps[i].Seq < out.Steps[j].Seq
	})
	return out
}

// Book keeps one Recorder per flow id.
type Book struct {
	mu       sync.Mutex
	repoRoot string
	flows    map[string]*Recorder
	now      func() time.Time
}

func NewBook(repoRoot string) *Book {
	return &Book{repoRoot: repoRoot, flows: make(map[string]*Recorder), now: time.Now}
}

// Flow returns the recorder for flowID, creating it on first use.
func (b *Book) Flow(flowID, flowName string) *Recorder {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.flows[flowID]
	if !ok {
		r = NewRecorder(flowID, flowName, b.repoRoot, b.now())
		b.flows[flowID] = r
	}
	return r
}

// Snapshot finalizes every recorded flow, ordered by flow id.
func (b *Book) Snapshot() []FlowTrace {
	b.mu.Lock()
	recs := make([]*Recorder, 0, len(b.flows))
	for _, r := range b.flows {
		recs = append(recs, r)
	}
	b.mu.Unlock()

	end := b.now()
	out := make([]FlowTrace, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Finalize(end))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}
