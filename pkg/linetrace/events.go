package linetrace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent   = errors.New("linetrace: unknown event kind")
	ErrMalformedEvent = errors.New("linetrace: malformed event")
)

// Event kinds as they appear in the "event" field on the wire.
const (
	KindLine  = "line"
	KindError = "error"
	KindBatch = "batch"
)

// Event is one message emitted by the tracer child. It is a closed union of
// *LineEvent, *ErrorEvent and *BatchEvent.
type Event interface {
	Kind() string
	isEvent()
}

// LineEvent reports that execution paused at a line.
type LineEvent struct {
	Filename       string           `json:"filename"`
	Function       string           `json:"function"`
	Line           int              `json:"line"`
	Locals         map[string]Value `json:"locals"`
	Globals        map[string]Value `json:"globals"`
	Flow           string           `json:"flow,omitempty"`
	EntryFullID    string           `json:"entry_full_id,omitempty"`
	ArgsKey        string           `json:"args_key,omitempty"`
	TargetLocation string           `json:"target_location,omitempty"`
}

// ErrorEvent reports an exception raised by the traced program.
type ErrorEvent struct {
	Error     string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
	Line      *int   `json:"line,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// BatchEvent carries a precomputed slice of intermediate steps of a flow.
type BatchEvent struct {
	Events []LineEvent `json:"events"`
}

func (*LineEvent) Kind() string  { return KindLine }
func (*ErrorEvent) Kind() string { return KindError }
func (*BatchEvent) Kind() string { return KindBatch }

func (*LineEvent) isEvent()  {}
func (*ErrorEvent) isEvent() {}
func (*BatchEvent) isEvent() {}

// Last returns the step the batch stopped at.
func (b *BatchEvent) Last() (LineEvent, bool) {
	if b == nil || len(b.Events) == 0 {
		return LineEvent{}, false
	}
	return b.Events[len(b.Events)-1], true
}

// wireEvent is the loose shape of every event line.
type wireEvent struct {
	Event string `json:"event"`
	LineEvent
	Events []json.RawMessage `json:"events"`
}

// DecodeEvent parses one diagnostic line into an Event.
func DecodeEvent(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrMalformedEvent
	}

	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch head.Event {
	case KindError:
		return decodeError(raw)
	case KindLine, KindBatch:
		var w wireEvent
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if len(w.Events) == 0 && head.Event == KindLine {
			le := w.LineEvent
			return &le, nil
		}
		batch := &BatchEvent{Events: make([]LineEvent, 0, len(w.Events)+1)}
		for _, item := range w.Events {
			step, err := decodeLine(item)
			if err != nil {
				return nil, err
			}
			batch.Events = append(batch.Events, step)
		}
		if w.Function != "" {
			batch.Events = append(batch.Events, w.LineEvent)
		}
		return batch, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Event)
	}
}

func decodeLine(raw []byte) (LineEvent, error) {
	var le LineEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&le); err != nil {
		return LineEvent{}, fmt.Errorf("%w: batch step: %v", ErrMalformedEvent, err)
	}
	return le, nil
}

func decodeError(raw []byte) (Event, error) {
	var w struct {
		Error     string `json:"error"`
		Traceback string `json:"traceback"`
		Line      *int   `json:"line"`
		Filename  string `json:"filename"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &ErrorEvent{Error: w.Error, Traceback: w.Traceback, Line: w.Line, Filename: w.Filename}, nil
}

// EncodeEvent renders ev in its wire form.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case *LineEvent:
		return json.Marshal(struct {
			Event string `json:"event"`
			*LineEvent
		}{KindLine, e})
	case *ErrorEvent:
		return json.Marshal(struct {
			Event string `json:"event"`
			*ErrorEvent
		}{KindError, e})
	case *BatchEvent:
		return json.Marshal(struct {
			Event string `json:"event"`
			*BatchEvent
		}{KindBatch, e})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

// Envelope lets an Event be embedded in JSON documents.
type Envelope struct {
	Event Event
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return []byte("null"), nil
	}
	return EncodeEvent(e.Event)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		e.Event = nil
		return nil
	}
	ev, err := DecodeEvent(b)
	if err != nil {
		return err
	}
	e.Event = ev
	return nil
}

// Decorate fills display coordinates the tracer left out. The tracer's own
// line numbering may differ from what the caller shows.
func Decorate(ev Event, line int, file string) Event {
	switch e := ev.(type) {
	case *LineEvent:
		if e.Line == 0 {
			e.Line = line
		}
		if e.Filename == "" {
			e.Filename = file
		}
	case *ErrorEvent:
		if e.Line == nil && line > 0 {
			l := line
			e.Line = &l
		}
		if e.Filename == "" {
			e.Filename = file
		}
	}
	return ev
}

// Relabel overwrites display coordinates, used when serving a cached event
// for a possibly different display position.
func Relabel(ev Event, line int, file string) Event {
	switch e := ev.(type) {
	case *LineEvent:
		if line > 0 {
			e.Line = line
		}
		if file != "" {
			e.Filename = file
		}
	case *ErrorEvent:
		if line > 0 {
			l := line
			e.Line = &l
		}
		if file != "" {
			e.Filename = file
		}
	}
	return ev
}
