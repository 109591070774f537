package linetrace

import "encoding/json"

// CloneValue deep-copies a decoded JSON value.
func CloneValue(v Value) Value {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		// strings, json.Number, float64, bool and nil are immutable.
		return t
	}
}

func cloneMap(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

func cloneLine(in LineEvent) LineEvent {
	out := in
	out.Locals = cloneMap(in.Locals)
	out.Globals = cloneMap(in.Globals)
	return out
}

// CloneEvent returns a deep copy of ev sharing no mutable state with it.
func CloneEvent(ev Event) Event {
	switch e := ev.(type) {
	case *LineEvent:
		c := cloneLine(*e)
		return &c
	case *ErrorEvent:
		c := *e
		if e.Line != nil {
			l := *e.Line
			c.Line = &l
		}
		return &c
	case *BatchEvent:
		c := &BatchEvent{Events: make([]LineEvent, len(e.Events))}
		for i, le := range e.Events {
			c.Events[i] = cloneLine(le)
		}
		return c
	default:
		return ev
	}
}
