package state

import "context"

type contextKey string

const flowKey contextKey = "linetrace_flow"

// Flow is immutable request-scoped identity of one tracing flow.
type Flow struct {
	FlowID   string
	FlowName string
	Entry    string
}

func ToContext(ctx context.Context, f Flow) context.Context {
	return context.WithValue(ctx, flowKey, f)
}

func FromContext(ctx context.Context) (Flow, bool) {
	f, ok := ctx.Value(flowKey).(Flow)
	return f, ok
}
