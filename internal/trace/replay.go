package trace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

// AdvanceFn re-runs one recorded step and returns the event it produced.
type AdvanceFn func(ctx context.Context, step Step, req linetrace.TraceRequest) (linetrace.Event, error)

// ReplayAndCompare re-advances every recorded step in order and checks that
// each stops at the same place with the same variable state. A mismatch means
// the traced program is not safe to serve from cache.
func ReplayAndCompare(ctx context.Context, tr FlowTrace, timeout time.Duration, advance AdvanceFn) error {
	if len(tr.Steps) == 0 {
		return errors.New("trace replay: no steps to replay")
	}
	if timeout <= 0 {
		timeout = linetrace.DefaultProtocolTimeout
	}

	replayed := FlowTrace{FlowID: tr.FlowID, FlowName: tr.FlowName, RepoRoot: tr.RepoRoot, Steps: make([]Step, 0, len(tr.Steps))}
	for _, expected := range tr.Steps {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		ev, err := safeAdvance(advance, runCtx, expected, expected.RequestFor(tr.FlowID, tr.FlowName))
		cancel()

		actual := expected
		actual.Duration = time.Since(start)
		actual.Event = linetrace.Envelope{Event: ev}
		actual.Error = ""
		if err != nil {
			actual.Error = err.Error()
		}

		if expected.Error == "" && err != nil {
			if _, traced := ev.(*linetrace.ErrorEvent); !traced {
				return fmt.Errorf("trace replay: step %d unexpected error: %v", expected.Seq, err)
			}
		}
		replayed.Steps = append(replayed.Steps, actual)
	}

	if div := Compare(tr, replayed); len(div) > 0 {
		return fmt.Errorf("trace replay: %s", FormatDivergence(div))
	}
	return nil
}

func safeAdvance(fn AdvanceFn, ctx context.Context, step Step, req linetrace.TraceRequest) (ev linetrace.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("advance panic: %v", r)
		}
	}()
	return fn(ctx, step, req)
}
