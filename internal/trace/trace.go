package trace

import (
	"time"

	"github.com/your-org/linetrace/pkg/linetrace"
)

// FlowTrace captures every step delivered for one flow, for replay/debug.
type FlowTrace struct {
	FlowID       string        `json:"flow_id"`
	FlowName     string        `json:"flow_name,omitempty"`
	RepoRoot     string        `json:"repo_root"`
	Steps        []Step        `json:"steps"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	TotalLatency time.Duration `json:"total_latency"`
}

// Step is a single advance of a flow.
type Step struct {
	Seq         int                `json:"seq"`
	FunctionID  string             `json:"function_id"`
	ArgsJSON    string             `json:"args_json"`
	Request     StepRequest        `json:"request"`
	DisplayLine int                `json:"display_line"`
	Event       linetrace.Envelope `json:"event"`
	Error       string             `json:"error,omitempty"`
	Duration    time.Duration      `json:"duration"`
}

// StepRequest is the persisted form of the linetrace.TraceRequest a step ran.
type StepRequest struct {
	FunctionName string `json:"function"`
	Line         int    `json:"line"`
	Location     string `json:"location"`
	FilePath     string `json:"file,omitempty"`
}

// RequestFor converts a step request back into a trace request of flow.
func (s Step) RequestFor(flowID, flowName string) linetrace.TraceRequest {
	return linetrace.TraceRequest{
		FlowID:       flowID,
		FlowName:     flowName,
		FunctionName: s.Request.FunctionName,
		Line:         s.Request.Line,
		Location:     s.Request.Location,
		FilePath:     s.Request.FilePath,
	}
}

// StepRequestFrom captures req for persistence.
func StepRequestFrom(req linetrace.TraceRequest) StepRequest {
	return StepRequest{
		FunctionName: req.FunctionName,
		Line:         req.Line,
		Location:     req.Location,
		FilePath:     req.FilePath,
	}
}
