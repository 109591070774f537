package linetrace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ShutdownSentinel written as a stdin line asks the tracer to exit.
const ShutdownSentinel = "0"

var ErrStopCriterion = errors.New("linetrace: exactly one stop criterion is required")

// SpawnSpec holds everything needed to start a tracer child.
type SpawnSpec struct {
	Interpreter     string
	InterpreterArgs []string
	Script          string
	RepoRoot        string
	EntryFullID     string
	ArgsJSON        string
	FlowName        string

	// Exactly one of StopLocation or StopLine must be set.
	StopLocation string
	StopLine     int
	StopFile     string
}

// Argv returns the interpreter executable and its arguments.
func (s SpawnSpec) Argv() (string, []string, error) {
	if s.Interpreter == "" {
		return "", nil, errors.New("linetrace: interpreter is empty")
	}
	if (s.StopLocation == "") == (s.StopLine <= 0) {
		return "", nil, ErrStopCriterion
	}
	if s.StopLocation != "" && s.StopFile != "" {
		return "", nil, fmt.Errorf("%w: stop_file only applies to stop_line", ErrStopCriterion)
	}

	args := append([]string(nil), s.InterpreterArgs...)
	if s.Script != "" {
		args = append(args, s.Script)
	}
	args = append(args,
		"--repo_root", s.RepoRoot,
		"--entry_full_id", s.EntryFullID,
		"--args_json", s.ArgsJSON,
	)
	if s.FlowName != "" {
		args = append(args, "--flow_name", s.FlowName)
	}
	if s.StopLocation != "" {
		args = append(args, "--stop_location", s.StopLocation)
	} else {
		args = append(args, "--stop_line", strconv.Itoa(s.StopLine))
		if s.StopFile != "" {
			args = append(args, "--stop_file", s.StopFile)
		}
	}
	return s.Interpreter, args, nil
}

// ContinuationLine is written to a live tracer's stdin to run it forward.
type ContinuationLine struct {
	Flow     string `json:"flow"`
	Location string `json:"location"`
	Function string `json:"function"`
	Line     int    `json:"line"`
	File     string `json:"file,omitempty"`
}

// ContinuationFor builds the continuation for req.
func ContinuationFor(req TraceRequest) ContinuationLine {
	return ContinuationLine{
		Flow:     req.FlowName,
		Location: req.Location,
		Function: req.FunctionName,
		Line:     req.Line,
		File:     req.FilePath,
	}
}

// Encode renders the continuation as one newline-terminated JSON line.
func (c ContinuationLine) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("linetrace: marshal continuation: %w", err)
	}
	return append(b, '\n'), nil
}
