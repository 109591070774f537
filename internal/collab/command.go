package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/your-org/linetrace/internal/retry"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// Operation names shared by the command and HTTP transports.
const (
	OpCallSites = "call-sites"
	OpSignature = "signature"
	OpExtract   = "extract-arguments"
)

type callSitesRequest struct {
	RepoRoot   string `json:"repo_root"`
	FunctionID string `json:"function_id"`
}

type extractRequest struct {
	RepoRoot         string                     `json:"repo_root"`
	NestedFunctionID string                     `json:"nested_function_id"`
	ParentFile       string                     `json:"parent_file"`
	CallLine         int                        `json:"call_line"`
	Locals           map[string]linetrace.Value `json:"locals"`
	Globals          map[string]linetrace.Value `json:"globals"`
	CallingContext   CallSite                   `json:"calling_context"`
}

func newExtractRequest(repoRoot string, site CallSite, called string, snap linetrace.ExecutionContext) extractRequest {
	return extractRequest{
		RepoRoot:         repoRoot,
		NestedFunctionID: called,
		ParentFile:       site.File,
		CallLine:         site.StopLine(),
		Locals:           snap.Locals,
		Globals:          snap.Globals,
		CallingContext:   site,
	}
}

type callSitesResponse struct {
	CallSites []CallSite `json:"call_sites"`
}

// Command runs an introspection helper as "<interpreter> <args> <helper> <op>"
// with one JSON request on stdin and one JSON response on stdout.
type Command struct {
	Interpreter string
	Args        []string
	Helper      string
	Dir         string
	Timeout     time.Duration
	Retry       linetrace.RetryPolicy
	Logger      zerolog.Logger
}

func (c *Command) FindCallSites(ctx context.Context, repoRoot, functionID string) ([]CallSite, error) {
	var resp callSitesResponse
	if err := c.call(ctx, OpCallSites, callSitesRequest{RepoRoot: repoRoot, FunctionID: functionID}, &resp); err != nil {
		return nil, err
	}
	return resp.CallSites, nil
}

func (c *Command) FunctionSignature(ctx context.Context, repoRoot, functionID string) (Signature, error) {
	var sig Signature
	if err := c.call(ctx, OpSignature, callSitesRequest{RepoRoot: repoRoot, FunctionID: functionID}, &sig); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

func (c *Command) ExtractCallArguments(ctx context.Context, repoRoot string, site CallSite, called string, snap linetrace.ExecutionContext) (Extraction, error) {
	var out Extraction
	if err := c.call(ctx, OpExtract, newExtractRequest(repoRoot, site, called, snap), &out); err != nil {
		return Extraction{}, err
	}
	return out, nil
}

func (c *Command) call(ctx context.Context, op string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("collab: marshal %s request: %w", op, err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interpreter := c.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	return retry.Execute(ctx, c.Retry, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		args := append(append([]string(nil), c.Args...), c.Helper, op)
		cmd := exec.CommandContext(runCtx, interpreter, args...)
		cmd.Dir = c.Dir
		cmd.Stdin = bytes.NewReader(payload)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			c.Logger.Warn().Err(err).Str("op", op).Str("stderr", strings.TrimSpace(stderr.String())).Msg("collaborator helper failed")
			var ee *exec.ExitError
			if !errors.As(err, &ee) && runCtx.Err() == nil {
				// The helper could not be started at all.
				return retry.NonRetryable(fmt.Errorf("collab: run %s: %w", op, err))
			}
			return fmt.Errorf("collab: %s: %w: %s", op, err, strings.TrimSpace(stderr.String()))
		}
		dec := json.NewDecoder(&stdout)
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return retry.NonRetryable(fmt.Errorf("collab: decode %s response: %w", op, err))
		}
		return nil
	})
}
