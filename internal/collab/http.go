package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/your-org/linetrace/internal/retry"
	"github.com/your-org/linetrace/pkg/linetrace"
)

// HTTP calls an introspection service that accepts POST <base>/<op>.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
	retry      linetrace.RetryPolicy
}

func NewHTTP(baseURL string, httpClient *http.Client, policy linetrace.RetryPolicy) *HTTP {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient, retry: policy}
}

func (h *HTTP) FindCallSites(ctx context.Context, repoRoot, functionID string) ([]CallSite, error) {
	var resp callSitesResponse
	if err := h.post(ctx, OpCallSites, callSitesRequest{RepoRoot: repoRoot, FunctionID: functionID}, &resp); err != nil {
		return nil, err
	}
	return resp.CallSites, nil
}

func (h *HTTP) FunctionSignature(ctx context.Context, repoRoot, functionID string) (Signature, error) {
	var sig Signature
	if err := h.post(ctx, OpSignature, callSitesRequest{RepoRoot: repoRoot, FunctionID: functionID}, &sig); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

func (h *HTTP) ExtractCallArguments(ctx context.Context, repoRoot string, site CallSite, called string, snap linetrace.ExecutionContext) (Extraction, error) {
	var out Extraction
	if err := h.post(ctx, OpExtract, newExtractRequest(repoRoot, site, called, snap), &out); err != nil {
		return Extraction{}, err
	}
	return out, nil
}

func (h *HTTP) post(ctx context.Context, op string, payload any, out any) error {
	return retry.Execute(ctx, h.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+op, nil)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("collab: build %s request: %w", op, err))
		}
		body, err := doJSON(ctx, h.httpClient, req, payload)
		if err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return retry.NonRetryable(fmt.Errorf("collab: decode %s response: %w", op, err))
		}
		return nil
	})
}

// doJSON sends a JSON payload and returns the response body. Client errors
// are not retryable.
func doJSON(ctx context.Context, client *http.Client, req *http.Request, payload any) ([]byte, error) {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, retry.NonRetryable(fmt.Errorf("marshal request: %w", err))
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		req.ContentLength = int64(len(b))
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("collaborator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode < 500 {
			return nil, retry.NonRetryable(err)
		}
		return nil, err
	}
	return body, nil
}
