package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

const (
	defaultAPITimeout     = 30 * time.Second
	defaultMaxAPIResponse = 10 * 1024 * 1024 // 10MB
)

// Compile-time interface check.
var _ StepExecutor = (*APIExecutor)(nil)

// APIExecutor issues an HTTP request and exposes status, headers and the
// parsed body as outputs. The optional extract map runs jq expressions over
// the response body to produce named outputs.
type APIExecutor struct {
	client  *http.Client
	jq      *expressions.GoJQEngine
	maxBody int64
}

func NewAPIExecutor(client *http.Client, jq *expressions.GoJQEngine) *APIExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &APIExecutor{client: client, jq: jq, maxBody: defaultMaxAPIResponse}
}

func (e *APIExecutor) Type() schema.StepType { return schema.StepTypeAPI }

func (e *APIExecutor) Execute(ctx context.Context, step *schema.Step, ec *ExecutionContext) (*schema.Result, error) {
	res := newResult(step)

	rawURL := strings.TrimSpace(step.URL)
	if rawURL == "" {
		return failResult(res, schema.NewError(schema.ErrCodeStructural, "api step has no url").WithStep(step.ID))
	}
	method := strings.ToUpper(strings.TrimSpace(step.Method))
	if method == "" {
		method = http.MethodGet
	}

	if ec.DryRun {
		res.Success = true
		res.Outputs["status"] = 0
		res.Outputs["message"] = fmt.Sprintf("[dry-run] would %s %s", method, rawURL)
		return res, nil
	}

	req, eerr := e.buildRequest(ctx, step, method, rawURL)
	if eerr != nil {
		return failResult(res, eerr.WithStep(step.ID))
	}

	timeout := stepTimeout(step, defaultAPITimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	start := time.Now()
	resp, err := e.client.Do(req)
	res.ExecutionTime = time.Since(start)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return failResult(res, schema.NewErrorf(schema.ErrCodeTimeout,
				"request to %s timed out after %s", rawURL, timeout).WithStep(step.ID).WithCause(err))
		}
		if errors.Is(err, context.Canceled) {
			return failResult(res, schema.NewError(schema.ErrCodeCancelled, "request cancelled").WithStep(step.ID).WithCause(err))
		}
		return failResult(res, schema.NewErrorf(schema.ErrCodeExecution,
			"request to %s failed: %v", rawURL, err).WithStep(step.ID).WithCause(err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return failResult(res, schema.NewErrorf(schema.ErrCodeExecution,
			"read response from %s: %v", rawURL, err).WithStep(step.ID).WithCause(err))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var body any = string(bodyBytes)
	if json.Valid(bodyBytes) {
		var parsed any
		if err := json.Unmarshal(bodyBytes, &parsed); err == nil {
			body = parsed
		}
	}

	res.Outputs["status"] = resp.StatusCode
	res.Outputs["headers"] = headers
	res.Outputs["body"] = body

	for name, expr := range step.Extract {
		val, err := e.jq.EvaluateValue(ctx, expr, body)
		if err != nil {
			ec.logger().Warn("response extraction failed",
				"step_id", step.ID, "output", name, "expression", expr, "error", err)
			continue
		}
		res.Outputs[name] = val
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failResult(res, schema.NewErrorf(schema.ErrCodeExecution,
			"%s %s returned status %d", method, rawURL, resp.StatusCode).
			WithStep(step.ID).
			WithDetails(map[string]any{"status": resp.StatusCode}))
	}

	res.Success = true
	return res, nil
}

// buildRequest assembles the request: params join the query string for
// bodyless methods and become the body otherwise, honoring a form
// Content-Type; an explicit body always wins over params.
func (e *APIExecutor) buildRequest(ctx context.Context, step *schema.Step, method, rawURL string) (*http.Request, *schema.EngineError) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStructural, "invalid url %q: %v", rawURL, err).WithCause(err)
	}

	bodyless := method == http.MethodGet || method == http.MethodHead || method == http.MethodDelete

	var bodyReader io.Reader
	contentType := ""
	for k, v := range step.Headers {
		if strings.EqualFold(k, "Content-Type") {
			contentType = v
		}
	}

	switch {
	case step.Body != nil:
		if s, ok := step.Body.(string); ok && contentType != "" && !strings.Contains(contentType, "json") {
			bodyReader = strings.NewReader(s)
		} else {
			encoded, err := json.Marshal(step.Body)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStructural, "encode request body: %v", err).WithCause(err)
			}
			bodyReader = bytes.NewReader(encoded)
			if contentType == "" {
				contentType = "application/json"
			}
		}
	case len(step.Params) > 0 && bodyless:
		q := parsed.Query()
		for k, v := range step.Params {
			q.Set(k, expressions.Stringify(v))
		}
		parsed.RawQuery = q.Encode()
	case len(step.Params) > 0 && strings.Contains(contentType, "x-www-form-urlencoded"):
		vals := url.Values{}
		for k, v := range step.Params {
			vals.Set(k, expressions.Stringify(v))
		}
		bodyReader = strings.NewReader(vals.Encode())
	case len(step.Params) > 0:
		encoded, err := json.Marshal(step.Params)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStructural, "encode request params: %v", err).WithCause(err)
		}
		bodyReader = bytes.NewReader(encoded)
		if contentType == "" {
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStructural, "build request: %v", err).WithCause(err)
	}
	for k, v := range step.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}
