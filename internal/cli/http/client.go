package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client wraps HTTP requests for CLI.
type Client struct {
	baseURL       string
	timeout       time.Duration
	tokenProvider func() string
}

func New(baseURL string, timeout time.Duration, tokenProvider func() string) *Client {
	return &Client{
		baseURL:       baseURL,
		timeout:       timeout,
		tokenProvider: tokenProvider,
	}
}

func (c *Client) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo
	client := &http.Client{Timeout: c.timeout}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", c.baseURL, path), reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if c.tokenProvider != nil {
		if token := c.tokenProvider(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}

// RunRequest is the body of POST /api/run.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
	JobID    string `json:"jobId,omitempty"`
}

// RunResult mirrors the service's execution result.
type RunResult struct {
	JobID      string `json:"jobId"`
	State      string `json:"state"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   *int   `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	Killed     bool   `json:"killed"`
	Truncated  bool   `json:"truncated"`
	DurationMs int64  `json:"durationMs"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id"`
}

func (e *APIError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("%s (http %d, code %d, trace %s)", e.Message, e.StatusCode, e.Code, e.TraceID)
	}
	return fmt.Sprintf("%s (http %d, code %d)", e.Message, e.StatusCode, e.Code)
}

// Run submits req and waits for its result.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RunResult{}, fmt.Errorf("encode request failed: %w", err)
	}
	info, err := c.Do(ctx, http.MethodPost, "/api/run", nil, body)
	if err != nil {
		return RunResult{}, err
	}
	if info.StatusCode != http.StatusOK {
		return RunResult{}, decodeAPIError(info)
	}
	var res RunResult
	if err := json.Unmarshal(info.Body, &res); err != nil {
		return RunResult{}, fmt.Errorf("decode result failed: %w", err)
	}
	return res, nil
}

// Cancel asks the service to stop jobID. A job that already finished is not an error.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	info, err := c.Do(ctx, http.MethodDelete, "/api/run/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		return err
	}
	if info.StatusCode == http.StatusNoContent || info.StatusCode == http.StatusNotFound {
		return nil
	}
	return decodeAPIError(info)
}

func decodeAPIError(info ResponseInfo) error {
	apiErr := &APIError{StatusCode: info.StatusCode}
	if err := json.Unmarshal(info.Body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(info.StatusCode)
	}
	return apiErr
}
