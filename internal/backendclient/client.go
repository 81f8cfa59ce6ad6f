// Copyright 2025 James Ross
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kelsjon3/stablequeue/internal/registry"
)

// ErrorKind classifies a failed backend interaction the way the monitor
// needs to decide whether to retry it.
type ErrorKind string

const (
	Transport   ErrorKind = "transport"
	BackendBusy ErrorKind = "backend_busy"
	BadRequest  ErrorKind = "bad_request"
	BackendErr  ErrorKind = "backend_error"
)

// Error wraps a classified backend failure.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Progress is the decoded result of a poll_progress call.
type Progress struct {
	Percent           float64
	PreviewImageBytes []byte
	CurrentStep       int
	TotalStep         int
	Active            bool
}

// Results is the decoded result of a fetch_results call.
type Results struct {
	Images   [][]byte
	InfoBlob string
}

// Client is a stateless adapter to one backend's REST API. It holds no
// per-backend session state; every call carries the target Backend.
type Client struct {
	httpClient *http.Client
}

func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout, Transport: http.DefaultTransport}}
}

func (c *Client) do(ctx context.Context, b registry.Backend, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, newErr(BadRequest, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}
	url := strings.TrimRight(b.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, newErr(Transport, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.HasAuth {
		req.SetBasicAuth(b.AuthUsername, b.AuthPassword)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newErr(Transport, "request "+method+" "+path+" failed", err)
	}
	return resp, nil
}

// Submit POSTs the normalized generation payload to the backend's
// generation endpoint and returns a session handle, or "" for a
// synchronous-only backend that returned results inline.
func (c *Client) Submit(ctx context.Context, b registry.Backend, appType string, params map[string]interface{}) (string, error) {
	path := submitPath(appType)
	resp, err := c.do(ctx, b, http.MethodPost, path, params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if cerr := classifyStatus(resp); cerr != nil {
		return "", cerr
	}

	var out struct {
		SessionID string `json:"session_id"`
		JobID     string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil // synchronous-only backend; no session handle
	}
	if out.SessionID != "" {
		return out.SessionID, nil
	}
	return out.JobID, nil
}

// PollProgress GETs the current progress for a backend_session.
func (c *Client) PollProgress(ctx context.Context, b registry.Backend, session string) (Progress, error) {
	resp, err := c.do(ctx, b, http.MethodGet, progressPath(session), nil)
	if err != nil {
		return Progress{}, err
	}
	defer resp.Body.Close()

	if cerr := classifyStatus(resp); cerr != nil {
		return Progress{}, cerr
	}

	var raw struct {
		Progress     float64 `json:"progress"`
		CurrentStep  int     `json:"current_step"`
		TotalStep    int     `json:"total_step"`
		CurrentImage string  `json:"current_image"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Progress{}, newErr(BackendErr, "malformed progress response", err)
	}

	p := Progress{
		Percent:     raw.Progress * 100,
		CurrentStep: raw.CurrentStep,
		TotalStep:   raw.TotalStep,
		Active:      raw.Progress < 1.0 && raw.Progress >= 0,
	}
	if raw.CurrentImage != "" {
		p.PreviewImageBytes = decodeBase64Image(raw.CurrentImage)
	}
	return p, nil
}

// FetchResults GETs the final artifacts for a finished backend_session.
// Idempotent: may be called repeatedly once polling reports active=false.
func (c *Client) FetchResults(ctx context.Context, b registry.Backend, session string) (Results, error) {
	resp, err := c.do(ctx, b, http.MethodGet, resultsPath(session), nil)
	if err != nil {
		return Results{}, err
	}
	defer resp.Body.Close()

	if cerr := classifyStatus(resp); cerr != nil {
		return Results{}, cerr
	}

	var raw struct {
		Images []string `json:"images"`
		Info   string   `json:"info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Results{}, newErr(BackendErr, "malformed results response", err)
	}

	out := Results{InfoBlob: raw.Info}
	for _, img := range raw.Images {
		out.Images = append(out.Images, decodeBase64Image(img))
	}
	return out, nil
}

// Cancel is best-effort and never raises on not-found.
func (c *Client) Cancel(ctx context.Context, b registry.Backend, session string) error {
	resp, err := c.do(ctx, b, http.MethodPost, cancelPath(session), nil)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return newErr(BackendBusy, fmt.Sprintf("backend busy: %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := readErrorMessage(resp)
		return newErr(BadRequest, msg, nil)
	default:
		msg := readErrorMessage(resp)
		return newErr(BackendErr, msg, nil)
	}
}

func readErrorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(data) == 0 {
		return fmt.Sprintf("http %d", resp.StatusCode)
	}
	return string(data)
}

// app_type dialects map to different endpoint shapes; "forge" is the
// only dialect currently understood.
func submitPath(appType string) string {
	switch appType {
	default:
		return "/sdapi/v1/txt2img"
	}
}

func progressPath(session string) string {
	return "/sdapi/v1/progress"
}

func resultsPath(session string) string {
	return "/sdapi/v1/progress"
}

func cancelPath(session string) string {
	return "/sdapi/v1/interrupt"
}
