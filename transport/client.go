// Package transport talks to the monitoring agent's HTTP API. Polling calls
// absorb every failure into a fallback value; failures are reported through
// the OnError hook so callers can count or log them without stopping a loop.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kprofiler/telemetry"

	jsoniter "github.com/json-iterator/go"
)

const (
	OpConfig    = "config"
	OpProcesses = "processes"
	OpHistory   = "history"
	OpDownload  = "download"
	OpLoad      = "load"
	OpClear     = "clear"

	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 256 << 20
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error is a failed agent call: network, status or decode failure.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errStatus = errors.New("unexpected status")

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
	// OnError observes every absorbed or returned failure.
	OnError func(op string, err error)
}

// Client is a stateless wrapper around the agent endpoints.
type Client struct {
	base      string
	http      *http.Client
	timeout   time.Duration
	userAgent string
	onError   func(op string, err error)
}

type processesResponse struct {
	Processes *[]telemetry.Process `json:"processes,omitempty"`
}

type historyResponse struct {
	History *struct {
		Records []telemetry.Sample `json:"records"`
	} `json:"history,omitempty"`
	Version *int64 `json:"version,omitempty"`
}

type downloadResponse struct {
	FullHistory string `json:"fullHistory"`
}

type loadRequest struct {
	FullHistory string `json:"full_history"`
}

// Purpose: Build an agent client.
// Key aspects: Trims the base URL and defaults the per-request timeout.
// Upstream: main wiring, cmd/agentsim smoke checks, tests.
// Downstream: none (allocation only).
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:      hc,
		timeout:   timeout,
		userAgent: opts.UserAgent,
		onError:   opts.OnError,
	}
}

// BaseURL returns the agent address the client was built with.
func (c *Client) BaseURL() string {
	return c.base
}

// FetchConfig returns the agent configuration, or the zero config on failure.
func (c *Client) FetchConfig(ctx context.Context) telemetry.ServerConfig {
	var cfg telemetry.ServerConfig
	if err := c.getJSON(ctx, OpConfig, "/api/config", &cfg); err != nil {
		return telemetry.ServerConfig{}
	}
	return cfg
}

// FetchProcesses returns the agent's process list. ok is false when the agent
// has no list yet or the call failed; an empty list with ok means the agent
// confirmed there are no tracked processes.
func (c *Client) FetchProcesses(ctx context.Context) ([]telemetry.Process, bool) {
	var resp processesResponse
	if err := c.getJSON(ctx, OpProcesses, "/api/processes", &resp); err != nil {
		return nil, false
	}
	if resp.Processes == nil {
		return nil, false
	}
	out := *resp.Processes
	if out == nil {
		out = []telemetry.Process{}
	}
	return out, true
}

// FetchHistoryPage returns samples after cursor for the caller's version. On
// failure the page is empty and carries no version.
func (c *Client) FetchHistoryPage(ctx context.Context, cursor, version int64) telemetry.HistoryPage {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(cursor, 10))
	q.Set("version", strconv.FormatInt(version, 10))
	var resp historyResponse
	if err := c.getJSON(ctx, OpHistory, "/api/history?"+q.Encode(), &resp); err != nil {
		return telemetry.HistoryPage{}
	}
	page := telemetry.HistoryPage{Version: resp.Version}
	if resp.History != nil {
		page.Records = resp.History.Records
	}
	return page
}

// DownloadFullHistory returns the agent's entire history as snapshot text.
func (c *Client) DownloadFullHistory(ctx context.Context) (string, error) {
	var resp downloadResponse
	if err := c.postJSON(ctx, OpDownload, "/api/download", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.FullHistory, nil
}

// UploadFullHistory replaces the agent's history with the snapshot text.
func (c *Client) UploadFullHistory(ctx context.Context, snapshot string) error {
	return c.postJSON(ctx, OpLoad, "/api/load", loadRequest{FullHistory: snapshot}, nil)
}

// ClearHistory asks the agent to drop its history and bump its version.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.postJSON(ctx, OpClear, "/api/clear", struct{}{}, nil)
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("encode request: %w", err))
	}
	return c.do(ctx, op, http.MethodPost, path, payload, out)
}

// Purpose: Execute one agent request and decode the JSON reply.
// Key aspects: Bounded by the client timeout; non-2xx and decode failures
// become *Error and are reported to onError.
// Upstream: getJSON, postJSON.
// Downstream: http.Client.Do, jsoniter decode.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	if c.base == "" {
		return c.fail(op, 0, errors.New("base URL is empty"))
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, reader)
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.fail(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return c.fail(op, resp.StatusCode, errStatus)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.fail(op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.fail(op, resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func (c *Client) fail(op string, status int, err error) error {
	terr := &Error{Op: op, Status: status, Err: err}
	if c.onError != nil {
		c.onError(op, terr)
	}
	return terr
}
