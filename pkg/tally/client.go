// Package tally is the HTTP client for the tally backend. It sends queued
// commands, reads the change log and seeds documents.
package tally

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tally/internal/queue"
	tallysync "github.com/hyperengineering/tally/internal/sync"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// SchemaVersion is the document schema this client writes when pushing.
const SchemaVersion = 1

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// ErrNoBaseURL is returned by New when baseURL is empty.
var ErrNoBaseURL = errors.New("tally: base URL is required")

// Client talks to one tally backend.
type Client struct {
	baseURL  string
	apiKey   string
	sourceID string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithSourceID identifies this client to the backend. Changes it causes are
// recorded under the ID in the change log.
func WithSourceID(id string) Option {
	return func(c *Client) {
		c.sourceID = id
	}
}

// New creates a Client for the backend at baseURL, authenticating with
// apiKey when it is not empty.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("tally: parse base URL: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health returns the backend's health report. It needs no credentials.
func (c *Client) Health(ctx context.Context) (*tallysync.HealthResponse, error) {
	var out tallysync.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs command on the backend. requestID is sent as the
// Idempotency-Key, so calling Execute again with the same ID returns the
// first outcome without applying the command twice.
func (c *Client) Execute(ctx context.Context, command, requestID string, params json.RawMessage) (*tallysync.CommandResponse, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	header := http.Header{}
	header.Set(tallysync.IdempotencyHeader, requestID)

	var out tallysync.CommandResponse
	path := "/api/v1/commands/" + url.PathEscape(command)
	if _, err := c.do(ctx, http.MethodPost, path, header, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send delivers a queued request. It satisfies queue.Transport: the
// command's result document is returned on success and any error, including
// a problem response, is a failed outcome.
func (c *Client) Send(ctx context.Context, req queue.Request) (json.RawMessage, error) {
	resp, err := c.Execute(ctx, req.Command, req.ID, req.Params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Delta returns up to limit change log entries after sequence after.
func (c *Client) Delta(ctx context.Context, after int64, limit int) (*tallysync.DeltaResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out tallysync.DeltaResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/sync/delta?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push seeds or replays documents. A rejected entry comes back as an
// *APIError with status 422 listing the offending entries.
func (c *Client) Push(ctx context.Context, req tallysync.PushRequest) (*tallysync.PushResponse, error) {
	if req.SourceID == "" {
		req.SourceID = c.sourceID
	}
	if req.SchemaVersion == 0 {
		req.SchemaVersion = SchemaVersion
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("tally: marshal push: %w", err)
	}

	var out tallysync.PushResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/sync/push", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and decodes a 2xx body into out. Any other status is
// returned as an *APIError.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("tally: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.sourceID != "" {
		req.Header.Set(tallysync.SourceHeader, c.sourceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tally: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp, fmt.Errorf("tally: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, newAPIError(resp, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, fmt.Errorf("tally: decode response: %w", err)
		}
	}
	return resp, nil
}
