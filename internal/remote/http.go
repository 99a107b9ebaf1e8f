package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

// HTTPClient talks to an authority served by NewHandler.
//
// Routes:
//
//	GET    /v1/health
//	GET    /v1/records/{kind}?since=<RFC3339>
//	POST   /v1/records/{kind}
//	PUT    /v1/records/{kind}/{id}
//	DELETE /v1/records/{kind}/{id}?last_modified=<RFC3339>
type HTTPClient struct {
	baseURL string
	http    *http.Client
	token   string
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = cl
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// NewHTTPClient returns a client for the authority at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the authority's base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

type listResponse struct {
	Records []schema.Record `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "ping", http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPClient) Create(ctx context.Context, rec schema.Record) error {
	return c.send(ctx, "create", http.MethodPost, recordsPath(rec.Kind), rec)
}

func (c *HTTPClient) Update(ctx context.Context, rec schema.Record) error {
	return c.send(ctx, "update", http.MethodPut, recordPath(rec.Kind, rec.ID), rec)
}

func (c *HTTPClient) Delete(ctx context.Context, rec schema.Record) error {
	q := url.Values{"last_modified": {schema.FormatTime(rec.LastModified)}}
	if rec.UserID != "" {
		q.Set("user_id", rec.UserID)
	}
	resp, err := c.do(ctx, "delete", http.MethodDelete, recordPath(rec.Kind, rec.ID)+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPClient) ListSince(ctx context.Context, kind schema.Kind, since time.Time) ([]schema.Record, error) {
	path := recordsPath(kind)
	if !since.IsZero() {
		path += "?" + url.Values{"since": {schema.FormatTime(since)}}.Encode()
	}
	resp, err := c.do(ctx, "list", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, unavailable("list", fmt.Errorf("failed to decode records: %w", err))
	}
	return out.Records, nil
}

func (c *HTTPClient) send(ctx context.Context, op, method, path string, rec schema.Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	resp, err := c.do(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends a request and classifies failures: transport errors and 5xx
// responses wrap ErrUnavailable, other non-2xx responses are plain errors.
// A 404 on DELETE counts as success.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return resp, nil
	}

	defer resp.Body.Close()
	msg := readError(resp.Body)
	err = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, unavailable(op, err)
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e errorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "no body"
}

func recordsPath(kind schema.Kind) string {
	return "/v1/records/" + url.PathEscape(string(kind))
}

func recordPath(kind schema.Kind, id string) string {
	return recordsPath(kind) + "/" + url.PathEscape(id)
}

var _ Remote = (*HTTPClient)(nil)
var _ Remote = (*Memory)(nil)
