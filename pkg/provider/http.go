package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Option configures an adapter.
type Option func(*client)

// WithBaseURL sets a custom API base URL (for compatible providers).
func WithBaseURL(url string) Option {
	return func(c *client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithID overrides the registry identifier, for registering several
// instances of one vendor.
func WithID(id string) Option {
	return func(c *client) {
		if id != "" {
			c.id = id
		}
	}
}

// client is the HTTP plumbing shared by the adapters.
type client struct {
	name    string // vendor name used in error messages
	id      string
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	headers func(h http.Header)
}

func newClient(name, apiKey, model, baseURL string, opts []Option) client {
	c := client{
		name:    name,
		id:      name,
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *client) ID() string              { return c.id }
func (c *client) ConfiguredModel() string { return c.model }

func (c *client) modelFor(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

// do sends a JSON request and returns the response once it has a 2xx
// status. Any other status is read and returned as an *APIError.
func (c *client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.headers != nil {
		c.headers(httpReq.Header)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{Provider: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return resp, nil
}

// doJSON sends payload and decodes the 2xx response body into out.
func (c *client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	resp, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &DecodeError{Provider: c.name, Err: err}
	}
	return nil
}

// stream sends payload and wraps the response body in an eventStream.
func (c *client) stream(ctx context.Context, path string, payload any, p frameParser) (Stream, error) {
	resp, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	return newEventStream(ctx, c.name, resp.Body, p), nil
}
