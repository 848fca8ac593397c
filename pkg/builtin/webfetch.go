package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcliao/teeny-agents/pkg/toolreg"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	MaxFetchBytes       = 1024 * 1024
)

// WebFetch retrieves a URL over HTTP(S).
type WebFetch struct {
	client  *http.Client
	blocked []string
}

// NewWebFetch returns the web_fetch tool. A host is blocked when it equals
// a blocked domain or is a subdomain of one.
func NewWebFetch(blockedDomains []string, timeout time.Duration) *WebFetch {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	w := &WebFetch{client: &http.Client{Timeout: timeout}}
	for _, d := range blockedDomains {
		if d = strings.ToLower(strings.Trim(strings.TrimSpace(d), ".")); d != "" {
			w.blocked = append(w.blocked, d)
		}
	}
	return w
}

func (w *WebFetch) Name() string { return "web_fetch" }

func (w *WebFetch) Description() string {
	return "Fetch the content of a URL and return it as text."
}

func (w *WebFetch) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The http or https URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (w *WebFetch) isBlocked(host string) bool {
	host = strings.ToLower(host)
	for _, d := range w.blocked {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (w *WebFetch) Execute(ctx context.Context, input json.RawMessage) (toolreg.Output, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := toolreg.DecodeInput(input, &args); err != nil {
		return toolreg.Failure("%v", err), nil
	}
	if args.URL == "" {
		return toolreg.Failure("missing 'url' parameter"), nil
	}
	u, err := url.Parse(args.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return toolreg.Failure("invalid url: %q", args.URL), nil
	}
	if w.isBlocked(u.Hostname()) {
		return toolreg.Failure("domain is blocked"), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return toolreg.Failure("fetch failed: %v", err), nil
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return toolreg.Failure("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return toolreg.Failure("HTTP %s", resp.Status), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes+1))
	if err != nil {
		return toolreg.Failure("failed to read response body: %v", err), nil
	}
	if len(body) > MaxFetchBytes {
		text := strings.ToValidUTF8(string(body[:MaxFetchBytes]), "�")
		return toolreg.Success(fmt.Sprintf("%s\n... (response truncated at %d bytes)", text, MaxFetchBytes)), nil
	}
	return toolreg.Success(strings.ToValidUTF8(string(body), "�")), nil
}
