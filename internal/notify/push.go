package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPusher posts push requests as JSON to the push service.
type HTTPPusher struct {
	url    string
	client *http.Client
}

// NewHTTPPusher creates a pusher for url with the given request timeout.
func NewHTTPPusher(url string, timeout time.Duration) *HTTPPusher {
	return &HTTPPusher{url: url, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPPusher) Push(ctx context.Context, msg PushMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push service returned %s", resp.Status)
	}
	return nil
}

// NopPusher drops every push. It is used when no push URL is configured.
type NopPusher struct{}

func (NopPusher) Push(context.Context, PushMessage) error { return nil }
