// Package imagesim calls an external perceptual image similarity
// service. The dedup engine treats it as optional: when no client is
// configured, or the service errors, the image signal contributes zero.
package imagesim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Comparer scores how similar two image sets are, in [0, 1].
type Comparer interface {
	Compare(ctx context.Context, a, b []string) (float64, error)
}

// Config configures the HTTP similarity client.
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"` // default 15s
}

// Client is an HTTP implementation of Comparer.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ Comparer = (*Client)(nil)

// NewClient builds a similarity client from configuration.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Compare posts both image URL sets and returns the service's similarity
// score clamped to [0, 1].
func (c *Client) Compare(ctx context.Context, a, b []string) (float64, error) {
	if c.endpoint == "" {
		return 0, fmt.Errorf("imagesim client misconfigured: endpoint is empty")
	}
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(map[string]any{"set_a": a, "set_b": b})
	if err != nil {
		return 0, fmt.Errorf("marshal imagesim payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("imagesim call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("imagesim error %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var decoded struct {
		Similarity float64 `json:"similarity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode imagesim response: %w", err)
	}
	switch {
	case decoded.Similarity < 0:
		return 0, nil
	case decoded.Similarity > 1:
		return 1, nil
	}
	return decoded.Similarity, nil
}
