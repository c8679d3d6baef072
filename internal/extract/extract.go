// Package extract calls the field-extraction service used by the scrape
// feed type: it receives page content (markdown) and returns best-effort
// structured listing fields with a confidence indicator.
package extract

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

// Result is one extracted listing candidate.
type Result struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
}

// Extractor returns structured listing fields from page content.
type Extractor interface {
	Extract(ctx context.Context, content string) ([]Result, error)
}

// Config configures the HTTP extraction client.
type Config struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"` // default 60s
}

// Client is an HTTP implementation of Extractor.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ Extractor = (*Client)(nil)

// NewClient builds an extraction client from configuration.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Extract posts page content to the extraction service and decodes the
// returned listing candidates.
func (c *Client) Extract(ctx context.Context, content string) ([]Result, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("extract client misconfigured: endpoint is empty")
	}

	body, err := json.Marshal(map[string]any{
		"content": content,
		"schema":  "vehicle_listing",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal extract payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("extract error %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var decoded struct {
		Listings []Result `json:"listings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode extract response: %w", err)
	}
	return decoded.Listings, nil
}
