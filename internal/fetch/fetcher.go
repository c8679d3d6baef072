// Package fetch implements HTTP content fetching for the scrape adapter,
// with bounded reads, content-hash change detection, and SSRF guards.
package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cararth/syndicate/internal/netguard"
)

// Result contains the outcome of a fetch.
type Result struct {
	Body       []byte
	StatusCode int
	Hash       string // SHA-256 of body
	Changed    bool   // false when body hash matches the previous hash
}

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`    // default 30s
	MaxBytes  int64         `yaml:"max_bytes"`  // default 10MB
	UserAgent string        `yaml:"user_agent"` // default syndicate/1.0
	// URLValidator validates URLs before fetch (SSRF prevention).
	// Default: netguard.ValidateURL.
	URLValidator func(string) error `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "cararth-syndicate/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = netguard.ValidateURL
	}
}

// Fetcher performs HTTP GETs with SSRF protection on redirects.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves a URL. If prevHash is non-empty and the body hash matches,
// Changed is false and the caller can skip re-processing.
func (f *Fetcher) Fetch(ctx context.Context, url, prevHash string) (*Result, error) {
	if err := f.config.URLValidator(url); err != nil {
		return nil, fmt.Errorf("URL blocked: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &Result{StatusCode: resp.StatusCode}, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	h := sha256.Sum256(body)
	hash := fmt.Sprintf("%x", h)

	return &Result{
		Body:       body,
		StatusCode: resp.StatusCode,
		Hash:       hash,
		Changed:    prevHash == "" || hash != prevHash,
	}, nil
}
