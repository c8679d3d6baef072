package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cararth/syndicate/internal/store"
)

// PlatformResult carries the marketplace's response metadata for audit.
type PlatformResult struct {
	RemoteID   string
	StatusCode int
	Endpoint   string
	Method     string
	Latency    time.Duration
}

// PlatformAdapter abstracts all marketplace-specific logic. Each method
// performs one call; retry and isolation live in the Dispatcher.
type PlatformAdapter interface {
	// Name is the platform identifier used in records and config.
	Name() string

	// Post publishes a new listing and returns the platform's ID for it.
	Post(ctx context.Context, l *store.Listing) (PlatformResult, error)

	// Update pushes changed fields to an already-posted listing.
	Update(ctx context.Context, l *store.Listing, remoteID string) (PlatformResult, error)

	// Withdraw removes a listing from the platform.
	Withdraw(ctx context.Context, l *store.Listing, remoteID string) (PlatformResult, error)
}

// PlatformError wraps an adapter failure with its HTTP status so the
// dispatcher can classify it.
type PlatformError struct {
	StatusCode int
	Err        error
}

func (e *PlatformError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("platform error (http %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("platform error: %v", e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Retriable reports whether an attempt may be retried: transport errors,
// timeouts and 5xx are transient; 4xx responses are terminal.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		if pe.StatusCode >= 400 && pe.StatusCode < 500 {
			return false
		}
		return true
	}
	// Transport-level failure without a status code.
	return true
}

// HTTPJSONAdapter posts listings to a JSON API:
//
//	POST   {base}/api/listings            -> {"id": "..."}
//	PUT    {base}/api/listings/{remoteID}
//	DELETE {base}/api/listings/{remoteID}
type HTTPJSONAdapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPJSONAdapterOptions configures an HTTPJSONAdapter.
type HTTPJSONAdapterOptions struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPJSONAdapter validates options and builds the adapter.
func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	if opts.Name == "" {
		return nil, errors.New("Name is required")
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPJSONAdapter{
		name:    opts.Name,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (a *HTTPJSONAdapter) Name() string { return a.name }

func (a *HTTPJSONAdapter) Post(ctx context.Context, l *store.Listing) (PlatformResult, error) {
	return a.do(ctx, http.MethodPost, a.baseURL+"/api/listings", l)
}

func (a *HTTPJSONAdapter) Update(ctx context.Context, l *store.Listing, remoteID string) (PlatformResult, error) {
	return a.do(ctx, http.MethodPut, a.baseURL+"/api/listings/"+url.PathEscape(remoteID), l)
}

func (a *HTTPJSONAdapter) Withdraw(ctx context.Context, l *store.Listing, remoteID string) (PlatformResult, error) {
	return a.do(ctx, http.MethodDelete, a.baseURL+"/api/listings/"+url.PathEscape(remoteID), nil)
}

func (a *HTTPJSONAdapter) do(ctx context.Context, method, endpoint string, l *store.Listing) (PlatformResult, error) {
	start := time.Now()
	res := PlatformResult{Endpoint: endpoint, Method: method}

	var body io.Reader
	if l != nil {
		payload, err := json.Marshal(l)
		if err != nil {
			res.Latency = time.Since(start)
			return res, &PlatformError{Err: fmt.Errorf("marshal listing: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		res.Latency = time.Since(start)
		return res, &PlatformError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		return res, &PlatformError{Err: err}
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return res, &PlatformError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, endpoint, strings.TrimSpace(string(msg))),
		}
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		return res, &PlatformError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	res.RemoteID = decoded.ID
	return res, nil
}

// MockAdapter records calls in memory for tests and demos.
type MockAdapter struct {
	name string

	mu        sync.Mutex
	posted    map[string]string // listingID -> remoteID
	calls     []string
	failNext  int
	failWith  error
	postDelay time.Duration
}

// NewMockAdapter creates an in-memory adapter.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name, posted: make(map[string]string)}
}

// FailNext makes the next n calls return err.
func (m *MockAdapter) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failWith = err
}

// SetDelay adds latency to each call, for concurrency tests.
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postDelay = d
}

// Calls returns the method log.
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Posted reports whether the listing is live on the mock platform.
func (m *MockAdapter) Posted(listingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posted[listingID]
	return ok
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) Post(ctx context.Context, l *store.Listing) (PlatformResult, error) {
	return m.call(ctx, "post", l.ID, func() string {
		remoteID := m.name + "-" + l.ID
		m.posted[l.ID] = remoteID
		return remoteID
	})
}

func (m *MockAdapter) Update(ctx context.Context, l *store.Listing, remoteID string) (PlatformResult, error) {
	return m.call(ctx, "update", l.ID, func() string { return remoteID })
}

func (m *MockAdapter) Withdraw(ctx context.Context, l *store.Listing, remoteID string) (PlatformResult, error) {
	return m.call(ctx, "withdraw", l.ID, func() string {
		delete(m.posted, l.ID)
		return remoteID
	})
}

func (m *MockAdapter) call(ctx context.Context, method, listingID string, apply func() string) (PlatformResult, error) {
	m.mu.Lock()
	delay := m.postDelay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return PlatformResult{}, &PlatformError{Err: ctx.Err()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method+":"+listingID)
	if m.failNext > 0 {
		m.failNext--
		return PlatformResult{StatusCode: 500}, m.failWith
	}
	return PlatformResult{
		RemoteID:   apply(),
		StatusCode: 200,
		Endpoint:   "mock://" + m.name,
		Method:     method,
	}, nil
}
