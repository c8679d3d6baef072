package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cararth/syndicate/internal/store"
)

// WebhookAdapter buffers records pushed by partners over HTTP until the
// scheduler drains them. The HTTP route itself lives in the API layer;
// it calls Receive and triggers an out-of-schedule run.
type WebhookAdapter struct {
	mu      sync.Mutex
	pending map[string][]RawRecord // sourceID -> buffered records
	maxBuf  int
}

// NewWebhookAdapter creates a webhook intake buffer. maxBuf bounds the
// number of buffered records per source (0 means 10000).
func NewWebhookAdapter(maxBuf int) *WebhookAdapter {
	if maxBuf <= 0 {
		maxBuf = 10_000
	}
	return &WebhookAdapter{
		pending: make(map[string][]RawRecord),
		maxBuf:  maxBuf,
	}
}

// FeedType implements SourceAdapter.
func (a *WebhookAdapter) FeedType() string { return FeedWebhook }

// Receive accepts a webhook body: either a single JSON object or an array
// of objects. Returns the number of buffered records.
func (a *WebhookAdapter) Receive(sourceID string, body []byte) (int, error) {
	payloads, err := splitPayloads(body)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.pending[sourceID]
	if len(buf)+len(payloads) > a.maxBuf {
		return 0, fmt.Errorf("webhook buffer full for source %s (%d records)", sourceID, len(buf))
	}
	for _, p := range payloads {
		buf = append(buf, NewRawRecord(sourceID, len(buf)+1, p))
	}
	a.pending[sourceID] = buf
	return len(payloads), nil
}

// Pull drains all buffered records for the source.
func (a *WebhookAdapter) Pull(ctx context.Context, src *store.PartnerSource) ([]RawRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := a.pending[src.ID]
	delete(a.pending, src.ID)

	// Rows are renumbered per batch so rejection reports refer to the
	// drained batch, not the buffer lifetime.
	for i := range records {
		records[i].Row = i + 1
	}
	return records, nil
}

// PendingCount returns the number of buffered records for a source.
func (a *WebhookAdapter) PendingCount(sourceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[sourceID])
}

// splitPayloads accepts `{...}` or `[{...}, ...]`.
func splitPayloads(body []byte) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("webhook body is neither a JSON object nor an array: %w", err)
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}
