// Package ingest holds the source adapter layer: one adapter per feed
// type. An adapter's sole job is to pull or accept raw partner records and
// hand them downstream unmodified; everything after ingestion sees only
// RawRecord and is adapter-agnostic.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cararth/syndicate/internal/store"
)

// Feed types.
const (
	FeedWebhook = "webhook"
	FeedCSV     = "csv"
	FeedSFTP    = "sftp"
	FeedScrape  = "scrape"
)

// FeedTypes is the set of valid feed_type values.
var FeedTypes = map[string]bool{
	FeedWebhook: true,
	FeedCSV:     true,
	FeedSFTP:    true,
	FeedScrape:  true,
}

// RawRecord is one opaque partner payload. The payload is always a JSON
// object; adapters convert their native shape (CSV row, scraped fields)
// before handing records over, without interpreting field meanings.
type RawRecord struct {
	SourceID   string          `json:"source_id"`
	Row        int             `json:"row"` // 1-based position within the batch
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt int64           `json:"received_at"`
	Warning    string          `json:"warning,omitempty"` // e.g. low extraction confidence
}

// SourceAdapter pulls raw records for one feed type.
type SourceAdapter interface {
	FeedType() string
	Pull(ctx context.Context, src *store.PartnerSource) ([]RawRecord, error)
}

// NewRawRecord wraps a JSON payload with batch position metadata.
func NewRawRecord(sourceID string, row int, payload []byte) RawRecord {
	return RawRecord{
		SourceID:   sourceID,
		Row:        row,
		Payload:    payload,
		ReceivedAt: time.Now().UnixMilli(),
	}
}
