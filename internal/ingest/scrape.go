package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/cararth/syndicate/internal/extract"
	"github.com/cararth/syndicate/internal/fetch"
	"github.com/cararth/syndicate/internal/store"
)

// ScrapeConfig is parsed from PartnerSource.ConfigJSON for scrape sources.
type ScrapeConfig struct {
	URL string `json:"url"`
	// Selector narrows extraction to a page region, e.g. "#inventory".
	// Empty means the whole document body.
	Selector string `json:"selector"`
	// MinConfidence below which extracted records carry a Warning and are
	// routed to review instead of auto-admission. Default 0.6.
	MinConfidence float64 `json:"min_confidence"`
}

// ScrapeAdapter fetches a partner's inventory page, converts it to
// markdown, and runs field extraction. The source cursor stores the page
// content hash so unchanged pages are skipped entirely.
type ScrapeAdapter struct {
	fetcher   *fetch.Fetcher
	extractor extract.Extractor
	sanitizer *bluemonday.Policy
}

// NewScrapeAdapter wires the fetcher and extractor.
func NewScrapeAdapter(fetcher *fetch.Fetcher, extractor extract.Extractor) *ScrapeAdapter {
	return &ScrapeAdapter{
		fetcher:   fetcher,
		extractor: extractor,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// FeedType implements SourceAdapter.
func (a *ScrapeAdapter) FeedType() string { return FeedScrape }

// Pull fetches the configured page and extracts listing records from it.
// Returns no records without error when the page content is unchanged
// since the last run.
func (a *ScrapeAdapter) Pull(ctx context.Context, src *store.PartnerSource) ([]RawRecord, error) {
	var cfg ScrapeConfig
	if err := json.Unmarshal([]byte(src.ConfigJSON), &cfg); err != nil {
		return nil, fmt.Errorf("scrape config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("scrape config: url is required")
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.6
	}

	res, err := a.fetcher.Fetch(ctx, cfg.URL, src.Cursor)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", cfg.URL, err)
	}
	if !res.Changed {
		return nil, nil
	}

	content, err := a.pageToMarkdown(res.Body, cfg.Selector)
	if err != nil {
		return nil, fmt.Errorf("convert page: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("page %s: no content after selector %q", cfg.URL, cfg.Selector)
	}

	extracted, err := a.extractor.Extract(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	records := make([]RawRecord, 0, len(extracted))
	for i, ex := range extracted {
		payload, err := json.Marshal(ex.Fields)
		if err != nil {
			return nil, fmt.Errorf("marshal extracted record %d: %w", i+1, err)
		}
		rec := NewRawRecord(src.ID, i+1, payload)
		if ex.Confidence < cfg.MinConfidence {
			rec.Warning = fmt.Sprintf("extraction confidence %.2f below %.2f", ex.Confidence, cfg.MinConfidence)
		}
		records = append(records, rec)
	}

	src.Cursor = res.Hash
	return records, nil
}

// pageToMarkdown sanitizes the HTML, optionally narrows it to a selector,
// and converts the result to markdown for the extractor.
func (a *ScrapeAdapter) pageToMarkdown(body []byte, selector string) (string, error) {
	clean := a.sanitizer.SanitizeBytes(body)

	html := string(clean)
	if selector != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return "", fmt.Errorf("parse html: %w", err)
		}
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			return "", fmt.Errorf("selector %q matched nothing", selector)
		}
		part, err := goquery.OuterHtml(sel.First())
		if err != nil {
			return "", fmt.Errorf("render selection: %w", err)
		}
		html = part
	}

	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return md, nil
}
