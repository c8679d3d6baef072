package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cararth/syndicate/dbopen"
	"github.com/cararth/syndicate/internal/dedup"
	"github.com/cararth/syndicate/internal/ingest"
	"github.com/cararth/syndicate/internal/risk"
	"github.com/cararth/syndicate/internal/store"
	"github.com/cararth/syndicate/vin"
)

type stubAdapter struct {
	feed string
	recs []ingest.RawRecord
	err  error
}

func (s *stubAdapter) FeedType() string { return s.feed }

func (s *stubAdapter) Pull(ctx context.Context, src *store.PartnerSource) ([]ingest.RawRecord, error) {
	return s.recs, s.err
}

type stubReviews struct {
	mu    sync.Mutex
	items []*store.ReviewItem
	store *store.Store
}

func (s *stubReviews) Enqueue(ctx context.Context, listingID, reason string, dedupCtx, riskCtx any) (*store.ReviewItem, error) {
	item := &store.ReviewItem{
		ID:        fmt.Sprintf("rev_%d", len(s.items)+1),
		ListingID: listingID,
		State:     store.ReviewPending,
		Reason:    reason,
	}
	if err := s.store.InsertReviewItem(ctx, item); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return item, nil
}

type harness struct {
	runner    *Runner
	store     *store.Store
	reviews   *stubReviews
	dispatched []*store.Listing
	mu        sync.Mutex
}

func newHarness(t *testing.T, adapters ...ingest.SourceAdapter) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := store.NewStore(db)

	h := &harness{store: st, reviews: &stubReviews{store: st}}
	engine := dedup.NewEngine(dedup.Config{}, nil, nil)
	scorer := risk.NewScorer(risk.Config{}, func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	})
	h.runner = NewRunner(Config{}, st, adapters, engine, scorer, h.reviews,
		func(ctx context.Context, l *store.Listing) {
			h.mu.Lock()
			h.dispatched = append(h.dispatched, l)
			h.mu.Unlock()
		}, nil)
	return h
}

func testSource(feed string) *store.PartnerSource {
	return &store.PartnerSource{
		ID:           "src_1",
		PartnerName:  "AutoHub",
		FeedType:     feed,
		FieldMapping: `{"vin":"vin","make":"make","model":"model","price":"price","year":"year","city":"city","km":"mileage","docs":"documents","photos":"images"}`,
		IsActive:     true,
	}
}

func insertSource(t *testing.T, st *store.Store, src *store.PartnerSource) {
	t.Helper()
	if err := st.InsertPartnerSource(context.Background(), src); err != nil {
		t.Fatal(err)
	}
}

// validVIN builds a checksum-valid VIN around serial n.
func validVIN(t *testing.T, n int) string {
	t.Helper()
	v := []byte(fmt.Sprintf("1M8GDM9A0KP0%05d", n))
	cd, ok := vin.CheckDigit(string(v))
	if !ok {
		t.Fatalf("check digit for %s", v)
	}
	v[8] = cd
	return string(v)
}

// tamperVIN flips the check digit to a wrong value.
func tamperVIN(t *testing.T, v string) string {
	t.Helper()
	b := []byte(v)
	if b[8] == '0' {
		b[8] = '1'
	} else {
		b[8] = '0'
	}
	return string(b)
}

func record(row int, payload string) ingest.RawRecord {
	return ingest.RawRecord{SourceID: "src_1", Row: row, Payload: []byte(payload), ReceivedAt: 1000}
}

// WHAT: a 40-row CSV batch where row 37 carries a tampered VIN check digit.
// WHY: the bad row must be rejected with a checksum reason while the other
// 39 are admitted and the run still completes as a success.
func TestRunCSVBatchBadRowIsolated(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src_1")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	b.WriteString("vin,make,model,price,docs,photos\n")
	for i := 1; i <= 40; i++ {
		v := validVIN(t, i)
		if i == 37 {
			v = tamperVIN(t, v)
		}
		fmt.Fprintf(&b, "%s,Maruti,Model%02d,%d,doc-rc.pdf,img%d.jpg\n", v, i, 500_000+i*1000, i)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "batch.csv"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, ingest.NewCSVAdapter(dir))
	src := testSource("csv")
	insertSource(t, h.store, src)

	summary, err := h.runner.Run(context.Background(), src, "scheduled")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Total != 40 {
		t.Fatalf("total = %d, want 40", summary.Total)
	}
	if summary.Admitted != 39 {
		t.Fatalf("admitted = %d, want 39", summary.Admitted)
	}
	if summary.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", summary.Rejected)
	}

	rejections, err := h.store.ListRejections(context.Background(), summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rejections) != 1 {
		t.Fatalf("got %d rejections, want 1", len(rejections))
	}
	if rejections[0].Row != 37 {
		t.Fatalf("rejected row = %d, want 37", rejections[0].Row)
	}
	if !strings.Contains(rejections[0].Reason, "checksum") {
		t.Fatalf("reason = %q, want checksum mention", rejections[0].Reason)
	}

	if len(h.dispatched) != 39 {
		t.Fatalf("dispatched %d listings, want 39", len(h.dispatched))
	}

	// Run log reflects the mixed outcome as a successful run.
	runs, err := h.store.RunHistory(context.Background(), src.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "success" {
		t.Fatalf("run log = %+v", runs)
	}
	if runs[0].Errors != 1 || runs[0].Validated != 39 {
		t.Fatalf("run counters = %+v", runs[0])
	}
}

// WHAT: an exact VIN re-submission in a later batch is silently skipped.
func TestRunExactDuplicateSkipped(t *testing.T) {
	v := validVIN(t, 1)
	adapter := &stubAdapter{feed: "webhook", recs: []ingest.RawRecord{
		record(1, fmt.Sprintf(`{"vin":%q,"make":"Maruti","model":"Swift","price":500000}`, v)),
		record(2, fmt.Sprintf(`{"vin":%q,"make":"Maruti","model":"Swift","price":500000}`, v)),
	}}
	h := newHarness(t, adapter)
	src := testSource("webhook")
	insertSource(t, h.store, src)

	summary, err := h.runner.Run(context.Background(), src, "scheduled")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Admitted != 1 || summary.Duplicates != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

// WHAT: a near-duplicate (same attributes, different VIN) is flagged for
// review with the dedup reason.
func TestRunFuzzyDuplicateFlagged(t *testing.T) {
	base := `{"vin":%q,"make":"Maruti","model":"Swift","price":%d,"year":2019,"city":"Pune","km":%d}`
	adapter := &stubAdapter{feed: "webhook", recs: []ingest.RawRecord{
		record(1, fmt.Sprintf(base, validVIN(t, 1), 500_000, 42_000)),
		record(2, fmt.Sprintf(base, validVIN(t, 2), 510_000, 43_000)), // within ±10% / ±15%
	}}
	h := newHarness(t, adapter)
	src := testSource("webhook")
	insertSource(t, h.store, src)

	summary, err := h.runner.Run(context.Background(), src, "scheduled")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Admitted != 1 || summary.Flagged != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(h.reviews.items) != 1 {
		t.Fatalf("review items = %d, want 1", len(h.reviews.items))
	}
	if h.reviews.items[0].Reason != ReasonDedup {
		t.Fatalf("reason = %s, want dedup", h.reviews.items[0].Reason)
	}
	// Flagged listings are not dispatched.
	if len(h.dispatched) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(h.dispatched))
	}
}

// WHAT: an adapter failure is recorded in the run log and on the source.
func TestRunAdapterError(t *testing.T) {
	adapter := &stubAdapter{feed: "webhook", err: fmt.Errorf("connection refused")}
	h := newHarness(t, adapter)
	src := testSource("webhook")
	insertSource(t, h.store, src)

	_, err := h.runner.Run(context.Background(), src, "scheduled")
	if err == nil {
		t.Fatal("expected error")
	}

	runs, err := h.store.RunHistory(context.Background(), src.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "error" {
		t.Fatalf("run log = %+v", runs)
	}

	got, err := h.store.GetPartnerSource(context.Background(), src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailCount != 1 {
		t.Fatalf("fail count = %d, want 1", got.FailCount)
	}
	if got.LastStatus != "error" {
		t.Fatalf("last status = %s", got.LastStatus)
	}
}

// WHAT: a record missing required fields is itemized, not fatal.
func TestRunNormalizationRejection(t *testing.T) {
	adapter := &stubAdapter{feed: "webhook", recs: []ingest.RawRecord{
		record(1, `{"make":"Maruti","model":"Swift"}`), // no identifier, no price
	}}
	h := newHarness(t, adapter)
	src := testSource("webhook")
	insertSource(t, h.store, src)

	summary, err := h.runner.Run(context.Background(), src, "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Rejected != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	rejections, _ := h.store.ListRejections(context.Background(), summary.RunID)
	if len(rejections) != 1 {
		t.Fatalf("rejections = %d", len(rejections))
	}
	if !strings.Contains(rejections[0].Reason, "required field missing") {
		t.Fatalf("reason = %q", rejections[0].Reason)
	}
}

// WHAT: a low-confidence scraped record is flagged even when its fields
// normalize cleanly.
func TestRunWarningRecordFlagged(t *testing.T) {
	rec := record(1, fmt.Sprintf(`{"vin":%q,"make":"Maruti","model":"Swift","price":500000}`, validVIN(t, 9)))
	rec.Warning = "extraction confidence 0.30 below 0.60"
	adapter := &stubAdapter{feed: "scrape", recs: []ingest.RawRecord{rec}}
	h := newHarness(t, adapter)
	src := testSource("scrape")
	insertSource(t, h.store, src)

	summary, err := h.runner.Run(context.Background(), src, "scheduled")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Flagged != 1 || summary.Warnings != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunUnknownFeedType(t *testing.T) {
	h := newHarness(t)
	src := testSource("sftp")
	insertSource(t, h.store, src)

	if _, err := h.runner.Run(context.Background(), src, "scheduled"); err == nil {
		t.Fatal("expected error for missing adapter")
	}
}
