package syndicate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cararth/syndicate/dbopen"
	"github.com/cararth/syndicate/internal/dispatch"
	"github.com/cararth/syndicate/internal/store"
	"github.com/cararth/syndicate/vin"
)

const testMapping = `{"vin":"vin","reg":"registration_number","make":"make",` +
	`"model":"model","price":"price","year":"year","city":"city","km":"mileage",` +
	`"docs":"documents","photos":"images","seller":"seller_id"}`

func newTestService(t *testing.T, cfg *Config, opts ...ServiceOption) (*Service, *dispatch.MockAdapter) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	mock := dispatch.NewMockAdapter("cars24")
	opts = append(opts,
		WithPlatformAdapter(mock),
		WithURLValidator(func(string) error { return nil }),
	)
	svc, err := New(db, cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, mock
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func webhookSource(name string) *PartnerSource {
	return &PartnerSource{
		PartnerName:  name,
		FeedType:     "webhook",
		FieldMapping: testMapping,
		IsActive:     true,
	}
}

// WHAT: input validation rejects malformed sources with ErrInvalidInput
// before anything is persisted.
func TestAddSourceValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		src  *PartnerSource
	}{
		{"missing partner name", &PartnerSource{FeedType: "webhook", FieldMapping: testMapping, IsActive: true}},
		{"unknown feed type", &PartnerSource{PartnerName: "X", FeedType: "ftp", FieldMapping: testMapping}},
		{"missing mapping", &PartnerSource{PartnerName: "X", FeedType: "webhook"}},
		{"broken mapping", &PartnerSource{PartnerName: "X", FeedType: "webhook", FieldMapping: `{"a":`}},
		{"scrape without url", &PartnerSource{PartnerName: "X", FeedType: "scrape", FieldMapping: testMapping}},
		{"sftp without host", &PartnerSource{PartnerName: "X", FeedType: "sftp", FieldMapping: testMapping,
			ConfigJSON: `{"user":"u","dir":"/in"}`}},
	}
	for _, tc := range cases {
		if err := svc.AddSource(ctx, tc.src); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", tc.name, err)
		}
	}

	sources, err := svc.ListSources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 0 {
		t.Fatalf("persisted %d invalid sources", len(sources))
	}
}

// WHAT: two scrape sources on the same normalized URL collide.
func TestAddSourceDuplicateURL(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	first := &PartnerSource{
		PartnerName:  "AutoHub",
		FeedType:     "scrape",
		SourceURL:    "https://Partner.Example/inventory/",
		FieldMapping: testMapping,
		IsActive:     true,
	}
	if err := svc.AddSource(ctx, first); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	// Same page, differently written.
	second := &PartnerSource{
		PartnerName:  "AutoHub mirror",
		FeedType:     "scrape",
		SourceURL:    "https://partner.example/inventory",
		FieldMapping: testMapping,
	}
	if err := svc.AddSource(ctx, second); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("got %v, want ErrDuplicateSource", err)
	}
}

// WHAT: the source quota stops inserts at MaxSources.
func TestAddSourceQuota(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxSources = 1
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	if err := svc.AddSource(ctx, webhookSource("first")); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := svc.AddSource(ctx, webhookSource("second")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("got %v, want ErrQuotaExceeded", err)
	}
}

// WHAT: UpdateSource merges unset fields from the stored row so partial
// updates do not wipe the mapping or feed type.
func TestUpdateSourceMerge(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	src := webhookSource("AutoHub")
	if err := svc.AddSource(ctx, src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	if err := svc.UpdateSource(ctx, &PartnerSource{ID: src.ID, PartnerName: "AutoHub India"}); err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	got, err := svc.GetSource(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PartnerName != "AutoHub India" {
		t.Fatalf("name = %q", got.PartnerName)
	}
	if got.FeedType != "webhook" || got.FieldMapping != testMapping {
		t.Fatalf("merge lost fields: feed=%q mapping=%q", got.FeedType, got.FieldMapping)
	}
}

// WHAT: a webhook delivery flows through normalization, dedup, risk
// scoring, and ends up syndicated to the registered platform.
func TestWebhookEndToEnd(t *testing.T) {
	svc, mock := newTestService(t, nil)
	startService(t, svc)
	ctx := context.Background()

	src := webhookSource("AutoHub")
	if err := svc.AddSource(ctx, src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := svc.GrantConsent(ctx, "sel_1", "v1"); err != nil {
		t.Fatalf("GrantConsent: %v", err)
	}

	body := fmt.Sprintf(`[
		{"vin":%q,"make":"Maruti","model":"Swift","price":500000,"year":2019,
		 "city":"Pune","km":42000,"docs":"rc.pdf","photos":"a.jpg","seller":"sel_1"},
		{"vin":%q,"make":"Honda","model":"City","price":700000,"year":2020,
		 "city":"Mumbai","km":30000,"docs":"rc.pdf","photos":"b.jpg","seller":"sel_1"}
	]`, validVIN(t, 1), validVIN(t, 2))

	n, err := svc.ReceiveWebhook(ctx, src.ID, []byte(body))
	if err != nil {
		t.Fatalf("ReceiveWebhook: %v", err)
	}
	if n != 2 {
		t.Fatalf("accepted = %d, want 2", n)
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(mock.Calls()) >= 2
	}, "both listings dispatched")

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Admitted != 2 {
		t.Fatalf("admitted = %d, want 2", stats.Admitted)
	}

	runs, err := svc.RunHistory(ctx, src.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) == 0 || runs[0].Status != "success" {
		t.Fatalf("run log: %+v", runs)
	}
}

// WHAT: webhook delivery to a non-webhook or inactive source is refused.
func TestReceiveWebhookWrongSource(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.ReceiveWebhook(ctx, "src_missing", []byte(`{}`)); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("unknown source: got %v", err)
	}

	inactive := webhookSource("dormant")
	inactive.IsActive = false
	if err := svc.AddSource(ctx, inactive); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReceiveWebhook(ctx, inactive.ID, []byte(`{}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("inactive source: got %v", err)
	}
}

// WHAT: a high-risk record lands in the review queue; approval dispatches
// it, and a consent revocation later withdraws it everywhere.
func TestReviewApproveThenRevoke(t *testing.T) {
	svc, mock := newTestService(t, nil)
	startService(t, svc)
	ctx := context.Background()

	src := webhookSource("AutoHub")
	if err := svc.AddSource(ctx, src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := svc.GrantConsent(ctx, "sel_2", "v1"); err != nil {
		t.Fatal(err)
	}

	// Registration only (no VIN), implausible price, no documents or
	// photos: scores past the high band and gets flagged instead of
	// admitted.
	body := `{"reg":"MH12AB3456","make":"Honda","model":"City","price":5000,"year":2020,"city":"Pune","seller":"sel_2"}`
	if _, err := svc.ReceiveWebhook(ctx, src.ID, []byte(body)); err != nil {
		t.Fatalf("ReceiveWebhook: %v", err)
	}

	var items []*ReviewItem
	waitFor(t, 3*time.Second, func() bool {
		items, _ = svc.ListFlaggedReviewItems(ctx)
		return len(items) == 1
	}, "review item enqueued")
	if items[0].Reason != "risk" {
		t.Fatalf("reason = %q, want risk", items[0].Reason)
	}

	dec, err := svc.ReviewItem(ctx, items[0].ID, ActionApprove, "verified offline", "ops@cararth")
	if err != nil {
		t.Fatalf("ReviewItem: %v", err)
	}
	if !dec.Approved || dec.Listing == nil {
		t.Fatalf("decision: %+v", dec)
	}
	if !mock.Posted(dec.Listing.ID) {
		t.Fatal("approved listing was not dispatched")
	}

	// Second decision on the same item conflicts.
	if _, err := svc.ReviewItem(ctx, items[0].ID, ActionReject, "", "ops@cararth"); !errors.Is(err, ErrTerminalReview) {
		t.Fatalf("second decision: got %v, want ErrTerminalReview", err)
	}

	// Revocation withdraws the live listing.
	if _, err := svc.RevokeConsent(ctx, "sel_2", "v1"); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	recs, err := svc.SyndicationRecords(ctx, dec.Listing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != store.SyndicationWithdrawn {
		t.Fatalf("records after revoke: %+v", recs)
	}

	withdrawn := false
	for _, c := range mock.Calls() {
		if c == "withdraw:"+dec.Listing.ID {
			withdrawn = true
		}
	}
	if !withdrawn {
		t.Fatal("platform never saw the withdrawal")
	}
}

// WHAT: dispatch without an active consent records a failure and never
// calls the platform.
func TestDispatchBlockedWithoutConsent(t *testing.T) {
	svc, mock := newTestService(t, nil)
	startService(t, svc)
	ctx := context.Background()

	src := webhookSource("AutoHub")
	if err := svc.AddSource(ctx, src); err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(`{"vin":%q,"make":"Maruti","model":"Swift","price":500000,
		"year":2019,"city":"Pune","km":42000,"docs":"rc.pdf","photos":"a.jpg","seller":"sel_none"}`,
		validVIN(t, 9))
	if _, err := svc.ReceiveWebhook(ctx, src.ID, []byte(body)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		stats, _ := svc.Stats(ctx)
		return stats != nil && stats.Admitted == 1
	}, "record admitted")

	// The listing is admitted locally but the platform call is blocked.
	waitFor(t, 3*time.Second, func() bool {
		health, _ := svc.SyndicationHealth(ctx)
		return len(health) == 1 && health[0].Failed == 1
	}, "blocked dispatch recorded")
	if len(mock.Calls()) != 0 {
		t.Fatalf("platform called despite missing consent: %v", mock.Calls())
	}
}

// WHAT: URL normalization canonicalizes case, trailing slash, fragments
// and query order, and rejects non-HTTP schemes.
func TestNormalizeSourceURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "", true},
		{"https://Partner.Example/Inventory/", "https://partner.example/Inventory", true},
		{"https://partner.example/list?b=2&a=1", "https://partner.example/list?a=1&b=2", true},
		{"https://partner.example/list#section", "https://partner.example/list", true},
		{"ftp://partner.example/feed", "", false},
		{"https:///nohost", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeSourceURL(tc.in)
		if tc.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("%q: got %v, want ErrInvalidInput", tc.in, err)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.in, got, tc.want)
		}
	}
}
