package dispatch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cararth/syndicate/dbopen"
	"github.com/cararth/syndicate/internal/store"
)

type allowAll struct{}

func (allowAll) HasActiveConsent(ctx context.Context, sellerID string) (bool, error) {
	return true, nil
}

type denyAll struct{}

func (denyAll) HasActiveConsent(ctx context.Context, sellerID string) (bool, error) {
	return false, nil
}

func newTestDispatcher(t *testing.T, consent ConsentChecker) (*Dispatcher, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := store.NewStore(db)

	d := NewDispatcher(Config{}, st, consent, nil)
	// No real sleeps in tests.
	d.SetBackoff(func(int) time.Duration { return 0 },
		func(ctx context.Context, _ time.Duration) error { return nil })
	return d, st
}

// testListing persists a source and an admitted listing so syndication
// records can reference them.
func testListing(t *testing.T, st *store.Store) *store.Listing {
	t.Helper()
	ctx := context.Background()
	src := &store.PartnerSource{ID: "src_1", PartnerName: "AutoHub", IsActive: true}
	if err := st.InsertPartnerSource(ctx, src); err != nil {
		t.Fatalf("insert source: %v", err)
	}
	l := &store.Listing{
		ID:       "lst_1",
		SourceID: src.ID,
		SellerID: "seller_1",
		Make:     "Maruti",
		Model:    "Swift",
		Status:   store.ListingAdmitted,
	}
	if err := st.InsertListing(ctx, l); err != nil {
		t.Fatalf("insert listing: %v", err)
	}
	return l
}

// WHAT: one platform failing terminally does not affect the others.
func TestDispatchPlatformIsolation(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	good := NewMockAdapter("cars24")
	bad := NewMockAdapter("olx")
	bad.FailNext(10, &PlatformError{StatusCode: 400, Err: fmt.Errorf("bad payload")})
	d.Register(good)
	d.Register(bad)

	recs, err := d.Dispatch(context.Background(), testListing(t, st), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	byPlatform := map[string]*store.SyndicationRecord{}
	for _, r := range recs {
		byPlatform[r.Platform] = r
	}
	if byPlatform["cars24"].Status != store.SyndicationSuccess {
		t.Fatalf("cars24 = %+v", byPlatform["cars24"])
	}
	if byPlatform["olx"].Status != store.SyndicationFailed {
		t.Fatalf("olx = %+v", byPlatform["olx"])
	}
	// 4xx is terminal: exactly one attempt.
	if byPlatform["olx"].Attempts != 1 {
		t.Fatalf("olx attempts = %d, want 1", byPlatform["olx"].Attempts)
	}
}

// WHAT: transient failures retry up to MaxAttempts with backoff, then give up.
func TestDispatchRetriesTransient(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})

	var delays []time.Duration
	d.SetBackoff(ExponentialBackoff(time.Second, 30*time.Second),
		func(ctx context.Context, dur time.Duration) error {
			delays = append(delays, dur)
			return nil
		})

	m := NewMockAdapter("cars24")
	m.FailNext(2, &PlatformError{StatusCode: 503, Err: fmt.Errorf("unavailable")})
	d.Register(m)

	recs, err := d.Dispatch(context.Background(), testListing(t, st), []string{"cars24"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rec := recs[0]
	if rec.Status != store.SyndicationSuccess {
		t.Fatalf("status = %s (%s)", rec.Status, rec.ErrorMessage)
	}
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rec.Attempts)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("backoff delays = %v", delays)
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	m := NewMockAdapter("cars24")
	m.FailNext(10, &PlatformError{StatusCode: 500, Err: fmt.Errorf("boom")})
	d.Register(m)

	recs, _ := d.Dispatch(context.Background(), testListing(t, st), []string{"cars24"})
	rec := recs[0]
	if rec.Status != store.SyndicationFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rec.Attempts)
	}
}

// WHAT: re-dispatching a live listing updates it in place; the platform
// never sees a second post and the remote ID is preserved.
func TestDispatchUpdatesLiveListing(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	m := NewMockAdapter("cars24")
	d.Register(m)

	l := testListing(t, st)
	first, err := d.Dispatch(context.Background(), l, []string{"cars24"})
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	second, err := d.Dispatch(context.Background(), l, []string{"cars24"})
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	if second[0].RemoteID != first[0].RemoteID {
		t.Fatalf("remote id changed: %s != %s", second[0].RemoteID, first[0].RemoteID)
	}
	if second[0].Status != store.SyndicationSuccess {
		t.Fatalf("status = %s", second[0].Status)
	}
	if second[0].Attempts != first[0].Attempts+1 {
		t.Fatalf("attempts = %d, want %d", second[0].Attempts, first[0].Attempts+1)
	}
	calls := m.Calls()
	if len(calls) != 2 || calls[0] != "post:"+l.ID || calls[1] != "update:"+l.ID {
		t.Fatalf("calls = %v, want one post then one update", calls)
	}
}

type toggleConsent struct{ allow bool }

func (c *toggleConsent) HasActiveConsent(ctx context.Context, sellerID string) (bool, error) {
	return c.allow, nil
}

// WHAT: a revoked consent stops updates without touching the success
// record; cleanup belongs to the withdraw path.
func TestDispatchUpdateSkippedWithoutConsent(t *testing.T) {
	consent := &toggleConsent{allow: true}
	d, st := newTestDispatcher(t, consent)
	m := NewMockAdapter("cars24")
	d.Register(m)

	l := testListing(t, st)
	if _, err := d.Dispatch(context.Background(), l, []string{"cars24"}); err != nil {
		t.Fatal(err)
	}

	consent.allow = false
	recs, err := d.Dispatch(context.Background(), l, []string{"cars24"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if recs[0].Status != store.SyndicationSuccess {
		t.Fatalf("status = %s, success record must survive", recs[0].Status)
	}
	if calls := m.Calls(); len(calls) != 1 {
		t.Fatalf("calls = %v, want only the initial post", calls)
	}
}

// WHAT: missing consent blocks dispatch before any platform call.
func TestDispatchConsentMissing(t *testing.T) {
	d, st := newTestDispatcher(t, denyAll{})
	m := NewMockAdapter("cars24")
	d.Register(m)

	recs, _ := d.Dispatch(context.Background(), testListing(t, st), []string{"cars24"})
	rec := recs[0]
	if rec.Status != store.SyndicationFailed {
		t.Fatalf("status = %s", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "consent") {
		t.Fatalf("error = %q", rec.ErrorMessage)
	}
	if len(m.Calls()) != 0 {
		t.Fatalf("platform was called despite missing consent: %v", m.Calls())
	}
}

func TestDispatchUnknownPlatform(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	recs, _ := d.Dispatch(context.Background(), testListing(t, st), []string{"nope"})
	if recs[0].Status != store.SyndicationFailed {
		t.Fatalf("status = %s", recs[0].Status)
	}
	if !strings.Contains(recs[0].ErrorMessage, "unknown platform") {
		t.Fatalf("error = %q", recs[0].ErrorMessage)
	}
}

// WHAT: every attempt appends an audit entry, success or failure.
func TestDispatchAuditTrail(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	m := NewMockAdapter("cars24")
	m.FailNext(1, &PlatformError{StatusCode: 502, Err: fmt.Errorf("gateway")})
	d.Register(m)

	if _, err := d.Dispatch(context.Background(), testListing(t, st), []string{"cars24"}); err != nil {
		t.Fatal(err)
	}

	entries, err := st.QueryAuditLog(context.Background(), store.AuditFilter{Platform: "cars24"})
	if err != nil {
		t.Fatalf("QueryAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2 (one per attempt)", len(entries))
	}
	var errCount int
	for _, e := range entries {
		if e.IsError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Fatalf("error entries = %d, want 1", errCount)
	}
}

// WHAT: withdraw removes only successfully syndicated platforms.
func TestWithdraw(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	m := NewMockAdapter("cars24")
	d.Register(m)

	l := testListing(t, st)
	if _, err := d.Dispatch(context.Background(), l, []string{"cars24"}); err != nil {
		t.Fatal(err)
	}
	if !m.Posted(l.ID) {
		t.Fatal("listing not posted")
	}

	recs, err := d.Withdraw(context.Background(), l, nil)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != store.SyndicationWithdrawn {
		t.Fatalf("records = %+v", recs)
	}
	if m.Posted(l.ID) {
		t.Fatal("listing still live after withdraw")
	}
}

// WHAT: withdraw failure is recorded as failed for later reconciliation.
func TestWithdrawFailureRecorded(t *testing.T) {
	d, st := newTestDispatcher(t, allowAll{})
	m := NewMockAdapter("cars24")
	d.Register(m)

	l := testListing(t, st)
	if _, err := d.Dispatch(context.Background(), l, []string{"cars24"}); err != nil {
		t.Fatal(err)
	}

	m.FailNext(1, &PlatformError{StatusCode: 500, Err: fmt.Errorf("boom")})
	recs, _ := d.Withdraw(context.Background(), l, nil)
	if len(recs) != 1 || recs[0].Status != store.SyndicationFailed {
		t.Fatalf("records = %+v", recs)
	}

	got, err := st.GetSyndicationRecord(context.Background(), l.ID, "cars24")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SyndicationFailed {
		t.Fatalf("persisted status = %s", got.Status)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(time.Second, 30*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b(i + 1); got != w {
			t.Errorf("attempt %d: %v, want %v", i+1, got, w)
		}
	}
	if got := b(10); got != 30*time.Second {
		t.Errorf("cap: %v, want 30s", got)
	}
}

func TestRetriable(t *testing.T) {
	if Retriable(nil) {
		t.Error("nil error retriable")
	}
	if Retriable(&PlatformError{StatusCode: 404, Err: fmt.Errorf("x")}) {
		t.Error("4xx retriable")
	}
	if !Retriable(&PlatformError{StatusCode: 500, Err: fmt.Errorf("x")}) {
		t.Error("5xx not retriable")
	}
	if !Retriable(fmt.Errorf("connection refused")) {
		t.Error("transport error not retriable")
	}
}
