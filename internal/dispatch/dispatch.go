// Package dispatch fans admitted listings out to marketplace platforms.
// Platforms are isolated: one platform failing or lagging never blocks
// the others, and every attempt leaves an audit trail.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cararth/syndicate/idgen"
	"github.com/cararth/syndicate/internal/store"
)

// ErrConsentMissing is returned when the seller has no active consent
// for syndication. It is terminal: no retry can fix it.
var ErrConsentMissing = errors.New("seller consent missing or revoked")

// ErrUnknownPlatform is returned for platforms without a registered adapter.
var ErrUnknownPlatform = errors.New("unknown platform")

// ConsentChecker answers whether a seller currently permits syndication.
type ConsentChecker interface {
	HasActiveConsent(ctx context.Context, sellerID string) (bool, error)
}

// Config tunes retry and concurrency behavior.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts"`     // default 3
	BackoffBase    time.Duration `yaml:"backoff_base"`     // default 1s
	BackoffCap     time.Duration `yaml:"backoff_cap"`      // default 30s
	PerPlatform    int           `yaml:"per_platform"`     // concurrent calls per platform, default 2
	GlobalParallel int           `yaml:"global_parallel"`  // total concurrent platform calls, default 8
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`  // per-call deadline, default 30s
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.PerPlatform <= 0 {
		c.PerPlatform = 2
	}
	if c.GlobalParallel <= 0 {
		c.GlobalParallel = 8
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
}

// Dispatcher owns the platform adapters and the dispatch records.
type Dispatcher struct {
	config   Config
	store    *store.Store
	consent  ConsentChecker
	backoff  Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	newID    idgen.Generator
	logger   *slog.Logger

	mu       sync.Mutex
	adapters map[string]PlatformAdapter
	sems     map[string]chan struct{}
}

// NewDispatcher creates a dispatcher. consent is required; adapters are
// registered afterwards.
func NewDispatcher(cfg Config, st *store.Store, consent ConsentChecker, logger *slog.Logger) *Dispatcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:   cfg,
		store:    st,
		consent:  consent,
		backoff:  ExponentialBackoff(cfg.BackoffBase, cfg.BackoffCap),
		sleep:    sleepCtx,
		newID:    idgen.Prefixed("syn_"),
		logger:   logger,
		adapters: make(map[string]PlatformAdapter),
		sems:     make(map[string]chan struct{}),
	}
}

// SetBackoff replaces the backoff policy and sleep func, for tests.
func (d *Dispatcher) SetBackoff(b Backoff, sleep func(ctx context.Context, t time.Duration) error) {
	if b != nil {
		d.backoff = b
	}
	if sleep != nil {
		d.sleep = sleep
	}
}

// Register adds a platform adapter.
func (d *Dispatcher) Register(a PlatformAdapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Name()] = a
	d.sems[a.Name()] = make(chan struct{}, d.config.PerPlatform)
}

// Platforms returns the registered platform names.
func (d *Dispatcher) Platforms() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) adapter(platform string) (PlatformAdapter, chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.adapters[platform]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, d.sems[platform], nil
}

// Dispatch posts the listing to every named platform concurrently and
// returns the per-platform records. A platform failure is recorded, not
// returned: the error is non-nil only for setup problems.
func (d *Dispatcher) Dispatch(ctx context.Context, listing *store.Listing, platforms []string) ([]*store.SyndicationRecord, error) {
	if len(platforms) == 0 {
		platforms = d.Platforms()
	}

	var (
		recMu   sync.Mutex
		records []*store.SyndicationRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.GlobalParallel)
	for _, platform := range platforms {
		platform := platform
		g.Go(func() error {
			rec := d.dispatchOne(gctx, listing, platform)
			recMu.Lock()
			records = append(records, rec)
			recMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}
	return records, nil
}

// dispatchOne runs the full attempt loop for one platform and always
// returns a persisted record describing the outcome.
func (d *Dispatcher) dispatchOne(ctx context.Context, listing *store.Listing, platform string) *store.SyndicationRecord {
	adapter, sem, err := d.adapter(platform)
	if err != nil {
		return d.saveRecord(ctx, listing.ID, platform, &store.SyndicationRecord{
			Status: store.SyndicationFailed, ErrorMessage: err.Error(),
		})
	}

	// A stored success means the listing is already live on the platform:
	// push the current fields to its remote ID instead of posting a copy.
	if existing, err := d.store.GetSyndicationRecord(ctx, listing.ID, platform); err == nil &&
		existing != nil && existing.Status == store.SyndicationSuccess {
		return d.updateOne(ctx, listing, platform, adapter, sem, existing)
	}

	ok, err := d.consent.HasActiveConsent(ctx, listing.SellerID)
	if err != nil {
		return d.saveRecord(ctx, listing.ID, platform, &store.SyndicationRecord{
			Status: store.SyndicationFailed, ErrorMessage: fmt.Sprintf("consent check: %v", err),
		})
	}
	if !ok {
		d.logger.Warn("dispatch blocked, no consent",
			slog.String("listing", listing.ID), slog.String("seller", listing.SellerID))
		return d.saveRecord(ctx, listing.ID, platform, &store.SyndicationRecord{
			Status: store.SyndicationFailed, ErrorMessage: ErrConsentMissing.Error(),
		})
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return d.saveRecord(ctx, listing.ID, platform, &store.SyndicationRecord{
			Status: store.SyndicationFailed, ErrorMessage: ctx.Err().Error(),
		})
	}

	rec := &store.SyndicationRecord{Status: store.SyndicationPending}
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
		res, callErr := adapter.Post(callCtx, listing)
		cancel()

		rec.Attempts = attempt
		rec.LastAttemptAt = time.Now().UnixMilli()
		d.audit(ctx, listing, platform, res, callErr)

		if callErr == nil {
			rec.Status = store.SyndicationSuccess
			rec.RemoteID = res.RemoteID
			rec.ErrorMessage = ""
			break
		}

		rec.Status = store.SyndicationFailed
		rec.ErrorMessage = callErr.Error()
		if !Retriable(callErr) {
			d.logger.Warn("dispatch failed, terminal",
				slog.String("listing", listing.ID), slog.String("platform", platform),
				slog.String("error", callErr.Error()))
			break
		}
		if attempt < d.config.MaxAttempts {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				break
			}
		}
	}

	return d.saveRecord(ctx, listing.ID, platform, rec)
}

// updateOne refreshes an already-live listing on one platform. The record
// keeps its success status either way: the remote copy stays live, and a
// failed refresh only leaves its error for a later pass.
func (d *Dispatcher) updateOne(ctx context.Context, listing *store.Listing, platform string,
	adapter PlatformAdapter, sem chan struct{}, existing *store.SyndicationRecord) *store.SyndicationRecord {

	ok, err := d.consent.HasActiveConsent(ctx, listing.SellerID)
	if err != nil || !ok {
		// Revoked consent is handled by the withdraw path; never overwrite
		// the success record here.
		d.logger.Warn("update skipped, no consent",
			slog.String("listing", listing.ID), slog.String("platform", platform))
		return existing
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return existing
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
	res, callErr := adapter.Update(callCtx, listing, existing.RemoteID)
	cancel()
	d.audit(ctx, listing, platform, res, callErr)

	existing.Attempts++
	existing.LastAttemptAt = time.Now().UnixMilli()
	if callErr != nil {
		existing.ErrorMessage = fmt.Sprintf("update: %v", callErr)
		d.logger.Warn("update failed",
			slog.String("listing", listing.ID), slog.String("platform", platform),
			slog.String("error", callErr.Error()))
	} else {
		existing.ErrorMessage = ""
	}
	return d.saveRecord(ctx, listing.ID, platform, existing)
}

// Withdraw removes a successfully syndicated listing from each platform.
// Best effort: per-platform failures are recorded as failed (retriable by
// a later reconciliation pass) and do not stop the others.
func (d *Dispatcher) Withdraw(ctx context.Context, listing *store.Listing, platforms []string) ([]*store.SyndicationRecord, error) {
	if len(platforms) == 0 {
		platforms = d.Platforms()
	}

	var (
		recMu   sync.Mutex
		records []*store.SyndicationRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.GlobalParallel)
	for _, platform := range platforms {
		platform := platform
		g.Go(func() error {
			rec := d.withdrawOne(gctx, listing, platform)
			if rec != nil {
				recMu.Lock()
				records = append(records, rec)
				recMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return records, nil
}

func (d *Dispatcher) withdrawOne(ctx context.Context, listing *store.Listing, platform string) *store.SyndicationRecord {
	existing, err := d.store.GetSyndicationRecord(ctx, listing.ID, platform)
	if err != nil || existing == nil || existing.Status != store.SyndicationSuccess {
		return nil
	}

	adapter, sem, err := d.adapter(platform)
	if err != nil {
		return nil
	}
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return existing
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
	res, callErr := adapter.Withdraw(callCtx, listing, existing.RemoteID)
	cancel()
	d.audit(ctx, listing, platform, res, callErr)

	existing.Attempts++
	existing.LastAttemptAt = time.Now().UnixMilli()
	if callErr != nil {
		existing.Status = store.SyndicationFailed
		existing.ErrorMessage = fmt.Sprintf("withdraw: %v", callErr)
	} else {
		existing.Status = store.SyndicationWithdrawn
		existing.ErrorMessage = ""
	}
	return d.saveRecord(ctx, listing.ID, platform, existing)
}

func (d *Dispatcher) saveRecord(ctx context.Context, listingID, platform string, rec *store.SyndicationRecord) *store.SyndicationRecord {
	rec.ListingID = listingID
	rec.Platform = platform
	if rec.ID == "" {
		rec.ID = d.newID()
	}
	if err := d.store.UpsertSyndicationRecord(ctx, rec); err != nil {
		d.logger.Error("persist syndication record",
			slog.String("listing", listingID), slog.String("platform", platform),
			slog.String("error", err.Error()))
	}
	return rec
}

func (d *Dispatcher) audit(ctx context.Context, listing *store.Listing, platform string, res PlatformResult, callErr error) {
	entry := &store.AuditLogEntry{
		ID:              idgen.Prefixed("aud_")(),
		Platform:        platform,
		Endpoint:        res.Endpoint,
		Method:          res.Method,
		StatusCode:      res.StatusCode,
		IsError:         callErr != nil,
		ExecutionTimeMs: res.Latency.Milliseconds(),
		ListingID:       listing.ID,
		SellerID:        listing.SellerID,
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	}
	if err := d.store.AppendAuditLog(ctx, entry); err != nil {
		d.logger.Error("append audit log", slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
