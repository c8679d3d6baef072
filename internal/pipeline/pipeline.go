// Package pipeline runs one ingestion batch end to end: pull, normalize,
// dedup, risk-score, route. Each run is recorded in the run log with its
// itemized rejections.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cararth/syndicate/idgen"
	"github.com/cararth/syndicate/internal/dedup"
	"github.com/cararth/syndicate/internal/ingest"
	"github.com/cararth/syndicate/internal/normalize"
	"github.com/cararth/syndicate/internal/risk"
	"github.com/cararth/syndicate/internal/store"
)

// Review reasons attached to queue items.
const (
	ReasonDedup = "dedup"
	ReasonRisk  = "risk"
)

// Config tunes batch processing.
type Config struct {
	Workers        int           `yaml:"workers"`         // normalize concurrency, default 4
	RejectCooldown time.Duration `yaml:"reject_cooldown"` // rejected listings stay dedup-visible, default 72h
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RejectCooldown <= 0 {
		c.RejectCooldown = 72 * time.Hour
	}
}

// BatchSummary is the outcome of one run.
type BatchSummary struct {
	RunID      string `json:"run_id"`
	SourceID   string `json:"source_id"`
	Trigger    string `json:"trigger"`
	Total      int    `json:"total"`
	Admitted   int    `json:"admitted"`
	Flagged    int    `json:"flagged"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
	Warnings   int    `json:"warnings"`
	DurationMs int64  `json:"duration_ms"`
}

// ReviewSink enqueues flagged listings for operator review.
type ReviewSink interface {
	Enqueue(ctx context.Context, listingID, reason string, dedupCtx, riskCtx any) (*store.ReviewItem, error)
}

// Runner executes batches. Admitted listings are handed to the optional
// dispatch hook after persistence.
type Runner struct {
	config   Config
	store    *store.Store
	adapters map[string]ingest.SourceAdapter
	engine   *dedup.Engine
	scorer   *risk.Scorer
	reviews  ReviewSink
	dispatch func(ctx context.Context, l *store.Listing)
	newID    idgen.Generator
	logger   *slog.Logger
}

// NewRunner wires the batch runner. dispatch may be nil.
func NewRunner(
	cfg Config,
	st *store.Store,
	adapters []ingest.SourceAdapter,
	engine *dedup.Engine,
	scorer *risk.Scorer,
	reviews ReviewSink,
	dispatch func(ctx context.Context, l *store.Listing),
	logger *slog.Logger,
) *Runner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	byType := make(map[string]ingest.SourceAdapter, len(adapters))
	for _, a := range adapters {
		byType[a.FeedType()] = a
	}
	return &Runner{
		config:   cfg,
		store:    st,
		adapters: byType,
		engine:   engine,
		scorer:   scorer,
		reviews:  reviews,
		dispatch: dispatch,
		newID:    idgen.Prefixed("lst_"),
		logger:   logger,
	}
}

// Run executes one batch for the source and persists the run log entry.
// The returned summary is also what the run log records.
func (r *Runner) Run(ctx context.Context, src *store.PartnerSource, trigger string) (*BatchSummary, error) {
	start := time.Now()
	runID := idgen.Prefixed("run_")()
	summary := &BatchSummary{RunID: runID, SourceID: src.ID, Trigger: trigger}

	adapter, ok := r.adapters[src.FeedType]
	if !ok {
		err := fmt.Errorf("no adapter for feed type %q", src.FeedType)
		r.finishRun(ctx, src, summary, start, err)
		return summary, err
	}

	records, err := adapter.Pull(ctx, src)
	if err != nil {
		r.finishRun(ctx, src, summary, start, fmt.Errorf("pull: %w", err))
		return summary, err
	}
	summary.Total = len(records)

	mapping, err := normalize.ParseMapping(src.FieldMapping)
	if err != nil {
		err = fmt.Errorf("field mapping: %w", err)
		r.finishRun(ctx, src, summary, start, err)
		return summary, err
	}

	// Normalization is pure and fans out; results keep batch order.
	results := make([]*normalize.Result, len(records))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for i := range records {
		i := i
		g.Go(func() error {
			results[i] = normalize.Normalize(records[i], mapping)
			return nil
		})
	}
	_ = g.Wait()

	// Routing is sequential within the batch; bucket locks guard against
	// concurrent batches of other sources racing on the same vehicle.
	for i, res := range results {
		if err := ctx.Err(); err != nil {
			r.finishRun(ctx, src, summary, start, err)
			return summary, err
		}
		r.routeRecord(ctx, src, runID, records[i], res, summary)
	}

	r.finishRun(ctx, src, summary, start, nil)
	return summary, nil
}

func (r *Runner) routeRecord(ctx context.Context, src *store.PartnerSource, runID string, rec ingest.RawRecord, res *normalize.Result, summary *BatchSummary) {
	if rec.Warning != "" || len(res.Warnings) > 0 {
		summary.Warnings++
	}

	if res.Rejected() {
		summary.Rejected++
		r.recordRejection(ctx, src.ID, runID, rec, res.Listing.SourceListingID, joinFieldErrors(res.Errors))
		return
	}

	l := res.Listing
	l.ID = r.newID()

	unlock := r.engine.LockBucket(dedup.Bucket(l))
	defer unlock()

	inventory, err := r.candidates(ctx, l)
	if err != nil {
		summary.Rejected++
		r.recordRejection(ctx, src.ID, runID, rec, l.SourceListingID, fmt.Sprintf("dedup lookup: %v", err))
		return
	}

	dd := r.engine.Dedupe(ctx, l, inventory)
	if dd.Decision == dedup.DecisionSkip {
		summary.Duplicates++
		r.logger.Debug("duplicate skipped",
			slog.String("source", src.ID),
			slog.Int("row", rec.Row),
			slog.String("matched", dd.MatchedID))
		return
	}
	l.DedupConfidence = dd.Confidence
	l.DedupMatchedID = dd.MatchedID

	assessment := r.scorer.Score(l)
	l.RiskScore = assessment.Score
	l.RiskReasons = assessment.Reasons

	switch {
	case assessment.HardBlocked:
		l.Status = store.ListingRejected
		now := time.Now().UnixMilli()
		l.RejectedAt = &now
		summary.Rejected++
		r.recordRejection(ctx, src.ID, runID, rec, l.SourceListingID, strings.Join(assessment.Reasons, "; "))
	case dd.Decision == dedup.DecisionFlag, assessment.Band == risk.BandHigh, rec.Warning != "":
		l.Status = store.ListingFlagged
		summary.Flagged++
	default:
		l.Status = store.ListingAdmitted
		summary.Admitted++
	}

	if err := r.store.InsertListing(ctx, l); err != nil {
		r.logger.Error("insert listing",
			slog.String("source", src.ID), slog.Int("row", rec.Row),
			slog.String("error", err.Error()))
		return
	}

	if l.Status == store.ListingFlagged && r.reviews != nil {
		reason := ReasonRisk
		if dd.Decision == dedup.DecisionFlag {
			reason = ReasonDedup
		}
		if _, err := r.reviews.Enqueue(ctx, l.ID, reason, dd, assessment); err != nil {
			r.logger.Error("enqueue review item",
				slog.String("listing", l.ID), slog.String("error", err.Error()))
		}
	}

	if l.Status == store.ListingAdmitted && r.dispatch != nil {
		r.dispatch(ctx, l)
	}
}

// candidates returns the inventory slice the dedup engine scores against:
// same make/model (including recently rejected listings) plus any exact
// identifier match regardless of attribute text.
func (r *Runner) candidates(ctx context.Context, l *store.Listing) ([]*store.Listing, error) {
	inventory, err := r.store.DedupCandidates(ctx, l.Make, l.Model, r.config.RejectCooldown)
	if err != nil {
		return nil, err
	}
	for _, id := range []string{l.VIN, l.Registration} {
		if id == "" {
			continue
		}
		exact, err := r.store.GetListingByVIN(ctx, id)
		if err != nil {
			return nil, err
		}
		if exact != nil && !containsListing(inventory, exact.ID) {
			inventory = append(inventory, exact)
		}
	}
	return inventory, nil
}

func (r *Runner) recordRejection(ctx context.Context, sourceID, runID string, rec ingest.RawRecord, sourceListingID, reason string) {
	err := r.store.InsertRejection(ctx, &store.Rejection{
		ID:              idgen.Prefixed("rej_")(),
		SourceID:        sourceID,
		RunID:           runID,
		Row:             rec.Row,
		SourceListingID: sourceListingID,
		Reason:          reason,
		PayloadJSON:     string(rec.Payload),
	})
	if err != nil {
		r.logger.Error("record rejection", slog.String("error", err.Error()))
	}
}

// finishRun persists the run log entry and the source's last-run state.
// Persistence survives batch cancellation.
func (r *Runner) finishRun(ctx context.Context, src *store.PartnerSource, summary *BatchSummary, start time.Time, runErr error) {
	ctx = context.WithoutCancel(ctx)
	summary.DurationMs = time.Since(start).Milliseconds()

	entry := &store.RunLogEntry{
		ID:         summary.RunID,
		SourceID:   src.ID,
		Trigger:    summary.Trigger,
		Status:     "success",
		Total:      summary.Total,
		Validated:  summary.Admitted + summary.Flagged,
		Errors:     summary.Rejected,
		Warnings:   summary.Warnings,
		DurationMs: summary.DurationMs,
		StartedAt:  start.UnixMilli(),
	}
	if runErr != nil {
		entry.Status = "error"
		entry.ErrorMessage = runErr.Error()
	}
	if err := r.store.InsertRunLog(ctx, entry); err != nil {
		r.logger.Error("insert run log", slog.String("error", err.Error()))
	}

	if runErr != nil {
		if err := r.store.RecordRunError(ctx, src.ID, runErr.Error()); err != nil {
			r.logger.Error("record run error", slog.String("error", err.Error()))
		}
		r.logger.Error("batch failed",
			slog.String("source", src.ID), slog.String("error", runErr.Error()))
		return
	}

	if err := r.store.RecordRunSuccess(ctx, src.ID); err != nil {
		r.logger.Error("record run success", slog.String("error", err.Error()))
	}
	// Adapters advance src.Cursor in place during Pull.
	if err := r.store.UpdateSourceCursor(ctx, src.ID, src.Cursor); err != nil {
		r.logger.Error("update cursor", slog.String("error", err.Error()))
	}

	r.logger.Info("batch complete",
		slog.String("source", src.ID),
		slog.String("run", summary.RunID),
		slog.Int("total", summary.Total),
		slog.Int("admitted", summary.Admitted),
		slog.Int("flagged", summary.Flagged),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("rejected", summary.Rejected),
		slog.Int64("duration_ms", summary.DurationMs))
}

func containsListing(inventory []*store.Listing, id string) bool {
	for _, l := range inventory {
		if l.ID == id {
			return true
		}
	}
	return false
}

func joinFieldErrors(errs []normalize.FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
