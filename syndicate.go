package syndicate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cararth/syndicate/idgen"
	"github.com/cararth/syndicate/internal/dedup"
	"github.com/cararth/syndicate/internal/dispatch"
	"github.com/cararth/syndicate/internal/extract"
	"github.com/cararth/syndicate/internal/fetch"
	"github.com/cararth/syndicate/internal/health"
	"github.com/cararth/syndicate/internal/imagesim"
	"github.com/cararth/syndicate/internal/ingest"
	"github.com/cararth/syndicate/internal/ledger"
	"github.com/cararth/syndicate/internal/netguard"
	"github.com/cararth/syndicate/internal/pipeline"
	"github.com/cararth/syndicate/internal/review"
	"github.com/cararth/syndicate/internal/risk"
	"github.com/cararth/syndicate/internal/scheduler"
	"github.com/cararth/syndicate/internal/store"
)

// Service is the main syndication orchestrator.
type Service struct {
	store        *store.Store
	config       *Config
	logger       *slog.Logger
	newID        idgen.Generator
	urlValidator func(string) error

	webhook    *ingest.WebhookAdapter
	engine     *dedup.Engine
	scorer     *risk.Scorer
	reviews    *review.Queue
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
	health     *health.Registry
	runner     *pipeline.Runner
	scheduler  *scheduler.Scheduler

	// optional, set via options before wiring
	images    imagesim.Comparer
	extractor extract.Extractor
	platforms []dispatch.PlatformAdapter
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithImageSim enables image-similarity scoring in the dedup engine.
func WithImageSim(c imagesim.Comparer) ServiceOption {
	return func(svc *Service) { svc.images = c }
}

// WithExtractor overrides the field extractor used by the scrape adapter.
// The default is the HTTP client built from Config.Extract.
func WithExtractor(e extract.Extractor) ServiceOption {
	return func(svc *Service) { svc.extractor = e }
}

// WithPlatformAdapter registers an additional marketplace adapter beyond
// those declared in Config.Platforms.
func WithPlatformAdapter(a dispatch.PlatformAdapter) ServiceOption {
	return func(svc *Service) { svc.platforms = append(svc.platforms, a) }
}

// WithURLValidator overrides URL validation (default: netguard.ValidateURL).
// Use in tests with httptest servers that listen on loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// New creates a syndication Service on an open database. The schema must
// already be applied (see ApplySchema).
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		store:        store.NewStore(db),
		config:       cfg,
		logger:       logger,
		newID:        idgen.Prefixed("src_"),
		urlValidator: netguard.ValidateURL,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.images == nil && cfg.ImageSim.Endpoint != "" {
		svc.images = imagesim.NewClient(cfg.ImageSim)
	}
	if svc.extractor == nil {
		svc.extractor = extract.NewClient(cfg.Extract)
	}

	svc.engine = dedup.NewEngine(cfg.Dedup, svc.images, logger)
	svc.scorer = risk.NewScorer(cfg.Risk, nil)
	svc.reviews = review.NewQueue(svc.store, svc.scorer, nil, logger)
	svc.ledger = ledger.New(svc.store, logger)

	svc.dispatcher = dispatch.NewDispatcher(cfg.Dispatch, svc.store, svc.ledger, logger)
	for _, p := range cfg.Platforms {
		a, err := dispatch.NewHTTPJSONAdapter(dispatch.HTTPJSONAdapterOptions{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("platform %q: %w", p.Name, err)
		}
		svc.dispatcher.Register(a)
	}
	for _, a := range svc.platforms {
		svc.dispatcher.Register(a)
	}

	fetchCfg := cfg.Fetch
	if fetchCfg.URLValidator == nil {
		fetchCfg.URLValidator = svc.urlValidator
	}
	svc.webhook = ingest.NewWebhookAdapter(cfg.WebhookBuffer)
	adapters := []ingest.SourceAdapter{
		svc.webhook,
		ingest.NewCSVAdapter(cfg.CSVDropDir),
		ingest.NewSFTPAdapter(cfg.SFTP.Timeout, cfg.SFTP.MaxBytes),
		ingest.NewScrapeAdapter(fetch.New(fetchCfg), svc.extractor),
	}

	dispatchHook := func(ctx context.Context, l *store.Listing) {
		if _, err := svc.dispatcher.Dispatch(ctx, l, nil); err != nil {
			logger.Error("dispatch after admission", "listing", l.ID, "error", err)
		}
	}
	svc.runner = pipeline.NewRunner(cfg.Pipeline, svc.store, adapters,
		svc.engine, svc.scorer, svc.reviews, dispatchHook, logger)

	svc.scheduler = scheduler.New(svc.store, svc.runner, cfg.Scheduler, logger)
	svc.health = health.NewRegistry(svc.store, cfg.Health)

	return svc, nil
}

// ApplySchema applies the pipeline schema to a database.
// Exported for migration scripts and tests.
func ApplySchema(db *sql.DB) error {
	return store.ApplySchema(db)
}

// Start launches the background scheduler. Non-blocking.
func (svc *Service) Start(ctx context.Context) {
	go svc.scheduler.Run(ctx)
	svc.logger.Info("syndicate: started")
}

// Close shuts down the service.
func (svc *Service) Close() error {
	svc.logger.Info("syndicate: closed")
	return nil
}

// --- Sources ---

// AddSource registers a new partner feed source.
func (svc *Service) AddSource(ctx context.Context, src *PartnerSource) error {
	if src.ID == "" {
		src.ID = svc.newID()
	}

	// Apply defaults before validation.
	if src.FeedType == "" {
		src.FeedType = ingest.FeedWebhook
	}
	if src.SyncFrequency == 0 {
		src.SyncFrequency = 24
	}

	if err := validateSourceInput(src); err != nil {
		return err
	}

	normalized, err := NormalizeSourceURL(src.SourceURL)
	if err != nil {
		return err
	}
	src.SourceURL = normalized

	// Scrape targets are operator-supplied and fetched server-side.
	if src.FeedType == ingest.FeedScrape {
		if err := svc.urlValidator(src.SourceURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	count, err := svc.store.CountPartnerSources(ctx)
	if err != nil {
		return fmt.Errorf("count sources: %w", err)
	}
	if count >= svc.config.MaxSources {
		return fmt.Errorf("%w: maximum %d sources", ErrQuotaExceeded, svc.config.MaxSources)
	}

	if src.SourceURL != "" {
		existing, _ := svc.store.GetPartnerSourceByURL(ctx, src.SourceURL)
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.SourceURL)
		}
	}

	if err := svc.store.InsertPartnerSource(ctx, src); err != nil {
		return err
	}
	svc.logger.Info("source added",
		slog.String("source", src.ID),
		slog.String("partner", src.PartnerName),
		slog.String("feed_type", src.FeedType))
	return nil
}

// GetSource retrieves a source by ID.
func (svc *Service) GetSource(ctx context.Context, id string) (*PartnerSource, error) {
	src, err := svc.store.GetPartnerSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return src, nil
}

// ListSources returns all configured sources.
func (svc *Service) ListSources(ctx context.Context) ([]*PartnerSource, error) {
	return svc.store.ListPartnerSources(ctx)
}

// UpdateSource updates a source's mutable fields. Unset fields keep their
// stored values.
func (svc *Service) UpdateSource(ctx context.Context, src *PartnerSource) error {
	existing, err := svc.GetSource(ctx, src.ID)
	if err != nil {
		return err
	}

	// Merge: use existing values for unset fields so validation passes.
	if src.PartnerName == "" {
		src.PartnerName = existing.PartnerName
	}
	if src.FeedType == "" {
		src.FeedType = existing.FeedType
	}
	if src.SourceURL == "" {
		src.SourceURL = existing.SourceURL
	}
	if src.FieldMapping == "" {
		src.FieldMapping = existing.FieldMapping
	}
	if src.ConfigJSON == "" {
		src.ConfigJSON = existing.ConfigJSON
	}
	if src.SyncFrequency == 0 {
		src.SyncFrequency = existing.SyncFrequency
	}

	if err := validateSourceInput(src); err != nil {
		return err
	}

	normalized, err := NormalizeSourceURL(src.SourceURL)
	if err != nil {
		return err
	}
	src.SourceURL = normalized

	if src.FeedType == ingest.FeedScrape {
		if err := svc.urlValidator(src.SourceURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	if src.SourceURL != "" && src.SourceURL != existing.SourceURL {
		other, _ := svc.store.GetPartnerSourceByURL(ctx, src.SourceURL)
		if other != nil && other.ID != src.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.SourceURL)
		}
	}

	return svc.store.UpdatePartnerSource(ctx, src)
}

// DeleteSource removes a source and its ingestion history.
func (svc *Service) DeleteSource(ctx context.Context, id string) error {
	if _, err := svc.GetSource(ctx, id); err != nil {
		return err
	}
	return svc.store.DeletePartnerSource(ctx, id)
}

// ResetSource clears a source's failure streak so the scheduler resumes it.
func (svc *Service) ResetSource(ctx context.Context, id string) error {
	if _, err := svc.GetSource(ctx, id); err != nil {
		return err
	}
	return svc.store.ResetSource(ctx, id)
}

// --- Ingestion ---

// ReceiveWebhook buffers an inbound webhook body for a source and triggers
// a run to drain it. The body may be a single JSON object or an array.
// Returns the number of accepted payloads.
func (svc *Service) ReceiveWebhook(ctx context.Context, sourceID string, body []byte) (int, error) {
	src, err := svc.GetSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	if !src.IsActive {
		return 0, fmt.Errorf("%w: source %s is inactive", ErrInvalidInput, sourceID)
	}
	if src.FeedType != ingest.FeedWebhook {
		return 0, fmt.Errorf("%w: source %s is %s, not webhook", ErrInvalidInput, sourceID, src.FeedType)
	}

	n, err := svc.webhook.Receive(sourceID, body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// A conflict means a run is already queued behind the current one;
	// the buffered payloads drain with it.
	if err := svc.scheduler.TriggerRun(ctx, sourceID); err != nil && !errors.Is(err, ErrScheduleConflict) {
		svc.logger.Warn("webhook trigger", "source", sourceID, "error", err)
	}
	return n, nil
}

// TriggerManualRun requests an immediate run for one source, or for all
// active sources when sourceID is "all".
func (svc *Service) TriggerManualRun(ctx context.Context, sourceID string) error {
	return svc.scheduler.TriggerRun(ctx, sourceID)
}

// --- Review ---

// ListFlaggedReviewItems returns pending review items, oldest first.
func (svc *Service) ListFlaggedReviewItems(ctx context.Context) ([]*ReviewItem, error) {
	return svc.reviews.Pending(ctx)
}

// ReviewItem applies an operator decision to a pending item. Approved
// listings are dispatched to all registered platforms.
func (svc *Service) ReviewItem(ctx context.Context, id, action, notes, reviewer string) (*ReviewDecision, error) {
	dec, err := svc.reviews.Decide(ctx, id, action, notes, reviewer)
	if err != nil {
		return nil, err
	}
	if dec.Approved && dec.Listing != nil {
		if _, err := svc.dispatcher.Dispatch(ctx, dec.Listing, nil); err != nil {
			svc.logger.Error("dispatch after approval", "listing", dec.Listing.ID, "error", err)
		}
	}
	return dec, nil
}

// UpdateReviewListing applies operator edits to a pending item's listing
// and returns the recomputed risk assessment.
func (svc *Service) UpdateReviewListing(ctx context.Context, itemID string, edited *Listing) (*RiskAssessment, error) {
	return svc.reviews.UpdateListing(ctx, itemID, edited)
}

// --- Syndication ---

// SyndicationHealth summarizes dispatch outcomes per platform.
func (svc *Service) SyndicationHealth(ctx context.Context) ([]*PlatformHealth, error) {
	return svc.store.SyndicationHealth(ctx)
}

// SyndicationRecords returns all dispatch records for a listing.
func (svc *Service) SyndicationRecords(ctx context.Context, listingID string) ([]*SyndicationRecord, error) {
	return svc.store.ListSyndicationRecords(ctx, listingID)
}

// Platforms lists registered marketplace adapter names.
func (svc *Service) Platforms() []string {
	return svc.dispatcher.Platforms()
}

// --- Consent & compliance ---

// GrantConsent appends a syndication consent grant for a seller.
func (svc *Service) GrantConsent(ctx context.Context, sellerID, legalVersion string) (*ConsentEvent, error) {
	return svc.ledger.Grant(ctx, sellerID, ledger.ConsentSyndication, legalVersion)
}

// RevokeConsent appends a revocation and withdraws the seller's live
// listings from every platform they were posted to.
func (svc *Service) RevokeConsent(ctx context.Context, sellerID, legalVersion string) (*ConsentEvent, error) {
	ev, err := svc.ledger.Revoke(ctx, sellerID, ledger.ConsentSyndication, legalVersion)
	if err != nil {
		return nil, err
	}

	listings, err := svc.store.ListListingsBySeller(ctx, sellerID)
	if err != nil {
		return ev, fmt.Errorf("list seller listings: %w", err)
	}
	ids := make([]string, 0, len(listings))
	for _, l := range listings {
		ids = append(ids, l.ID)
	}
	live, err := svc.store.ListSuccessfulSyndications(ctx, ids)
	if err != nil {
		return ev, fmt.Errorf("list live syndications: %w", err)
	}
	platformsByListing := map[string][]string{}
	for _, rec := range live {
		platformsByListing[rec.ListingID] = append(platformsByListing[rec.ListingID], rec.Platform)
	}
	for _, l := range listings {
		platforms := platformsByListing[l.ID]
		if len(platforms) == 0 {
			continue
		}
		if _, err := svc.dispatcher.Withdraw(ctx, l, platforms); err != nil {
			svc.logger.Error("withdraw after revocation",
				"seller", sellerID, "listing", l.ID, "error", err)
		}
	}
	return ev, nil
}

// ConsentHistory returns all consent events for a seller, newest first.
func (svc *Service) ConsentHistory(ctx context.Context, sellerID string) ([]*ConsentEvent, error) {
	return svc.ledger.History(ctx, sellerID)
}

// AuditLog returns external-call audit entries matching the filter.
func (svc *Service) AuditLog(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	return svc.ledger.Audit(ctx, f)
}

// ComplianceSummary returns consent counters for compliance reporting.
func (svc *Service) ComplianceSummary(ctx context.Context) (*ComplianceSummary, error) {
	return svc.ledger.ComplianceSummary(ctx)
}

// --- Health & reporting ---

// ScraperHealth derives per-source health from recent run history.
func (svc *Service) ScraperHealth(ctx context.Context) ([]*SourceHealth, error) {
	return svc.health.Snapshot(ctx)
}

// RunHistory returns recent ingestion runs for a source, newest first.
func (svc *Service) RunHistory(ctx context.Context, sourceID string, limit int) ([]*RunLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return svc.store.RunHistory(ctx, sourceID, limit)
}

// Rejections itemizes per-record failures within one ingestion run.
func (svc *Service) Rejections(ctx context.Context, runID string) ([]*Rejection, error) {
	return svc.store.ListRejections(ctx, runID)
}

// GetListing retrieves a canonical listing by ID.
func (svc *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return svc.store.GetListing(ctx, id)
}

// Stats returns aggregate pipeline counters.
func (svc *Service) Stats(ctx context.Context) (*PipelineStats, error) {
	return svc.store.Stats(ctx)
}
