package store

// PartnerSource is an operator-configured inbound feed.
type PartnerSource struct {
	ID            string `json:"id"`
	PartnerName   string `json:"partner_name"`
	FeedType      string `json:"feed_type"` // webhook | csv | sftp | scrape
	SourceURL     string `json:"source_url"`
	FieldMapping  string `json:"field_mapping"` // JSON: partner field -> canonical (+transform)
	ConfigJSON    string `json:"config_json"`
	IsActive      bool   `json:"is_active"`
	SyncFrequency int64  `json:"sync_frequency_hours"`
	Cursor        string `json:"cursor"` // adapter high-water mark (file mtime, content hash)
	LastRunAt     *int64 `json:"last_run_at,omitempty"`
	LastStatus    string `json:"last_status"`
	LastError     string `json:"last_error"`
	FailCount     int    `json:"fail_count"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Listing is the canonical normalized listing owned by the pipeline.
type Listing struct {
	ID              string   `json:"id"`
	SourceID        string   `json:"source_id"`
	SourceListingID string   `json:"source_listing_id"`
	SellerID        string   `json:"seller_id"`
	VIN             string   `json:"vin"`
	Registration    string   `json:"registration_number"`
	Make            string   `json:"make"`
	Model           string   `json:"model"`
	Year            int      `json:"year"`
	Price           int64    `json:"price"`
	Mileage         int64    `json:"mileage"`
	City            string   `json:"city"`
	State           string   `json:"state"`
	FuelType        string   `json:"fuel_type"`
	Transmission    string   `json:"transmission"`
	Images          []string `json:"images"`
	Documents       []string `json:"documents"`
	Status          string   `json:"status"` // admitted | flagged | rejected | merged
	DedupConfidence float64  `json:"dedup_confidence"`
	DedupMatchedID  string   `json:"dedup_matched_id,omitempty"`
	RiskScore       int      `json:"risk_score"`
	RiskReasons     []string `json:"risk_reasons,omitempty"`
	NormalizedAt    int64    `json:"normalized_at"`
	RejectedAt      *int64   `json:"rejected_at,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// Listing status values.
const (
	ListingAdmitted = "admitted"
	ListingFlagged  = "flagged"
	ListingRejected = "rejected"
	ListingMerged   = "merged"
)

// ReviewItem wraps a flagged listing awaiting operator decision.
type ReviewItem struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	State     string `json:"state"`  // pending | approved | rejected
	Reason    string `json:"reason"` // dedup | risk
	DedupJSON string `json:"dedup_json"`
	RiskJSON  string `json:"risk_json"`
	Notes     string `json:"notes"`
	Reviewer  string `json:"reviewer"`
	CreatedAt int64  `json:"created_at"`
	DecidedAt *int64 `json:"decided_at,omitempty"`
}

// Review states.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewRejected = "rejected"
)

// SyndicationRecord tracks one (listing, platform) dispatch outcome.
// Never deleted: dispatch history is compliance-relevant.
type SyndicationRecord struct {
	ID            string `json:"id"`
	ListingID     string `json:"listing_id"`
	Platform      string `json:"platform"`
	Status        string `json:"status"` // pending | success | failed | withdrawn
	Attempts      int    `json:"attempts"`
	RemoteID      string `json:"remote_id"`
	ErrorMessage  string `json:"error_message"`
	LastAttemptAt int64  `json:"last_attempt_at"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Syndication status values.
const (
	SyndicationPending   = "pending"
	SyndicationSuccess   = "success"
	SyndicationFailed    = "failed"
	SyndicationWithdrawn = "withdrawn"
)

// AuditLogEntry is one appended record of an external API call.
type AuditLogEntry struct {
	ID              string `json:"id"`
	Platform        string `json:"platform"`
	Endpoint        string `json:"endpoint"`
	Method          string `json:"method"`
	StatusCode      int    `json:"status_code"`
	IsError         bool   `json:"is_error"`
	ErrorMessage    string `json:"error_message"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	ListingID       string `json:"listing_id,omitempty"`
	SellerID        string `json:"seller_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

// ConsentEvent is one appended grant or revocation. Consent state is derived
// from the latest event per (seller, type); rows are never updated.
type ConsentEvent struct {
	ID           string `json:"id"`
	SellerID     string `json:"seller_id"`
	ConsentType  string `json:"consent_type"`
	Event        string `json:"event"` // granted | revoked
	LegalVersion string `json:"legal_version"`
	OccurredAt   int64  `json:"occurred_at"`
}

// Consent event values.
const (
	ConsentGranted = "granted"
	ConsentRevoked = "revoked"
)

// RunLogEntry records one ingestion run of a partner source.
type RunLogEntry struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	Trigger      string `json:"trigger"` // scheduled | manual
	Status       string `json:"status"`  // success | error
	Total        int    `json:"records_total"`
	Validated    int    `json:"records_validated"`
	Errors       int    `json:"records_errors"`
	Warnings     int    `json:"records_warnings"`
	ErrorMessage string `json:"error_message"`
	DurationMs   int64  `json:"duration_ms"`
	StartedAt    int64  `json:"started_at"`
}

// Rejection is one itemized per-record failure within an ingestion run.
type Rejection struct {
	ID              string `json:"id"`
	SourceID        string `json:"source_id"`
	RunID           string `json:"run_id"`
	Row             int    `json:"row"`
	SourceListingID string `json:"source_listing_id"`
	Reason          string `json:"reason"`
	PayloadJSON     string `json:"payload_json"`
	CreatedAt       int64  `json:"created_at"`
}

// PipelineStats holds aggregate counters for dashboards.
type PipelineStats struct {
	Sources      int `json:"sources"`
	Listings     int `json:"listings"`
	Admitted     int `json:"admitted"`
	Flagged      int `json:"flagged"`
	Rejected     int `json:"rejected"`
	PendingItems int `json:"pending_review_items"`
	Runs         int `json:"runs"`
}

// PlatformHealth summarizes dispatch outcomes for one platform.
type PlatformHealth struct {
	Platform    string  `json:"platform"`
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	LastPostAt  *int64  `json:"last_post_at,omitempty"`
}

// ComplianceSummary holds consent counters for compliance reporting.
type ComplianceSummary struct {
	ActiveConsents  int `json:"active_consents"`
	RevokedConsents int `json:"revoked_consents"`
	TotalEvents     int `json:"total_events"`
}
