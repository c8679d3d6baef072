// Package syndicate provides a partner listing ingestion, deduplication,
// and marketplace syndication pipeline.
//
// Partner feeds (webhook, CSV drop, SFTP, scrape) are pulled by a scheduler,
// normalized into canonical listings, deduplicated against recent inventory,
// risk-scored, and either admitted, flagged for operator review, or
// rejected. Admitted listings fan out to registered marketplace platforms
// with consent checks, bounded retries, and a full audit trail. Everything
// persists in a single SQLite database.
package syndicate

import (
	"github.com/cararth/syndicate/internal/dedup"
	"github.com/cararth/syndicate/internal/dispatch"
	"github.com/cararth/syndicate/internal/health"
	"github.com/cararth/syndicate/internal/pipeline"
	"github.com/cararth/syndicate/internal/review"
	"github.com/cararth/syndicate/internal/risk"
	"github.com/cararth/syndicate/internal/store"
)

// Re-export store and subsystem types for the public API.
type (
	PartnerSource     = store.PartnerSource
	Listing           = store.Listing
	ReviewItem        = store.ReviewItem
	SyndicationRecord = store.SyndicationRecord
	AuditLogEntry     = store.AuditLogEntry
	AuditFilter       = store.AuditFilter
	ConsentEvent      = store.ConsentEvent
	ComplianceSummary = store.ComplianceSummary
	RunLogEntry       = store.RunLogEntry
	Rejection         = store.Rejection
	PipelineStats     = store.PipelineStats
	PlatformHealth    = store.PlatformHealth
	SourceHealth      = health.SourceHealth
	BatchSummary      = pipeline.BatchSummary
	ReviewDecision    = review.Decision
	RiskAssessment    = risk.Assessment
	DedupResult       = dedup.Result
	PlatformAdapter   = dispatch.PlatformAdapter
)

// Review actions accepted by ReviewItem.
const (
	ActionApprove = review.ActionApprove
	ActionReject  = review.ActionReject
)
