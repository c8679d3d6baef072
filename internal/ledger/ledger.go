// Package ledger is the append-only compliance surface: consent events
// and the external-call audit log. Nothing here updates or deletes rows;
// state is always derived from event history.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cararth/syndicate/idgen"
	"github.com/cararth/syndicate/internal/store"
)

// ConsentSyndication is the consent type gating marketplace syndication.
const ConsentSyndication = "syndication"

// Ledger wraps the append-only store operations.
type Ledger struct {
	store  *store.Store
	newID  idgen.Generator
	logger *slog.Logger
}

// New creates a Ledger.
func New(st *store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, newID: idgen.Prefixed("cns_"), logger: logger}
}

// Grant appends a consent grant for a seller.
func (l *Ledger) Grant(ctx context.Context, sellerID, consentType, legalVersion string) (*store.ConsentEvent, error) {
	return l.append(ctx, sellerID, consentType, store.ConsentGranted, legalVersion)
}

// Revoke appends a consent revocation. The caller is responsible for
// withdrawing the seller's live syndications afterwards.
func (l *Ledger) Revoke(ctx context.Context, sellerID, consentType, legalVersion string) (*store.ConsentEvent, error) {
	return l.append(ctx, sellerID, consentType, store.ConsentRevoked, legalVersion)
}

func (l *Ledger) append(ctx context.Context, sellerID, consentType, event, legalVersion string) (*store.ConsentEvent, error) {
	if sellerID == "" {
		return nil, fmt.Errorf("seller id is required")
	}
	if consentType == "" {
		consentType = ConsentSyndication
	}
	e := &store.ConsentEvent{
		ID:           l.newID(),
		SellerID:     sellerID,
		ConsentType:  consentType,
		Event:        event,
		LegalVersion: legalVersion,
		OccurredAt:   time.Now().UnixMilli(),
	}
	if err := l.store.AppendConsentEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("append consent event: %w", err)
	}
	l.logger.Info("consent event",
		slog.String("seller", sellerID),
		slog.String("type", consentType),
		slog.String("event", event))
	return e, nil
}

// HasActiveConsent reports whether the seller's latest syndication
// consent event is a grant. No events means no consent.
func (l *Ledger) HasActiveConsent(ctx context.Context, sellerID string) (bool, error) {
	latest, err := l.store.LatestConsentEvent(ctx, sellerID, ConsentSyndication)
	if err != nil {
		return false, err
	}
	return latest != nil && latest.Event == store.ConsentGranted, nil
}

// History returns all consent events for a seller, oldest first.
func (l *Ledger) History(ctx context.Context, sellerID string) ([]*store.ConsentEvent, error) {
	return l.store.ListConsentEvents(ctx, sellerID)
}

// Audit queries the external-call audit log.
func (l *Ledger) Audit(ctx context.Context, f store.AuditFilter) ([]*store.AuditLogEntry, error) {
	return l.store.QueryAuditLog(ctx, f)
}

// ComplianceSummary aggregates active and revoked consents.
func (l *Ledger) ComplianceSummary(ctx context.Context) (*store.ComplianceSummary, error) {
	return l.store.ConsentSummary(ctx)
}
