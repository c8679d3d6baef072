package store

import (
	"context"
	"database/sql"
	"time"
)

// AppendConsentEvent appends a grant or revocation. Events are never
// updated or deleted; revocation is a new row, not a mutation.
func (s *Store) AppendConsentEvent(ctx context.Context, e *ConsentEvent) error {
	if e.OccurredAt == 0 {
		e.OccurredAt = time.Now().UnixMilli()
	}
	_, err := s.exec(ctx,
		`INSERT INTO consent_events (id, seller_id, consent_type, event, legal_version, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SellerID, e.ConsentType, e.Event, e.LegalVersion, e.OccurredAt,
	)
	return err
}

// LatestConsentEvent returns the most recent event for (seller, type), or nil.
func (s *Store) LatestConsentEvent(ctx context.Context, sellerID, consentType string) (*ConsentEvent, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, seller_id, consent_type, event, legal_version, occurred_at
		FROM consent_events WHERE seller_id = ? AND consent_type = ?
		ORDER BY occurred_at DESC, id DESC LIMIT 1`, sellerID, consentType)
	var e ConsentEvent
	err := row.Scan(&e.ID, &e.SellerID, &e.ConsentType, &e.Event, &e.LegalVersion, &e.OccurredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListConsentEvents returns all events for a seller, oldest first.
func (s *Store) ListConsentEvents(ctx context.Context, sellerID string) ([]*ConsentEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, seller_id, consent_type, event, legal_version, occurred_at
		FROM consent_events WHERE seller_id = ? ORDER BY occurred_at ASC, id ASC`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ConsentEvent
	for rows.Next() {
		var e ConsentEvent
		if err := rows.Scan(&e.ID, &e.SellerID, &e.ConsentType, &e.Event,
			&e.LegalVersion, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ConsentSummary counts active and revoked consents (latest event per
// seller×type) plus total appended events.
func (s *Store) ConsentSummary(ctx context.Context) (*ComplianceSummary, error) {
	var sum ComplianceSummary
	err := s.DB.QueryRowContext(ctx, `
		WITH latest AS (
			SELECT seller_id, consent_type, event,
			ROW_NUMBER() OVER (PARTITION BY seller_id, consent_type
				ORDER BY occurred_at DESC, id DESC) AS rn
			FROM consent_events
		)
		SELECT
		(SELECT COUNT(*) FROM latest WHERE rn = 1 AND event = ?),
		(SELECT COUNT(*) FROM latest WHERE rn = 1 AND event = ?),
		(SELECT COUNT(*) FROM consent_events)`,
		ConsentGranted, ConsentRevoked).
		Scan(&sum.ActiveConsents, &sum.RevokedConsents, &sum.TotalEvents)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
