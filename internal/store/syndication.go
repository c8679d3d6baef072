package store

import (
	"context"
	"database/sql"
	"time"
)

const syndicationCols = `id, listing_id, platform, status, attempts, remote_id,
	error_message, last_attempt_at, created_at, updated_at`

// UpsertSyndicationRecord inserts or updates the record for (listing, platform).
// History is never deleted; every attempt mutates the same row.
func (s *Store) UpsertSyndicationRecord(ctx context.Context, r *SyndicationRecord) error {
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.exec(ctx,
		`INSERT INTO syndication_records (`+syndicationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(listing_id, platform) DO UPDATE SET
		status=excluded.status, attempts=excluded.attempts,
		remote_id=excluded.remote_id, error_message=excluded.error_message,
		last_attempt_at=excluded.last_attempt_at, updated_at=excluded.updated_at`,
		r.ID, r.ListingID, r.Platform, r.Status, r.Attempts, r.RemoteID,
		r.ErrorMessage, r.LastAttemptAt, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetSyndicationRecord returns the record for (listing, platform), or nil.
func (s *Store) GetSyndicationRecord(ctx context.Context, listingID, platform string) (*SyndicationRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+syndicationCols+` FROM syndication_records
		WHERE listing_id = ? AND platform = ?`, listingID, platform)
	r, err := scanSyndicationRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListSyndicationRecords returns all records for a listing.
func (s *Store) ListSyndicationRecords(ctx context.Context, listingID string) ([]*SyndicationRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+syndicationCols+` FROM syndication_records
		WHERE listing_id = ? ORDER BY platform`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSyndicationRecords(rows)
}

// ListSuccessfulSyndications returns success records for a set of listings.
// Used by consent revocation to fan out withdraw calls.
func (s *Store) ListSuccessfulSyndications(ctx context.Context, listingIDs []string) ([]*SyndicationRecord, error) {
	var out []*SyndicationRecord
	for _, id := range listingIDs {
		rows, err := s.DB.QueryContext(ctx,
			`SELECT `+syndicationCols+` FROM syndication_records
			WHERE listing_id = ? AND status = ?`, id, SyndicationSuccess)
		if err != nil {
			return nil, err
		}
		recs, err := collectSyndicationRecords(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// SyndicationHealth aggregates per-platform totals, success rate, and the
// time of the most recent successful post.
func (s *Store) SyndicationHealth(ctx context.Context) ([]*PlatformHealth, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT platform,
		COUNT(*),
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		MAX(CASE WHEN status = ? THEN last_attempt_at ELSE NULL END)
		FROM syndication_records GROUP BY platform ORDER BY platform`,
		SyndicationSuccess, SyndicationFailed, SyndicationSuccess)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlatformHealth
	for rows.Next() {
		var h PlatformHealth
		if err := rows.Scan(&h.Platform, &h.Total, &h.Success, &h.Failed, &h.LastPostAt); err != nil {
			return nil, err
		}
		if h.Total > 0 {
			h.SuccessRate = float64(h.Success) / float64(h.Total)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func collectSyndicationRecords(rows *sql.Rows) ([]*SyndicationRecord, error) {
	var out []*SyndicationRecord
	for rows.Next() {
		r, err := scanSyndicationRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSyndicationRecord(scan func(...any) error) (*SyndicationRecord, error) {
	var r SyndicationRecord
	err := scan(&r.ID, &r.ListingID, &r.Platform, &r.Status, &r.Attempts,
		&r.RemoteID, &r.ErrorMessage, &r.LastAttemptAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
