package store

import (
	"context"
	"database/sql"
	"time"
)

const partnerSourceCols = `id, partner_name, feed_type, source_url, field_mapping,
	config_json, is_active, sync_frequency_hours, cursor, last_run_at, last_status,
	last_error, fail_count, created_at, updated_at`

// InsertPartnerSource adds a new feed source.
func (s *Store) InsertPartnerSource(ctx context.Context, src *PartnerSource) error {
	now := time.Now().UnixMilli()
	if src.CreatedAt == 0 {
		src.CreatedAt = now
	}
	if src.UpdatedAt == 0 {
		src.UpdatedAt = now
	}
	if src.FeedType == "" {
		src.FeedType = "webhook"
	}
	if src.SyncFrequency == 0 {
		src.SyncFrequency = 24
	}
	if src.FieldMapping == "" {
		src.FieldMapping = "{}"
	}
	if src.ConfigJSON == "" {
		src.ConfigJSON = "{}"
	}
	if src.LastStatus == "" {
		src.LastStatus = "pending"
	}

	_, err := s.exec(ctx,
		`INSERT INTO partner_sources (`+partnerSourceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.PartnerName, src.FeedType, src.SourceURL, src.FieldMapping,
		src.ConfigJSON, src.IsActive, src.SyncFrequency, src.Cursor, src.LastRunAt, src.LastStatus,
		src.LastError, src.FailCount, src.CreatedAt, src.UpdatedAt,
	)
	return err
}

// GetPartnerSource retrieves a source by ID.
func (s *Store) GetPartnerSource(ctx context.Context, id string) (*PartnerSource, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+partnerSourceCols+` FROM partner_sources WHERE id = ?`, id)
	return scanPartnerSource(row)
}

// ListPartnerSources returns all sources, newest first.
func (s *Store) ListPartnerSources(ctx context.Context) ([]*PartnerSource, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+partnerSourceCols+` FROM partner_sources ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*PartnerSource
	for rows.Next() {
		src, err := scanPartnerSourceRows(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdatePartnerSource updates a source's operator-mutable fields.
func (s *Store) UpdatePartnerSource(ctx context.Context, src *PartnerSource) error {
	src.UpdatedAt = time.Now().UnixMilli()
	_, err := s.exec(ctx,
		`UPDATE partner_sources SET partner_name=?, feed_type=?, source_url=?,
		field_mapping=?, config_json=?, is_active=?, sync_frequency_hours=?, updated_at=?
		WHERE id=?`,
		src.PartnerName, src.FeedType, src.SourceURL,
		src.FieldMapping, src.ConfigJSON, src.IsActive, src.SyncFrequency, src.UpdatedAt,
		src.ID,
	)
	return err
}

// DeletePartnerSource removes a source (cascades to listings, runs, rejections).
func (s *Store) DeletePartnerSource(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM partner_sources WHERE id = ?`, id)
	return err
}

// GetPartnerSourceByURL retrieves a source by its normalized URL.
// Returns nil when no source matches.
func (s *Store) GetPartnerSourceByURL(ctx context.Context, url string) (*PartnerSource, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+partnerSourceCols+` FROM partner_sources WHERE source_url = ?`, url)
	return scanPartnerSource(row)
}

// CountPartnerSources returns the total number of configured sources.
func (s *Store) CountPartnerSources(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM partner_sources`).Scan(&count)
	return count, err
}

// DueSources returns active sources whose next run time has passed.
// next run = last_run_at + sync_frequency_hours; sources never run are
// always due. Sources at or past maxFailCount are skipped until reset.
func (s *Store) DueSources(ctx context.Context, maxFailCount int) ([]*PartnerSource, error) {
	now := time.Now().UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+partnerSourceCols+` FROM partner_sources
		WHERE is_active = 1 AND fail_count < ?
		AND (last_run_at IS NULL OR last_run_at + sync_frequency_hours * 3600000 <= ?)
		ORDER BY last_run_at ASC`, maxFailCount, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*PartnerSource
	for rows.Next() {
		src, err := scanPartnerSourceRows(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, src)
	}
	return due, rows.Err()
}

// RecordRunSuccess marks a completed run and clears the failure streak.
func (s *Store) RecordRunSuccess(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := s.exec(ctx,
		`UPDATE partner_sources SET last_run_at=?, last_status='success',
		last_error='', fail_count=0, updated_at=? WHERE id=?`, now, now, id)
	return err
}

// RecordRunError marks a failed run and increments the failure streak.
func (s *Store) RecordRunError(ctx context.Context, id, msg string) error {
	now := time.Now().UnixMilli()
	_, err := s.exec(ctx,
		`UPDATE partner_sources SET last_run_at=?, last_status='error',
		last_error=?, fail_count=fail_count+1, updated_at=? WHERE id=?`, now, msg, now, id)
	return err
}

// ResetSource clears a source's error state so the scheduler picks it up again.
func (s *Store) ResetSource(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := s.exec(ctx,
		`UPDATE partner_sources SET fail_count=0, last_error='',
		last_status='pending', updated_at=? WHERE id=?`, now, id)
	return err
}

// UpdateSourceCursor persists an adapter's high-water mark.
func (s *Store) UpdateSourceCursor(ctx context.Context, id, cursor string) error {
	_, err := s.exec(ctx,
		`UPDATE partner_sources SET cursor=? WHERE id=?`, cursor, id)
	return err
}

func scanPartnerSource(row *sql.Row) (*PartnerSource, error) {
	var src PartnerSource
	err := row.Scan(&src.ID, &src.PartnerName, &src.FeedType, &src.SourceURL,
		&src.FieldMapping, &src.ConfigJSON, &src.IsActive, &src.SyncFrequency,
		&src.Cursor, &src.LastRunAt, &src.LastStatus, &src.LastError, &src.FailCount,
		&src.CreatedAt, &src.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func scanPartnerSourceRows(rows *sql.Rows) (*PartnerSource, error) {
	var src PartnerSource
	err := rows.Scan(&src.ID, &src.PartnerName, &src.FeedType, &src.SourceURL,
		&src.FieldMapping, &src.ConfigJSON, &src.IsActive, &src.SyncFrequency,
		&src.Cursor, &src.LastRunAt, &src.LastStatus, &src.LastError, &src.FailCount,
		&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &src, nil
}
