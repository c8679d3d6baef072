package store

import (
	"context"
	"time"
)

const runLogCols = `id, source_id, trigger_kind, status, records_total,
	records_validated, records_errors, records_warnings, error_message,
	duration_ms, started_at`

// InsertRunLog records one ingestion run.
func (s *Store) InsertRunLog(ctx context.Context, e *RunLogEntry) error {
	if e.StartedAt == 0 {
		e.StartedAt = time.Now().UnixMilli()
	}
	if e.Trigger == "" {
		e.Trigger = "scheduled"
	}
	_, err := s.exec(ctx,
		`INSERT INTO run_log (`+runLogCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.Trigger, e.Status, e.Total, e.Validated,
		e.Errors, e.Warnings, e.ErrorMessage, e.DurationMs, e.StartedAt,
	)
	return err
}

// RunHistory returns the most recent runs for a source, newest first.
func (s *Store) RunHistory(ctx context.Context, sourceID string, limit int) ([]*RunLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runLogCols+` FROM run_log
		WHERE source_id = ? ORDER BY started_at DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Trigger, &e.Status, &e.Total,
			&e.Validated, &e.Errors, &e.Warnings, &e.ErrorMessage,
			&e.DurationMs, &e.StartedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RunCounters returns total/success/failure counts for a source.
func (s *Store) RunCounters(ctx context.Context, sourceID string) (total, success, failure int, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END), 0)
		FROM run_log WHERE source_id = ?`, sourceID).
		Scan(&total, &success, &failure)
	return total, success, failure, err
}

// InsertRejection records one itemized per-record failure.
func (s *Store) InsertRejection(ctx context.Context, r *Rejection) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if r.PayloadJSON == "" {
		r.PayloadJSON = "{}"
	}
	_, err := s.exec(ctx,
		`INSERT INTO rejections (id, source_id, run_id, row_num, source_listing_id,
		reason, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceID, r.RunID, r.Row, r.SourceListingID,
		r.Reason, r.PayloadJSON, r.CreatedAt,
	)
	return err
}

// ListRejections returns the itemized errors of a run, in row order.
func (s *Store) ListRejections(ctx context.Context, runID string) ([]*Rejection, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source_id, run_id, row_num, source_listing_id, reason,
		payload_json, created_at
		FROM rejections WHERE run_id = ? ORDER BY row_num ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rejection
	for rows.Next() {
		var r Rejection
		if err := rows.Scan(&r.ID, &r.SourceID, &r.RunID, &r.Row,
			&r.SourceListingID, &r.Reason, &r.PayloadJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
