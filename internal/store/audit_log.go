package store

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AuditFilter selects audit log entries for compliance reporting.
// Zero fields are ignored.
type AuditFilter struct {
	Platform   string
	SellerID   string
	ListingID  string
	ErrorsOnly bool
	From       int64 // ms epoch, inclusive
	To         int64 // ms epoch, exclusive
	Limit      int
}

// AppendAuditLog appends one external-call record. The audit log is
// append-only; no update or delete statement exists for it.
func (s *Store) AppendAuditLog(ctx context.Context, e *AuditLogEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit_log (id, platform, endpoint, method, status_code,
		is_error, error_message, execution_time_ms, listing_id, seller_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Platform, e.Endpoint, e.Method, e.StatusCode,
		e.IsError, e.ErrorMessage, e.ExecutionTimeMs, e.ListingID, e.SellerID, e.CreatedAt,
	)
	return err
}

// QueryAuditLog returns entries matching the filter, newest first.
func (s *Store) QueryAuditLog(ctx context.Context, f AuditFilter) ([]*AuditLogEntry, error) {
	q := sq.Select("id", "platform", "endpoint", "method", "status_code",
		"is_error", "error_message", "execution_time_ms", "listing_id",
		"seller_id", "created_at").
		From("audit_log").
		OrderBy("created_at DESC")

	if f.Platform != "" {
		q = q.Where(sq.Eq{"platform": f.Platform})
	}
	if f.SellerID != "" {
		q = q.Where(sq.Eq{"seller_id": f.SellerID})
	}
	if f.ListingID != "" {
		q = q.Where(sq.Eq{"listing_id": f.ListingID})
	}
	if f.ErrorsOnly {
		q = q.Where(sq.Eq{"is_error": true})
	}
	if f.From > 0 {
		q = q.Where(sq.GtOrEq{"created_at": f.From})
	}
	if f.To > 0 {
		q = q.Where(sq.Lt{"created_at": f.To})
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q = q.Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Platform, &e.Endpoint, &e.Method,
			&e.StatusCode, &e.IsError, &e.ErrorMessage, &e.ExecutionTimeMs,
			&e.ListingID, &e.SellerID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
