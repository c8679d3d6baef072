package store

import (
	"context"
	"database/sql"
	"time"
)

const reviewCols = `id, listing_id, state, reason, dedup_json, risk_json,
	notes, reviewer, created_at, decided_at`

// InsertReviewItem enqueues a flagged listing for operator review.
func (s *Store) InsertReviewItem(ctx context.Context, item *ReviewItem) error {
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().UnixMilli()
	}
	if item.State == "" {
		item.State = ReviewPending
	}
	if item.DedupJSON == "" {
		item.DedupJSON = "{}"
	}
	if item.RiskJSON == "" {
		item.RiskJSON = "{}"
	}
	_, err := s.exec(ctx,
		`INSERT INTO review_items (`+reviewCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ListingID, item.State, item.Reason, item.DedupJSON,
		item.RiskJSON, item.Notes, item.Reviewer, item.CreatedAt, item.DecidedAt,
	)
	return err
}

// GetReviewItem retrieves a review item by ID.
func (s *Store) GetReviewItem(ctx context.Context, id string) (*ReviewItem, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+reviewCols+` FROM review_items WHERE id = ?`, id)
	item, err := scanReviewItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// ListPendingReviewItems returns pending items, oldest first (FIFO queue).
func (s *Store) ListPendingReviewItems(ctx context.Context) ([]*ReviewItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+reviewCols+` FROM review_items
		WHERE state = ? ORDER BY created_at ASC`, ReviewPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DecideReviewItem transitions a pending item to a terminal state and
// moves its listing to listingStatus in the same transaction, so a crash
// between the two writes cannot leave a decided item with an undecided
// listing. The bool is false when the item was not pending, so callers
// can distinguish terminal-state conflicts from success.
func (s *Store) DecideReviewItem(ctx context.Context, id, state, notes, reviewer, listingStatus string) (bool, error) {
	now := time.Now().UnixMilli()
	var decided bool
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE review_items SET state=?, notes=?, reviewer=?, decided_at=?
			WHERE id=? AND state=?`, state, notes, reviewer, now, id, ReviewPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		decided = n == 1
		if !decided {
			return nil
		}

		if listingStatus == ListingRejected {
			_, err = tx.ExecContext(ctx,
				`UPDATE listings SET status=?, rejected_at=?, updated_at=?
				WHERE id = (SELECT listing_id FROM review_items WHERE id=?)`,
				listingStatus, now, now, id)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE listings SET status=?, updated_at=?
				WHERE id = (SELECT listing_id FROM review_items WHERE id=?)`,
				listingStatus, now, id)
		}
		return err
	})
	return decided, err
}

// GetPendingReviewItemByListing returns the pending item for a listing, or nil.
func (s *Store) GetPendingReviewItemByListing(ctx context.Context, listingID string) (*ReviewItem, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+reviewCols+` FROM review_items
		WHERE listing_id = ? AND state = ? LIMIT 1`, listingID, ReviewPending)
	item, err := scanReviewItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func scanReviewItem(scan func(...any) error) (*ReviewItem, error) {
	var item ReviewItem
	err := scan(&item.ID, &item.ListingID, &item.State, &item.Reason,
		&item.DedupJSON, &item.RiskJSON, &item.Notes, &item.Reviewer,
		&item.CreatedAt, &item.DecidedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}
