package store

import "context"

// Stats returns aggregate pipeline counters for dashboards.
func (s *Store) Stats(ctx context.Context) (*PipelineStats, error) {
	var st PipelineStats
	err := s.DB.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM partner_sources),
		(SELECT COUNT(*) FROM listings),
		(SELECT COUNT(*) FROM listings WHERE status = ?),
		(SELECT COUNT(*) FROM listings WHERE status = ?),
		(SELECT COUNT(*) FROM listings WHERE status = ?),
		(SELECT COUNT(*) FROM review_items WHERE state = ?),
		(SELECT COUNT(*) FROM run_log)`,
		ListingAdmitted, ListingFlagged, ListingRejected, ReviewPending).
		Scan(&st.Sources, &st.Listings, &st.Admitted, &st.Flagged,
			&st.Rejected, &st.PendingItems, &st.Runs)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
