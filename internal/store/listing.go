package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const listingCols = `id, source_id, source_listing_id, seller_id, vin, registration,
	make, model, year, price, mileage, city, state, fuel_type, transmission,
	images_json, documents_json, status, dedup_confidence, dedup_matched_id,
	risk_score, risk_reasons_json, normalized_at, rejected_at, created_at, updated_at`

// InsertListing persists a normalized listing.
func (s *Store) InsertListing(ctx context.Context, l *Listing) error {
	now := time.Now().UnixMilli()
	if l.CreatedAt == 0 {
		l.CreatedAt = now
	}
	if l.UpdatedAt == 0 {
		l.UpdatedAt = now
	}
	if l.NormalizedAt == 0 {
		l.NormalizedAt = now
	}
	if l.Status == "" {
		l.Status = ListingAdmitted
	}
	images, _ := json.Marshal(emptySlice(l.Images))
	docs, _ := json.Marshal(emptySlice(l.Documents))
	reasons, _ := json.Marshal(emptySlice(l.RiskReasons))

	_, err := s.exec(ctx,
		`INSERT INTO listings (`+listingCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SourceID, l.SourceListingID, l.SellerID, l.VIN, l.Registration,
		l.Make, l.Model, l.Year, l.Price, l.Mileage, l.City, l.State, l.FuelType,
		l.Transmission, string(images), string(docs), l.Status, l.DedupConfidence,
		l.DedupMatchedID, l.RiskScore, string(reasons), l.NormalizedAt, l.RejectedAt,
		l.CreatedAt, l.UpdatedAt,
	)
	return err
}

// GetListing retrieves a listing by ID.
func (s *Store) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// UpdateListing updates a listing's canonical fields and recomputed scores.
func (s *Store) UpdateListing(ctx context.Context, l *Listing) error {
	l.UpdatedAt = time.Now().UnixMilli()
	images, _ := json.Marshal(emptySlice(l.Images))
	docs, _ := json.Marshal(emptySlice(l.Documents))
	reasons, _ := json.Marshal(emptySlice(l.RiskReasons))
	_, err := s.exec(ctx,
		`UPDATE listings SET seller_id=?, vin=?, registration=?, make=?, model=?,
		year=?, price=?, mileage=?, city=?, state=?, fuel_type=?, transmission=?,
		images_json=?, documents_json=?, status=?, dedup_confidence=?,
		dedup_matched_id=?, risk_score=?, risk_reasons_json=?, rejected_at=?, updated_at=?
		WHERE id=?`,
		l.SellerID, l.VIN, l.Registration, l.Make, l.Model,
		l.Year, l.Price, l.Mileage, l.City, l.State, l.FuelType, l.Transmission,
		string(images), string(docs), l.Status, l.DedupConfidence,
		l.DedupMatchedID, l.RiskScore, string(reasons), l.RejectedAt, l.UpdatedAt,
		l.ID,
	)
	return err
}

// GetListingByVIN returns the freshest non-merged listing with an exact
// VIN or registration match, or nil.
func (s *Store) GetListingByVIN(ctx context.Context, vin string) (*Listing, error) {
	if vin == "" {
		return nil, nil
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+listingCols+` FROM listings
		WHERE (vin = ? OR registration = ?) AND status != ?
		ORDER BY updated_at DESC LIMIT 1`, vin, vin, ListingMerged)
	l, err := scanListing(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// DedupCandidates returns the inventory a candidate listing is compared
// against: admitted and flagged listings in the same (make, model) bucket,
// plus rejected listings still inside the resubmission cooldown window.
// Freshest first, so equal-confidence ties prefer the most recent record.
func (s *Store) DedupCandidates(ctx context.Context, carMake, model string, cooldown time.Duration) ([]*Listing, error) {
	cutoff := time.Now().Add(-cooldown).UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+listingCols+` FROM listings
		WHERE make = ? AND model = ?
		AND (status IN (?, ?) OR (status = ? AND rejected_at >= ?))
		ORDER BY updated_at DESC`,
		carMake, model, ListingAdmitted, ListingFlagged, ListingRejected, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// ListListingsBySeller returns all listings for a seller, freshest first.
func (s *Store) ListListingsBySeller(ctx context.Context, sellerID string) ([]*Listing, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+listingCols+` FROM listings WHERE seller_id = ?
		ORDER BY updated_at DESC`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func scanListing(scan func(...any) error) (*Listing, error) {
	var l Listing
	var images, docs, reasons string
	err := scan(&l.ID, &l.SourceID, &l.SourceListingID, &l.SellerID, &l.VIN,
		&l.Registration, &l.Make, &l.Model, &l.Year, &l.Price, &l.Mileage,
		&l.City, &l.State, &l.FuelType, &l.Transmission, &images, &docs,
		&l.Status, &l.DedupConfidence, &l.DedupMatchedID, &l.RiskScore,
		&reasons, &l.NormalizedAt, &l.RejectedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(images), &l.Images)
	json.Unmarshal([]byte(docs), &l.Documents)
	json.Unmarshal([]byte(reasons), &l.RiskReasons)
	return &l, nil
}

// emptySlice keeps JSON columns as "[]" rather than "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
