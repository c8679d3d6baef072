// Package review implements the operator review queue for flagged
// listings. Items move pending -> approved | rejected exactly once.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cararth/syndicate/idgen"
	"github.com/cararth/syndicate/internal/risk"
	"github.com/cararth/syndicate/internal/store"
)

// ErrTerminalReview is returned when deciding an item that already
// reached a terminal state.
var ErrTerminalReview = errors.New("review item already decided")

// ErrUnknownReviewItem is returned for review item IDs that do not exist.
var ErrUnknownReviewItem = errors.New("review item not found")

// Actions accepted by Decide.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Decision is the outcome of a successful Decide call.
type Decision struct {
	Item    *store.ReviewItem
	Listing *store.Listing
	// Approved listings are handed to the dispatcher by the caller.
	Approved bool
}

// Queue wraps the persistent review state machine.
type Queue struct {
	store  *store.Store
	scorer *risk.Scorer
	newID  idgen.Generator
	logger *slog.Logger
}

// NewQueue creates a review queue.
func NewQueue(st *store.Store, scorer *risk.Scorer, newID idgen.Generator, logger *slog.Logger) *Queue {
	if newID == nil {
		newID = idgen.Prefixed("rev_")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, scorer: scorer, newID: newID, logger: logger}
}

// Enqueue creates a pending item for a flagged listing, capturing the
// dedup and risk context the reviewer needs. A listing with a pending
// item is never enqueued twice; the existing item is returned instead.
func (q *Queue) Enqueue(ctx context.Context, listingID, reason string, dedupCtx, riskCtx any) (*store.ReviewItem, error) {
	if existing, err := q.store.GetPendingReviewItemByListing(ctx, listingID); err != nil {
		return nil, fmt.Errorf("check pending review item: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	item := &store.ReviewItem{
		ID:        q.newID(),
		ListingID: listingID,
		State:     store.ReviewPending,
		Reason:    reason,
	}
	if dedupCtx != nil {
		b, err := json.Marshal(dedupCtx)
		if err != nil {
			return nil, fmt.Errorf("marshal dedup context: %w", err)
		}
		item.DedupJSON = string(b)
	}
	if riskCtx != nil {
		b, err := json.Marshal(riskCtx)
		if err != nil {
			return nil, fmt.Errorf("marshal risk context: %w", err)
		}
		item.RiskJSON = string(b)
	}
	if err := q.store.InsertReviewItem(ctx, item); err != nil {
		return nil, fmt.Errorf("insert review item: %w", err)
	}
	return item, nil
}

// Pending returns the queue oldest-first.
func (q *Queue) Pending(ctx context.Context) ([]*store.ReviewItem, error) {
	return q.store.ListPendingReviewItems(ctx)
}

// Decide applies an operator action to a pending item. Terminal items
// return ErrTerminalReview; the decision that won stays untouched.
func (q *Queue) Decide(ctx context.Context, id, action, notes, reviewer string) (*Decision, error) {
	var state string
	switch action {
	case ActionApprove:
		state = store.ReviewApproved
	case ActionReject:
		state = store.ReviewRejected
	default:
		return nil, fmt.Errorf("unknown review action %q", action)
	}

	listingStatus := store.ListingAdmitted
	if state == store.ReviewRejected {
		listingStatus = store.ListingRejected
	}

	ok, err := q.store.DecideReviewItem(ctx, id, state, notes, reviewer, listingStatus)
	if err != nil {
		return nil, fmt.Errorf("decide review item: %w", err)
	}
	if !ok {
		item, err := q.store.GetReviewItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, ErrUnknownReviewItem
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalReview, id, item.State)
	}

	item, err := q.store.GetReviewItem(ctx, id)
	if err != nil {
		return nil, err
	}
	listing, err := q.store.GetListing(ctx, item.ListingID)
	if err != nil {
		return nil, err
	}

	q.logger.Info("review decided",
		slog.String("item", id),
		slog.String("state", state),
		slog.String("reviewer", reviewer))

	return &Decision{
		Item:     item,
		Listing:  listing,
		Approved: state == store.ReviewApproved,
	}, nil
}

// UpdateListing applies operator edits to a pending item's listing and
// recomputes the risk assessment from the edited fields.
func (q *Queue) UpdateListing(ctx context.Context, itemID string, edited *store.Listing) (*risk.Assessment, error) {
	item, err := q.store.GetReviewItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrUnknownReviewItem
	}
	if item.State != store.ReviewPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalReview, itemID, item.State)
	}
	if edited.ID != item.ListingID {
		return nil, fmt.Errorf("listing %s does not belong to review item %s", edited.ID, itemID)
	}

	assessment := q.scorer.Score(edited)
	edited.RiskScore = assessment.Score
	edited.RiskReasons = assessment.Reasons

	if err := q.store.UpdateListing(ctx, edited); err != nil {
		return nil, fmt.Errorf("update listing: %w", err)
	}
	return &assessment, nil
}
