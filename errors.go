package syndicate

import (
	"errors"

	"github.com/cararth/syndicate/internal/dispatch"
	"github.com/cararth/syndicate/internal/review"
	"github.com/cararth/syndicate/internal/scheduler"
)

// ErrDuplicateSource is returned when a source with the same URL already exists.
var ErrDuplicateSource = errors.New("syndicate: source with this URL already exists")

// ErrInvalidInput is returned when source input fails validation.
var ErrInvalidInput = errors.New("syndicate: invalid input")

// ErrQuotaExceeded is returned when a resource limit is reached.
var ErrQuotaExceeded = errors.New("syndicate: quota exceeded")

// ErrUnknownSource is returned when the referenced partner source does not exist.
var ErrUnknownSource = scheduler.ErrUnknownSource

// ErrScheduleConflict is returned when a trigger is requested while a run is
// in flight and another trigger is already queued for the same source.
var ErrScheduleConflict = scheduler.ErrScheduleConflict

// ErrTerminalReview is returned when deciding a review item that was already decided.
var ErrTerminalReview = review.ErrTerminalReview

// ErrUnknownReviewItem is returned when the referenced review item does not exist.
var ErrUnknownReviewItem = review.ErrUnknownReviewItem

// ErrConsentMissing is returned when dispatch is attempted for a seller
// without an active syndication consent.
var ErrConsentMissing = dispatch.ErrConsentMissing
