package sessioncount

import (
	"errors"

	"github.com/mabry/pomosync/internal/models"
)

// ErrInvalidSessionCount rejects counts above the sanity ceiling or
// below zero.
var ErrInvalidSessionCount = errors.New("invalid session count")

// ErrEmptyUserID rejects operations without an owning user.
var ErrEmptyUserID = errors.New("user id must not be empty")

// IncrementResult is the outcome of an automatic increment. Suppressed
// is true when a manual override absorbed the increment without
// mutating state; callers must be able to tell that apart from a
// count change.
type IncrementResult struct {
	Count      int
	Suppressed bool
}

// SetResult is the outcome of a manual set. Conflict is true when the
// write landed inside the concurrency window of a competing write from
// another device and was resolved last-write-wins.
type SetResult struct {
	PreviousCount int
	NewCount      int
	Override      bool
	Conflict      bool
}

// ResetResult is the outcome of a reset.
type ResetResult struct {
	PreviousCount int
	NewCount      int
}

// UpdateConfigurationRequest carries a partial configuration edit. Nil
// fields are left unchanged.
type UpdateConfigurationRequest struct {
	Timezone  *string
	ResetSpec *models.ResetSpec
	Enabled   *bool
}
