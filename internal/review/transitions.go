package review

import (
	"fmt"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
)

// transitions lists the allowed next states. in_review -> in_review is a reassignment.
var transitions = map[Status][]Status{
	StatusPending: {
		StatusInReview,
		StatusApproved,
		StatusRejected,
		StatusNeedsClarification,
		StatusAlternativeSuggested,
	},
	StatusInReview: {
		StatusInReview,
		StatusApproved,
		StatusRejected,
		StatusNeedsClarification,
		StatusAlternativeSuggested,
	},
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves r to status to or returns a conflict error.
func transition(r *Request, to Status) error {
	if !CanTransition(r.Status, to) {
		return apperr.Conflict("review.transition", fmt.Sprintf("review %s cannot move from %s to %s", r.ID, r.Status, to))
	}
	r.Status = to
	return nil
}
