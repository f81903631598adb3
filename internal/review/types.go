// Package review holds the human review queue: pending and completed review
// requests, their lifecycle, priority, escalation and notification fan-out.
package review

import (
	"fmt"
	"strings"
	"time"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orderitem"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
)

// Status is the lifecycle state of a review request.
type Status string

const (
	StatusPending              Status = "pending"
	StatusInReview             Status = "in_review"
	StatusApproved             Status = "approved"
	StatusRejected             Status = "rejected"
	StatusNeedsClarification   Status = "needs_clarification"
	StatusAlternativeSuggested Status = "alternative_suggested"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusNeedsClarification, StatusAlternativeSuggested:
		return true
	}
	return false
}

// Priority orders pending work.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Rank is 0 for urgent through 3 for low. Unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", apperr.Validation("review.priority", fmt.Sprintf("unknown priority %q", s))
	}
	return p, nil
}

// Decision is a reviewer verdict.
type Decision string

const (
	DecisionApprove     Decision = "approve"
	DecisionReject      Decision = "reject"
	DecisionClarify     Decision = "clarify"
	DecisionAlternative Decision = "alternative"
)

var decisionStatus = map[Decision]Status{
	DecisionApprove:     StatusApproved,
	DecisionReject:      StatusRejected,
	DecisionClarify:     StatusNeedsClarification,
	DecisionAlternative: StatusAlternativeSuggested,
}

// ParseDecision maps a case-insensitive decision string to a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := decisionStatus[d]; !ok {
		return "", apperr.Validation("review.decision", fmt.Sprintf("unknown decision %q", s))
	}
	return d, nil
}

// Status returns the terminal status d leads to.
func (d Decision) Status() Status {
	return decisionStatus[d]
}

// SourceRef identifies the customer message behind a review.
type SourceRef struct {
	CustomerID string `json:"customer_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
}

// ItemMatches holds the top search candidates for one requested item.
type ItemMatches struct {
	ItemID     string                `json:"item_id"`
	Candidates []retrieval.Candidate `json:"candidates"`
}

// Request is one unit of human review work.
type Request struct {
	ID               string           `json:"id"`
	Source           SourceRef        `json:"source"`
	ConfidenceScore  float64          `json:"confidence_score"`
	Items            []orderitem.Item `json:"items"`
	CandidateMatches []ItemMatches    `json:"candidate_matches"`
	Priority         Priority         `json:"priority"`
	Status           Status           `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	AssignedTo       string           `json:"assigned_to,omitempty"`
	ReviewedAt       *time.Time       `json:"reviewed_at,omitempty"`
	Decision         Decision         `json:"decision,omitempty"`
	ReviewNotes      string           `json:"review_notes,omitempty"`
	AlternativeItems []orderitem.Item `json:"alternative_items,omitempty"`
	// ReviewDurationSeconds is reviewed_at minus created_at.
	ReviewDurationSeconds float64 `json:"review_duration_seconds,omitempty"`

	seq uint64
}

// Clone returns a deep copy safe to hand to callers.
func (r Request) Clone() Request {
	out := r
	out.Items = append([]orderitem.Item(nil), r.Items...)
	out.AlternativeItems = append([]orderitem.Item(nil), r.AlternativeItems...)
	if r.CandidateMatches != nil {
		out.CandidateMatches = make([]ItemMatches, len(r.CandidateMatches))
		for i, m := range r.CandidateMatches {
			out.CandidateMatches[i] = ItemMatches{
				ItemID:     m.ItemID,
				Candidates: append([]retrieval.Candidate(nil), m.Candidates...),
			}
		}
	}
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		out.ReviewedAt = &t
	}
	return out
}

// Statistics summarizes the queue.
type Statistics struct {
	PendingCount                 int              `json:"pending_count"`
	CompletedCount               int              `json:"completed_count"`
	StatusBreakdown              map[Status]int   `json:"status_breakdown"`
	PriorityBreakdown            map[Priority]int `json:"priority_breakdown"`
	AverageReviewDurationSeconds float64          `json:"average_review_duration_seconds"`
	OldestPending                *time.Time       `json:"oldest_pending,omitempty"`
}
