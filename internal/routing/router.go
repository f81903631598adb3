// Package routing turns extraction and match confidence into an order action.
package routing

import (
	"sort"
)

// Action is the routing outcome for an order.
type Action string

const (
	ActionAutoApprove          Action = "auto_approve"
	ActionHumanReview          Action = "human_review"
	ActionRequestClarification Action = "request_clarification"
)

// Thresholds configures the router. These are independent of review priority bands.
type Thresholds struct {
	AutoApprove  float64 // overall >= AutoApprove approves
	HumanReview  float64 // overall >= HumanReview goes to review
	ItemApproval float64 // per-item confidence needed to approve an item
	NoItemFactor float64 // multiplier on extraction confidence when no items matched
}

// DefaultThresholds returns 0.8 / 0.6 / 0.8 with a 0.5 no-item factor.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApprove:  0.8,
		HumanReview:  0.6,
		ItemApproval: 0.8,
		NoItemFactor: 0.5,
	}
}

// Decision is the router output. On the auto-approve path ApprovedItems holds
// the items confident enough to approve and UnresolvedItems the rest; on other
// paths every item is unresolved. Item ids are sorted.
type Decision struct {
	Action          Action   `json:"action"`
	Overall         float64  `json:"overall_confidence"`
	ApprovedItems   []string `json:"approved_items"`
	UnresolvedItems []string `json:"unresolved_items"`
}

// PartiallyApproved reports an auto-approved order with unresolved items.
func (d Decision) PartiallyApproved() bool {
	return d.Action == ActionAutoApprove && len(d.UnresolvedItems) > 0
}

// Router is a pure decision function over configured thresholds.
type Router struct {
	t Thresholds
}

// NewRouter creates a router. Zero-valued thresholds fall back to defaults.
func NewRouter(t Thresholds) *Router {
	d := DefaultThresholds()
	if t.AutoApprove == 0 {
		t.AutoApprove = d.AutoApprove
	}
	if t.HumanReview == 0 {
		t.HumanReview = d.HumanReview
	}
	if t.ItemApproval == 0 {
		t.ItemApproval = d.ItemApproval
	}
	if t.NoItemFactor == 0 {
		t.NoItemFactor = d.NoItemFactor
	}
	return &Router{t: t}
}

// Thresholds returns the active thresholds.
func (r *Router) Thresholds() Thresholds {
	return r.t
}

// Overall combines extraction confidence with the mean item confidence, or
// penalizes extraction confidence when there are no items.
func (r *Router) Overall(extraction float64, items map[string]float64) float64 {
	if len(items) == 0 {
		return extraction * r.t.NoItemFactor
	}
	var sum float64
	for _, c := range items {
		sum += c
	}
	return (extraction + sum/float64(len(items))) / 2
}

// Route decides the action for an order.
func (r *Router) Route(extraction float64, items map[string]float64) Decision {
	overall := r.Overall(extraction, items)
	d := Decision{
		Overall:         overall,
		ApprovedItems:   []string{},
		UnresolvedItems: []string{},
	}

	switch {
	case overall >= r.t.AutoApprove:
		d.Action = ActionAutoApprove
	case overall >= r.t.HumanReview:
		d.Action = ActionHumanReview
	default:
		d.Action = ActionRequestClarification
	}

	for _, id := range sortedKeys(items) {
		if d.Action == ActionAutoApprove && items[id] >= r.t.ItemApproval {
			d.ApprovedItems = append(d.ApprovedItems, id)
		} else {
			d.UnresolvedItems = append(d.UnresolvedItems, id)
		}
	}
	return d
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
