package engine

import (
	"fmt"

	"wirline/internal/domain"
	"wirline/internal/engine/auth"
)

// TransitionRule is one allowed status change and the operation that makes it.
type TransitionRule struct {
	From domain.Status
	To   domain.Status
	Via  string
}

// Transitions lists every allowed status change. Approved and Rejected have
// no outgoing edge.
var Transitions = []TransitionRule{
	{From: domain.StatusDraft, To: domain.StatusSubmitted, Via: auth.ActionDispatch},
	{From: domain.StatusSubmitted, To: domain.StatusRecommended, Via: auth.ActionRecommend},
	{From: domain.StatusSubmitted, To: domain.StatusApproved, Via: auth.ActionApprove},
	{From: domain.StatusSubmitted, To: domain.StatusRejected, Via: auth.ActionReject},
	{From: domain.StatusSubmitted, To: domain.StatusReturned, Via: auth.ActionReturn},
	{From: domain.StatusRecommended, To: domain.StatusApproved, Via: auth.ActionApprove},
	{From: domain.StatusRecommended, To: domain.StatusRejected, Via: auth.ActionReject},
	{From: domain.StatusRecommended, To: domain.StatusReturned, Via: auth.ActionReturn},
	{From: domain.StatusReturned, To: domain.StatusDraft, Via: auth.ActionUpdate},
}

// ensureTransition checks that via may move a WIR from one status to another.
// Same-status writes always pass; force skips the table.
func ensureTransition(from, to domain.Status, via string, force bool) error {
	if !to.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	if force || from == to {
		return nil
	}
	for _, r := range Transitions {
		if r.From == from && r.To == to && r.Via == via {
			return nil
		}
	}
	return &TransitionError{
		Code:    CodeInvalidTransition,
		From:    from,
		To:      to,
		Message: fmt.Sprintf("invalid wir status transition %s -> %s via %s", from, to, via),
	}
}

// Terminal reports whether s has no outgoing transition.
func Terminal(s domain.Status) bool {
	for _, r := range Transitions {
		if r.From == s {
			return false
		}
	}
	return true
}
