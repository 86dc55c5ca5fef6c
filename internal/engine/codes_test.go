package engine

import (
	"testing"

	"wirline/internal/domain"
	"wirline/internal/engine/auth"
)

func TestFormatCode(t *testing.T) {
	if got := FormatCode("WIR", 7); got != "WIR-0007" {
		t.Fatalf("got %s", got)
	}
	if got := FormatCode("WIR", 10000); got != "WIR-10000" {
		t.Fatalf("got %s", got)
	}
}

func TestEnsureTransition(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		via      string
		force    bool
		ok       bool
	}{
		{domain.StatusDraft, domain.StatusSubmitted, auth.ActionDispatch, false, true},
		{domain.StatusDraft, domain.StatusSubmitted, auth.ActionUpdate, false, false},
		{domain.StatusSubmitted, domain.StatusRecommended, auth.ActionRecommend, false, true},
		{domain.StatusRecommended, domain.StatusReturned, auth.ActionReturn, false, true},
		{domain.StatusReturned, domain.StatusDraft, auth.ActionUpdate, false, true},
		{domain.StatusApproved, domain.StatusReturned, auth.ActionReturn, false, false},
		{domain.StatusRejected, domain.StatusDraft, auth.ActionUpdate, false, false},
		{domain.StatusRejected, domain.StatusDraft, auth.ActionUpdate, true, true},
		{domain.StatusDraft, domain.StatusDraft, auth.ActionUpdate, false, true},
		{domain.StatusDraft, "Closed", auth.ActionUpdate, true, false},
	}
	for _, tc := range cases {
		err := ensureTransition(tc.from, tc.to, tc.via, tc.force)
		if (err == nil) != tc.ok {
			t.Errorf("%s -> %s via %s force=%v: err=%v", tc.from, tc.to, tc.via, tc.force, err)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range domain.Statuses {
		want := s == domain.StatusApproved || s == domain.StatusRejected
		if Terminal(s) != want {
			t.Errorf("Terminal(%s) = %v", s, !want)
		}
	}
}
