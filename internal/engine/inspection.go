package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"wirline/internal/domain"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
)

// TransitionOptions carry the caller and an optional comment for a decision.
type TransitionOptions struct {
	Comment string
	Caller  Caller
}

// Submit dispatches a Draft WIR to the inspector already on its header.
func (e Engine) Submit(ctx context.Context, wirID string, opts TransitionOptions) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "submit", wirID)
	defer func() { endSpan(span, err) }()

	cur, err := e.Repo.GetWIR(ctx, e.DB, wirID)
	if err != nil {
		return cur, err
	}
	return e.dispatch(ctx, wirID, DispatchOptions{
		InspectorID: stringValue(cur.InspectorID),
		Caller:      opts.Caller,
	}, auth.ActionSubmit)
}

// Recommend moves a Submitted WIR to Recommended and hands it to the HOD.
func (e Engine) Recommend(ctx context.Context, wirID string, opts TransitionOptions) (domain.WIR, error) {
	return e.transition(ctx, wirID, domain.StatusRecommended, auth.ActionRecommend, domain.ActionRecommended, opts)
}

func (e Engine) Approve(ctx context.Context, wirID string, opts TransitionOptions) (domain.WIR, error) {
	return e.transition(ctx, wirID, domain.StatusApproved, auth.ActionApprove, domain.ActionApproved, opts)
}

func (e Engine) Reject(ctx context.Context, wirID string, opts TransitionOptions) (domain.WIR, error) {
	return e.transition(ctx, wirID, domain.StatusRejected, auth.ActionReject, domain.ActionRejected, opts)
}

// Return sends the WIR back to the contractor for rework.
func (e Engine) Return(ctx context.Context, wirID string, opts TransitionOptions) (domain.WIR, error) {
	return e.transition(ctx, wirID, domain.StatusReturned, auth.ActionReturn, domain.ActionReturned, opts)
}

// Transition routes a target status to its helper.
func (e Engine) Transition(ctx context.Context, wirID string, to domain.Status, opts TransitionOptions) (domain.WIR, error) {
	switch to {
	case domain.StatusSubmitted:
		return e.Submit(ctx, wirID, opts)
	case domain.StatusRecommended:
		return e.Recommend(ctx, wirID, opts)
	case domain.StatusApproved:
		return e.Approve(ctx, wirID, opts)
	case domain.StatusRejected:
		return e.Reject(ctx, wirID, opts)
	case domain.StatusReturned:
		return e.Return(ctx, wirID, opts)
	}
	return domain.WIR{}, invalid("status", fmt.Sprintf("no transition helper for %q", to))
}

func (e Engine) transition(ctx context.Context, wirID string, to domain.Status, via string, action domain.Action, opts TransitionOptions) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, via, wirID)
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	w, err = e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return w, err
	}
	from := w.Status
	if from == to {
		return w, &TransitionError{
			Code:    CodeInvalidTransition,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("wir %s is already %s", wirID, to),
		}
	}
	if err := ensureTransition(from, to, via, false); err != nil {
		return w, err
	}
	if err := e.authorize(ctx, opts.Caller, via, w); err != nil {
		return w, err
	}
	switch to {
	case domain.StatusRecommended:
		w.BicUserID = w.HodID
	case domain.StatusReturned:
		w.BicUserID = w.ContractorID
		if w.BicUserID == nil {
			w.BicUserID = w.CreatedByID
		}
	case domain.StatusApproved, domain.StatusRejected:
		w.BicUserID = nil
	}
	w.Status = to
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWIR(ctx, tx, w, from); err != nil {
		return w, staleAs(err, from, to)
	}
	var meta ledger.Meta
	if opts.Caller.Role != "" {
		meta = ledger.Meta{"role": opts.Caller.Role}
	}
	if err := e.record(ctx, tx, w, action, opts.Caller, opts.Comment, meta, from, to); err != nil {
		return w, err
	}
	if w, err = e.load(ctx, tx, w.ID); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.logMutation(w, action, opts.Caller)
	return w, nil
}

type RecommendOptions struct {
	Action  domain.Recommendation `validate:"required,oneof=APPROVE APPROVE_WITH_COMMENTS REJECT"`
	Comment string
	Caller  Caller
}

// InspectorRecommend stores the inspector's verdict on the header and writes
// a Recommended row. The WIR status does not change; the HOD acts on the
// recommendation later.
func (e Engine) InspectorRecommend(ctx context.Context, wirID string, opts RecommendOptions) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "inspector_recommend", wirID)
	defer func() { endSpan(span, err) }()

	if err := e.validate(opts); err != nil {
		return w, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	w, err = e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return w, err
	}
	if w.Status != domain.StatusSubmitted && w.Status != domain.StatusRecommended {
		return w, &TransitionError{
			Code:    CodeInvalidTransition,
			From:    w.Status,
			To:      w.Status,
			Message: fmt.Sprintf("wir %s is %s; inspectors recommend on %s or %s wirs", wirID, w.Status, domain.StatusSubmitted, domain.StatusRecommended),
		}
	}
	if err := e.authorize(ctx, opts.Caller, auth.ActionInspectorRecommend, w); err != nil {
		return w, err
	}
	now := e.timestamp()
	rec := opts.Action
	w.InspectorRecommendation = &rec
	w.InspectorRemarks = optionalString(opts.Comment)
	w.InspectorRecommendedAt = &now
	if w.HodID != nil {
		w.BicUserID = w.HodID
	}
	w.UpdatedAt = now
	if err := e.Repo.UpdateWIR(ctx, tx, w, w.Status); err != nil {
		return w, staleAs(err, w.Status, w.Status)
	}
	if err := e.record(ctx, tx, w, domain.ActionRecommended, opts.Caller, opts.Comment, ledger.Meta{"recommendation": string(rec)}, "", ""); err != nil {
		return w, err
	}
	if w, err = e.load(ctx, tx, w.ID); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.logMutation(w, domain.ActionRecommended, opts.Caller)
	return w, nil
}

// ItemOutcome is the inspector's entry for one item. Nil fields are kept.
type ItemOutcome struct {
	ItemID          string `validate:"required"`
	Status          *domain.ItemStatus
	InspectorStatus *domain.Outcome
	Note            *string
	Value           *decimal.Decimal
	Unit            *string
}

// InspectorSave writes outcome fields on the listed items. It leaves the WIR
// header and the history untouched, so the version does not move. An item
// that fails, or whose value falls outside its tolerance with no explicit
// status given, is marked NCR.
func (e Engine) InspectorSave(ctx context.Context, wirID string, outcomes []ItemOutcome, c Caller) (items []domain.WirItem, err error) {
	ctx, span := startSpan(ctx, "inspector_save", wirID)
	defer func() { endSpan(span, err) }()

	if len(outcomes) == 0 {
		return nil, invalid("items", "at least one item outcome is required")
	}
	for i := range outcomes {
		if err := e.validate(outcomes[i]); err != nil {
			return nil, err
		}
		if s := outcomes[i].Status; s != nil && !s.Valid() {
			return nil, invalid("status", fmt.Sprintf("unknown item status %q", *s))
		}
		if o := outcomes[i].InspectorStatus; o != nil && !o.Valid() {
			return nil, invalid("inspector_status", fmt.Sprintf("unknown outcome %q", *o))
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, c, auth.ActionInspectorSave, w); err != nil {
		return nil, err
	}
	current, err := e.Repo.ListItems(ctx, tx, wirID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(current))
	for i, it := range current {
		byID[it.ID] = i
	}
	now := e.timestamp()
	for _, o := range outcomes {
		idx, ok := byID[o.ItemID]
		if !ok {
			return nil, invalid("item_id", fmt.Sprintf("item %s does not belong to wir %s", o.ItemID, wirID))
		}
		it := current[idx]
		if o.InspectorStatus != nil {
			v := *o.InspectorStatus
			it.InspectorStatus = &v
		}
		if o.Note != nil {
			it.Note = optionalString(*o.Note)
		}
		if o.Value != nil {
			it.Value = decimal.NewNullDecimal(*o.Value)
		}
		if o.Unit != nil {
			it.Unit = *o.Unit
		}
		switch {
		case o.Status != nil:
			it.Status = *o.Status
		case it.InspectorStatus != nil && *it.InspectorStatus == domain.OutcomeFail:
			it.Status = domain.ItemNCR
		case it.Value.Valid && !it.WithinTolerance(it.Value.Decimal):
			it.Status = domain.ItemNCR
		case it.InspectorStatus != nil && *it.InspectorStatus == domain.OutcomePass:
			it.Status = domain.ItemOK
		}
		it.UpdatedAt = now
		if err := e.Repo.UpdateItemOutcome(ctx, tx, it); err != nil {
			return nil, fmt.Errorf("save item %s: %w", it.ID, err)
		}
		current[idx] = it
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.logger().WithField("wir_id", wirID).WithField("items", len(outcomes)).Info("inspector outcomes saved")
	return current, nil
}
