package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wirline/internal/catalog"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
	"wirline/internal/repo"
)

// CreateOptions are parameters for creating a WIR.
type CreateOptions struct {
	ProjectID   string `validate:"required"`
	Title       string `validate:"required,max=300"`
	Description string
	Discipline  domain.Discipline `validate:"omitempty,oneof=Civil MEP Finishes"`
	// Code is kept as given; otherwise one is allocated at dispatch, or now
	// when codes.allocate_on_create is set.
	Code *string
	// Status other than Draft needs Force and the force_status permission.
	Status        domain.Status
	Force         bool
	ForDate       *string
	ForTime       *string
	CityTown      *string
	StateName     *string
	InspectorID   *string
	ContractorID  *string
	HodID         *string
	ActivityRefID *string
	Checklists    []string
	// Materialize defaults to checklists.materialize_on_create.
	Materialize *bool
	Caller      Caller
}

// Create inserts a WIR in Draft, attaches the requested checklists and writes
// the Created row in one transaction.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "create", "")
	defer func() { endSpan(span, err) }()

	if err := e.validate(opts); err != nil {
		return w, err
	}
	status := opts.Status
	if status == "" {
		status = domain.StatusDraft
	}
	if !status.Valid() {
		return w, invalid("status", fmt.Sprintf("unknown status %q", status))
	}
	if status != domain.StatusDraft && !opts.Force {
		return w, &TransitionError{
			Code:    CodeInvalidTransition,
			From:    domain.StatusDraft,
			To:      status,
			Message: fmt.Sprintf("a new wir starts in %s; creating it as %s needs force", domain.StatusDraft, status),
		}
	}
	materialize := e.Config != nil && e.Config.Checklists.MaterializeOnCreate
	if opts.Materialize != nil {
		materialize = *opts.Materialize
	}
	now := e.timestamp()
	w = domain.WIR{
		ID:            uuid.NewString(),
		ProjectID:     opts.ProjectID,
		Code:          opts.Code,
		Title:         opts.Title,
		Description:   opts.Description,
		Status:        status,
		ForDate:       opts.ForDate,
		ForTime:       opts.ForTime,
		CityTown:      opts.CityTown,
		StateName:     opts.StateName,
		InspectorID:   opts.InspectorID,
		ContractorID:  opts.ContractorID,
		HodID:         opts.HodID,
		CreatedByID:   opts.Caller.Actor.UserID,
		SeriesID:      uuid.NewString(),
		ActivityRefID: opts.ActivityRefID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.Discipline != "" {
		d := opts.Discipline
		w.Discipline = &d
	}
	if err := e.authorize(ctx, opts.Caller, auth.ActionCreate, w); err != nil {
		return w, err
	}
	if opts.Force && status != domain.StatusDraft {
		if err := e.authorize(ctx, opts.Caller, auth.ActionForceStatus, w); err != nil {
			return w, err
		}
	}
	span.SetAttributes(wirAttr(w.ID))

	allocate := w.Code == nil && e.Config != nil && e.Config.Codes.AllocateOnCreate
	if allocate {
		release, err := e.lockCodes(ctx)
		if err != nil {
			return w, err
		}
		defer release()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	if allocate {
		code, err := e.allocateNextCode(ctx, tx, e.codePrefix())
		if err != nil {
			return w, err
		}
		w.Code = &code
	}
	if err := e.Repo.InsertWIR(ctx, tx, w); err != nil {
		return w, fmt.Errorf("insert wir: %w", err)
	}
	var (
		attachedIDs []string
		itemCount   int
	)
	if len(opts.Checklists) > 0 {
		resolved, _, err := e.resolveChecklists(ctx, tx, opts.Checklists)
		if err != nil {
			return w, err
		}
		added, err := e.attachChecklists(ctx, tx, w.ID, resolved, now)
		if err != nil {
			return w, err
		}
		for _, c := range added {
			attachedIDs = append(attachedIDs, c.ChecklistID)
		}
		if materialize && len(added) > 0 {
			if itemCount, err = e.materialize(ctx, tx, w.ID, added, now); err != nil {
				return w, err
			}
			w.Materialized = true
			w.SnapshotAt = &now
			if err := e.Repo.UpdateWIR(ctx, tx, w, w.Status); err != nil {
				return w, err
			}
		}
	}
	meta := ledger.Meta{
		"checklist_ids": attachedIDs,
		"materialized":  w.Materialized,
		"item_count":    itemCount,
	}
	if w.Code != nil {
		meta["code"] = *w.Code
	}
	if err := e.record(ctx, tx, w, domain.ActionCreated, opts.Caller, "", meta, "", w.Status); err != nil {
		return w, err
	}
	if w, err = e.load(ctx, tx, w.ID); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.logMutation(w, domain.ActionCreated, opts.Caller)
	return w, nil
}

// Relation patches a user reference. A zero Relation leaves the field alone;
// Set with a nil ID disconnects it.
type Relation struct {
	Set bool
	ID  *string
}

func Connect(id string) Relation { return Relation{Set: true, ID: &id} }

func Disconnect() Relation { return Relation{Set: true} }

func (r Relation) apply(dst **string) bool {
	if !r.Set {
		return false
	}
	var next *string
	if r.ID != nil && *r.ID != "" {
		id := *r.ID
		next = &id
	}
	if stringValue(*dst) == stringValue(next) {
		return false
	}
	*dst = next
	return true
}

// HeaderPatch is a sparse header update. Nil pointers leave fields alone; an
// empty string clears an optional scalar.
type HeaderPatch struct {
	Status            *domain.Status
	Force             bool
	Discipline        *domain.Discipline
	Title             *string
	Description       *string
	ForDate           *string
	ForTime           *string
	RescheduleForDate *string
	RescheduleForTime *string
	RescheduleReason  *string
	CityTown          *string
	StateName         *string
	Inspector         Relation
	Contractor        Relation
	Hod               Relation
}

// UpdateHeader applies patch and writes one Updated row. A status change must
// follow the transition table unless Force is set, which the policy has to
// grant as force_status.
func (e Engine) UpdateHeader(ctx context.Context, wirID string, patch HeaderPatch, c Caller) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "update_header", wirID)
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
	if err := e.authorize(ctx, c, auth.ActionUpdate, w); err != nil {
		return w, err
	}
	from := w.Status
	var changed []string
	set := func(name string, dst **string, v *string) {
		if v == nil || stringValue(*dst) == *v {
			return
		}
		*dst = optionalString(*v)
		changed = append(changed, name)
	}
	if patch.Title != nil && *patch.Title != w.Title {
		if *patch.Title == "" {
			return w, invalid("title", "must not be empty")
		}
		w.Title = *patch.Title
		changed = append(changed, "title")
	}
	if patch.Description != nil && *patch.Description != w.Description {
		w.Description = *patch.Description
		changed = append(changed, "description")
	}
	if patch.Discipline != nil {
		switch {
		case *patch.Discipline == "":
			if w.Discipline != nil {
				w.Discipline = nil
				changed = append(changed, "discipline")
			}
		case !patch.Discipline.Valid():
			return w, invalid("discipline", fmt.Sprintf("unknown discipline %q", *patch.Discipline))
		case w.Discipline == nil || *w.Discipline != *patch.Discipline:
			d := *patch.Discipline
			w.Discipline = &d
			changed = append(changed, "discipline")
		}
	}
	set("for_date", &w.ForDate, patch.ForDate)
	set("for_time", &w.ForTime, patch.ForTime)
	set("reschedule_for_date", &w.RescheduleForDate, patch.RescheduleForDate)
	set("reschedule_for_time", &w.RescheduleForTime, patch.RescheduleForTime)
	set("reschedule_reason", &w.RescheduleReason, patch.RescheduleReason)
	set("city_town", &w.CityTown, patch.CityTown)
	set("state_name", &w.StateName, patch.StateName)
	if patch.Inspector.apply(&w.InspectorID) {
		changed = append(changed, "inspector_id")
	}
	if patch.Contractor.apply(&w.ContractorID) {
		changed = append(changed, "contractor_id")
	}
	if patch.Hod.apply(&w.HodID) {
		changed = append(changed, "hod_id")
	}
	if patch.Status != nil && *patch.Status != w.Status {
		if err := ensureTransition(w.Status, *patch.Status, auth.ActionUpdate, patch.Force); err != nil {
			return w, err
		}
		if patch.Force {
			if err := e.authorize(ctx, c, auth.ActionForceStatus, w); err != nil {
				return w, err
			}
		}
		w.Status = *patch.Status
		changed = append(changed, "status")
	}
	if len(changed) == 0 {
		return w, invalid("patch", "no fields to update")
	}
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWIR(ctx, tx, w, from); err != nil {
		return w, staleAs(err, from, w.Status)
	}
	var to domain.Status
	if w.Status != from {
		to = w.Status
	} else {
		from = ""
	}
	meta := ledger.Meta{"fields": changed}
	if patch.Force {
		meta["forced"] = true
	}
	if err := e.record(ctx, tx, w, domain.ActionUpdated, c, "", meta, from, to); err != nil {
		return w, err
	}
	if w, err = e.load(ctx, tx, w.ID); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.logMutation(w, domain.ActionUpdated, c)
	return w, nil
}

type DispatchOptions struct {
	InspectorID string
	// MaterializeIfNeeded defaults to dispatch.materialize_if_needed.
	MaterializeIfNeeded *bool
	Caller              Caller
}

// Dispatch moves a Draft WIR to Submitted. It numbers the WIR, materializes
// pending checklist items, takes the activity snapshot once, hands the WIR to
// the inspector and records the transition, all in one transaction.
func (e Engine) Dispatch(ctx context.Context, wirID string, opts DispatchOptions) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "dispatch", wirID)
	defer func() { endSpan(span, err) }()
	return e.dispatch(ctx, wirID, opts, auth.ActionDispatch)
}

func (e Engine) dispatch(ctx context.Context, wirID string, opts DispatchOptions, action string) (w domain.WIR, err error) {
	materializeIfNeeded := e.Config == nil || e.Config.Dispatch.MaterializeIfNeeded
	if opts.MaterializeIfNeeded != nil {
		materializeIfNeeded = *opts.MaterializeIfNeeded
	}
	release, err := e.lockCodes(ctx)
	if err != nil {
		return w, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	w, err = e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return w, err
	}
	if w.Status != domain.StatusDraft {
		return w, &TransitionError{
			Code:    CodeNotDraft,
			From:    w.Status,
			To:      domain.StatusSubmitted,
			Message: fmt.Sprintf("wir %s is %s; only %s wirs can be dispatched", wirID, w.Status, domain.StatusDraft),
		}
	}
	if opts.InspectorID == "" {
		return w, invalid("inspector_id", "required to dispatch")
	}
	if err := e.authorize(ctx, opts.Caller, action, w); err != nil {
		return w, err
	}
	now := e.timestamp()
	meta := ledger.Meta{"inspector_id": opts.InspectorID}

	if w.Code == nil {
		code, err := e.allocateNextCode(ctx, tx, e.codePrefix())
		if err != nil {
			return w, err
		}
		w.Code = &code
		meta["code_assigned"] = true
	}
	meta["code"] = *w.Code

	meta["materialized_before"] = w.Materialized
	if !w.Materialized && materializeIfNeeded {
		lists, err := e.Repo.ListChecklists(ctx, tx, w.ID)
		if err != nil {
			return w, err
		}
		n, err := e.materialize(ctx, tx, w.ID, lists, now)
		if err != nil {
			return w, err
		}
		w.Materialized = true
		w.SnapshotAt = &now
		meta["materialized_now"] = true
		meta["item_count"] = n
	}

	snapped, err := e.snapshotActivity(ctx, tx, &w)
	if err != nil {
		return w, err
	}
	meta["snapshot_before"] = w.ActivitySnapshot != nil && !snapped
	meta["snapshotted_now"] = snapped

	inspector := opts.InspectorID
	w.InspectorID = &inspector
	w.BicUserID = &inspector
	if w.CreatedByID == nil {
		w.CreatedByID = opts.Caller.Actor.UserID
	}
	w.Status = domain.StatusSubmitted
	w.UpdatedAt = now
	if err := e.Repo.UpdateWIR(ctx, tx, w, domain.StatusDraft); err != nil {
		return w, staleAs(err, domain.StatusDraft, domain.StatusSubmitted)
	}
	if err := e.record(ctx, tx, w, domain.ActionSubmitted, opts.Caller, "", meta, domain.StatusDraft, domain.StatusSubmitted); err != nil {
		return w, err
	}
	if w, err = e.load(ctx, tx, w.ID); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.logMutation(w, domain.ActionSubmitted, opts.Caller)
	return w, nil
}

// snapshotActivity freezes the referenced activity into w the first time it
// runs. It reports whether it wrote a snapshot.
func (e Engine) snapshotActivity(ctx context.Context, q db.Querier, w *domain.WIR) (bool, error) {
	if w.ActivityRefID == nil || w.ActivitySnapshot != nil {
		return false, nil
	}
	a, err := e.Catalog.Activity(ctx, q, *w.ActivityRefID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return false, fmt.Errorf("activity %s: %w", *w.ActivityRefID, err)
		}
		return false, err
	}
	w.ActivitySnapshot = &domain.ActivitySnapshot{
		ID:         a.ID,
		Code:       a.Code,
		Title:      a.Title,
		Discipline: a.Discipline,
		Stage:      a.Stage,
		Version:    a.Version,
		Fields:     a.Fields,
	}
	v := a.Version
	w.ActivitySnapshotVersion = &v
	return true, nil
}

// staleAs turns a lost guarded update into a conflict.
func staleAs(err error, from, to domain.Status) error {
	if errors.Is(err, repo.ErrStale) {
		return &TransitionError{
			Code:    CodeConcurrentChange,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("wir left %s before the change to %s was written", from, to),
		}
	}
	return err
}
