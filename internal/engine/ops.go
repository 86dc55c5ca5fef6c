package engine

import (
	"context"
	"fmt"

	"wirline/internal/domain"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
	"wirline/internal/repo"
)

type RescheduleOptions struct {
	Date   string `validate:"required,datetime=2006-01-02"`
	Time   string `validate:"omitempty,datetime=15:04"`
	Reason string `validate:"required"`
	Caller Caller
}

// Reschedule moves the planned inspection slot and writes a Rescheduled row.
func (e Engine) Reschedule(ctx context.Context, wirID string, opts RescheduleOptions) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "reschedule", wirID)
	defer func() { endSpan(span, err) }()

	if err := e.validate(opts); err != nil {
		return w, err
	}
	meta := ledger.Meta{"date": opts.Date, "reason": opts.Reason}
	if opts.Time != "" {
		meta["time"] = opts.Time
	}
	return e.mutate(ctx, wirID, auth.ActionReschedule, domain.ActionRescheduled, opts.Caller, opts.Reason, meta, func(w *domain.WIR) error {
		if Terminal(w.Status) {
			return &TransitionError{
				Code:    CodeInvalidTransition,
				From:    w.Status,
				To:      w.Status,
				Message: fmt.Sprintf("wir %s is %s and can no longer be rescheduled", w.ID, w.Status),
			}
		}
		w.RescheduleForDate = optionalString(opts.Date)
		w.RescheduleForTime = optionalString(opts.Time)
		w.RescheduleReason = optionalString(opts.Reason)
		return nil
	})
}

// AddNote appends a free-text note to the history.
func (e Engine) AddNote(ctx context.Context, wirID, note string, c Caller) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "note", wirID)
	defer func() { endSpan(span, err) }()

	if note == "" {
		return w, invalid("note", "must not be empty")
	}
	return e.mutate(ctx, wirID, auth.ActionNote, domain.ActionNoteAdded, c, note, nil, nil)
}

// ChangeBIC hands the ball in court to userID, or to nobody when nil.
func (e Engine) ChangeBIC(ctx context.Context, wirID string, userID *string, c Caller) (w domain.WIR, err error) {
	ctx, span := startSpan(ctx, "change_bic", wirID)
	defer func() { endSpan(span, err) }()

	meta := ledger.Meta{"to": stringValue(userID)}
	return e.mutate(ctx, wirID, auth.ActionChangeBIC, domain.ActionBicChanged, c, "", meta, func(w *domain.WIR) error {
		meta["from"] = stringValue(w.BicUserID)
		w.BicUserID = nil
		if userID != nil && *userID != "" {
			id := *userID
			w.BicUserID = &id
		}
		return nil
	})
}

// mutate runs one header change plus its history row in a transaction. A nil
// change writes history only.
func (e Engine) mutate(ctx context.Context, wirID, permission string, action domain.Action, c Caller, notes string, meta ledger.Meta, change func(*domain.WIR) error) (w domain.WIR, err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()

	w, err = e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return w, err
	}
	if err := e.authorize(ctx, c, permission, w); err != nil {
		return w, err
	}
	if change != nil {
		if err := change(&w); err != nil {
			return w, err
		}
		w.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateWIR(ctx, tx, w, w.Status); err != nil {
			return w, staleAs(err, w.Status, w.Status)
		}
	}
	if err := e.record(ctx, tx, w, action, c, notes, meta, "", ""); err != nil {
		return w, err
	}
	if w, err = e.load(ctx, tx, w.ID); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	e.logMutation(w, action, c)
	return w, nil
}

// Delete removes a WIR with its checklists and items. The Deleted row and all
// earlier history stay behind.
func (e Engine) Delete(ctx context.Context, wirID string, c Caller) (err error) {
	ctx, span := startSpan(ctx, "delete", wirID)
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, c, auth.ActionDelete, w); err != nil {
		return err
	}
	meta := ledger.Meta{"series_id": w.SeriesID, "status": string(w.Status)}
	if w.Code != nil {
		meta["code"] = *w.Code
	}
	if err := e.record(ctx, tx, w, domain.ActionDeleted, c, "", meta, w.Status, ""); err != nil {
		return err
	}
	if err := e.Repo.DeleteWIR(ctx, tx, w.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logMutation(w, domain.ActionDeleted, c)
	return nil
}

// Get returns the WIR with checklists, items and its current version.
func (e Engine) Get(ctx context.Context, wirID string) (domain.WIR, error) {
	return e.load(ctx, e.DB, wirID)
}

type ListOptions struct {
	ProjectID       string
	Status          domain.Status
	Discipline      domain.Discipline
	InspectorID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// List returns headers with their versions, newest first. Checklists and
// items are not loaded.
func (e Engine) List(ctx context.Context, opts ListOptions) ([]domain.WIR, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", opts.Status))
	}
	if opts.Discipline != "" && !opts.Discipline.Valid() {
		return nil, invalid("discipline", fmt.Sprintf("unknown discipline %q", opts.Discipline))
	}
	wirs, err := e.Repo.ListWIRs(ctx, e.DB, repo.ListFilter{
		ProjectID:       opts.ProjectID,
		Status:          opts.Status,
		Discipline:      opts.Discipline,
		InspectorID:     opts.InspectorID,
		Limit:           opts.Limit,
		CursorCreatedAt: opts.CursorCreatedAt,
		CursorID:        opts.CursorID,
	})
	if err != nil {
		return nil, err
	}
	return e.withVersions(ctx, wirs)
}

// Series lists every WIR sharing seriesID, oldest first.
func (e Engine) Series(ctx context.Context, seriesID string) ([]domain.WIR, error) {
	wirs, err := e.Repo.ListWIRs(ctx, e.DB, repo.ListFilter{SeriesID: seriesID})
	if err != nil {
		return nil, err
	}
	if len(wirs) == 0 {
		return nil, repo.ErrNotFound
	}
	return e.withVersions(ctx, wirs)
}

func (e Engine) withVersions(ctx context.Context, wirs []domain.WIR) ([]domain.WIR, error) {
	for i := range wirs {
		v, err := ledger.Version(ctx, e.DB, wirs[i].ID)
		if err != nil {
			return nil, err
		}
		wirs[i].Version = v
	}
	return wirs, nil
}

// History lists a WIR's audit rows oldest first, including after deletion.
func (e Engine) History(ctx context.Context, wirID string) ([]domain.WirHistory, error) {
	rows, err := ledger.History(ctx, e.DB, wirID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, repo.ErrNotFound
	}
	return rows, nil
}
