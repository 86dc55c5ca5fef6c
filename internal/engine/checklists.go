package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"wirline/internal/catalog"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
)

type AttachOptions struct {
	Refs        []string `validate:"required,min=1,dive,required"`
	Materialize bool
	// Replace makes Refs the full attachment set: checklists not listed are
	// detached together with their items.
	Replace bool
	Caller  Caller
}

type AttachResult struct {
	Added             []string   `json:"added"`
	Removed           []string   `json:"removed,omitempty"`
	Unmatched         []string   `json:"unmatched,omitempty"`
	MaterializedCount int        `json:"materialized_count"`
	WIR               domain.WIR `json:"wir"`
}

// Attach links reference checklists to a WIR, optionally materializing their
// items, and records one ItemsChanged row.
func (e Engine) Attach(ctx context.Context, wirID string, opts AttachOptions) (res AttachResult, err error) {
	ctx, span := startSpan(ctx, "attach", wirID)
	defer func() { endSpan(span, err) }()

	if err := e.validate(opts); err != nil {
		return res, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWIR(ctx, tx, wirID)
	if err != nil {
		return res, err
	}
	if err := e.authorize(ctx, opts.Caller, auth.ActionAttach, w); err != nil {
		return res, err
	}
	resolved, unmatched, err := e.resolveChecklists(ctx, tx, opts.Refs)
	if err != nil {
		return res, err
	}
	res.Unmatched = unmatched

	if opts.Replace {
		current, err := e.Repo.ListChecklists(ctx, tx, w.ID)
		if err != nil {
			return res, err
		}
		keep := map[string]bool{}
		for _, c := range resolved {
			keep[c.ID] = true
		}
		for _, c := range current {
			if !keep[c.ChecklistID] {
				res.Removed = append(res.Removed, c.ChecklistID)
			}
		}
		if err := e.Repo.DeleteChecklists(ctx, tx, w.ID, res.Removed); err != nil {
			return res, err
		}
	}

	now := e.timestamp()
	added, err := e.attachChecklists(ctx, tx, w.ID, resolved, now)
	if err != nil {
		return res, err
	}
	for _, c := range added {
		res.Added = append(res.Added, c.ChecklistID)
	}
	if opts.Materialize && len(added) > 0 {
		n, err := e.materialize(ctx, tx, w.ID, added, now)
		if err != nil {
			return res, err
		}
		res.MaterializedCount = n
		w.Materialized = true
		w.SnapshotAt = &now
	}
	w.UpdatedAt = now
	if err := e.Repo.UpdateWIR(ctx, tx, w, w.Status); err != nil {
		return res, err
	}
	meta := ledger.Meta{
		"checklist_ids":      res.Added,
		"materialized_count": res.MaterializedCount,
		"replace":            opts.Replace,
	}
	if len(res.Removed) > 0 {
		meta["removed_checklist_ids"] = res.Removed
	}
	if len(res.Unmatched) > 0 {
		meta["unmatched"] = res.Unmatched
	}
	if err := e.record(ctx, tx, w, domain.ActionItemsChanged, opts.Caller, "", meta, "", ""); err != nil {
		return res, err
	}
	if res.WIR, err = e.load(ctx, tx, w.ID); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.logMutation(res.WIR, domain.ActionItemsChanged, opts.Caller)
	return res, nil
}

// resolveChecklists maps tokens to catalog checklists. Unless strict
// resolution is configured, unmatched tokens are dropped as long as one
// token resolves.
func (e Engine) resolveChecklists(ctx context.Context, q db.Querier, refs []string) ([]catalog.Checklist, []string, error) {
	found, unmatched, err := e.Catalog.ResolveChecklists(ctx, q, refs)
	if err != nil {
		return nil, nil, err
	}
	if len(found) == 0 {
		return nil, unmatched, invalid("checklists", fmt.Sprintf("no valid checklist references in %s", strings.Join(refs, ",")))
	}
	if len(unmatched) > 0 {
		if e.Config != nil && e.Config.Checklists.StrictResolution {
			return nil, unmatched, invalid("checklists", fmt.Sprintf("unknown checklist reference %s", unmatched[0]))
		}
		e.logger().WithField("unmatched", unmatched).Warn("dropping unresolved checklist references")
	}
	return found, unmatched, nil
}

// attachChecklists inserts snapshot rows for checklists not yet on the WIR and
// returns only the rows it added.
func (e Engine) attachChecklists(ctx context.Context, q db.Querier, wirID string, lists []catalog.Checklist, now string) ([]domain.WirChecklist, error) {
	pos, err := e.Repo.NextChecklistPosition(ctx, q, wirID)
	if err != nil {
		return nil, err
	}
	var added []domain.WirChecklist
	for _, c := range lists {
		wc := domain.WirChecklist{
			ID:          uuid.NewString(),
			WirID:       wirID,
			ChecklistID: c.ID,
			ChecklistSnapshot: domain.ChecklistSnapshot{
				Code:         c.Code,
				Title:        c.Title,
				Discipline:   c.Discipline,
				VersionLabel: c.VersionLabel,
			},
			Position:  pos,
			CreatedAt: now,
		}
		ok, err := e.Repo.InsertChecklist(ctx, q, wc)
		if err != nil {
			return nil, fmt.Errorf("attach checklist %s: %w", c.Code, err)
		}
		if !ok {
			continue
		}
		pos++
		added = append(added, wc)
	}
	return added, nil
}

// materialize copies the catalog items of lists into WirItems ordered by
// checklist id then item seq, numbering after the WIR's last item.
func (e Engine) materialize(ctx context.Context, q db.Querier, wirID string, lists []domain.WirChecklist, now string) (int, error) {
	ids := make([]string, 0, len(lists))
	for _, c := range lists {
		ids = append(ids, c.ChecklistID)
	}
	sort.Strings(ids)
	src, err := e.Catalog.Items(ctx, q, ids)
	if err != nil {
		return 0, fmt.Errorf("load checklist items: %w", err)
	}
	seq, err := e.Repo.MaxItemSeq(ctx, q, wirID)
	if err != nil {
		return 0, err
	}
	perChecklist := map[string][]string{}
	for _, ci := range src {
		seq++
		checklistID, itemID := ci.ChecklistID, ci.ID
		it := domain.WirItem{
			ID:                    uuid.NewString(),
			WirID:                 wirID,
			SourceChecklistID:     &checklistID,
			SourceChecklistItemID: &itemID,
			Seq:                   seq,
			Name:                  ci.Text,
			Spec:                  ci.Requirement,
			Tolerance:             ci.Tolerance,
			Unit:                  ci.Unit,
			Code:                  ci.ItemCode,
			Tags:                  ci.Tags,
			Critical:              ci.Critical,
			AIEnabled:             ci.AIEnabled,
			AIConfidence:          ci.AIConfidence,
			Base:                  ci.Base,
			Plus:                  ci.Plus,
			Minus:                 ci.Minus,
			Status:                domain.ItemUnknown,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := e.Repo.InsertItem(ctx, q, it); err != nil {
			return 0, fmt.Errorf("materialize item %s: %w", ci.ID, err)
		}
		perChecklist[checklistID] = append(perChecklist[checklistID], it.ID)
	}
	for _, id := range ids {
		if err := e.Repo.SetChecklistItems(ctx, q, wirID, id, perChecklist[id]); err != nil {
			return 0, err
		}
	}
	return len(src), nil
}
