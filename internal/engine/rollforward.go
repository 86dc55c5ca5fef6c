package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wirline/internal/domain"
	"wirline/internal/engine/auth"
	"wirline/internal/ledger"
)

type RollForwardOptions struct {
	// ItemIDs picks the items to carry. When empty every failed or NCR item
	// is carried.
	ItemIDs     []string
	ForDate     *string
	ForTime     *string
	Title       *string
	Description *string
	Caller      Caller
}

// RollForward opens the next WIR of the source's series. The successor starts
// in Draft with the source's checklist attachments and a fresh copy of the
// chosen items.
func (e Engine) RollForward(ctx context.Context, wirID string, opts RollForwardOptions) (next domain.WIR, err error) {
	ctx, span := startSpan(ctx, "roll_forward", wirID)
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return next, err
	}
	defer tx.Rollback()

	src, err := e.load(ctx, tx, wirID)
	if err != nil {
		return next, err
	}
	if err := e.authorize(ctx, opts.Caller, auth.ActionRollForward, src); err != nil {
		return next, err
	}
	chosen, err := carriedItems(src, opts.ItemIDs)
	if err != nil {
		return next, err
	}

	now := e.timestamp()
	next = domain.WIR{
		ID:            uuid.NewString(),
		ProjectID:     src.ProjectID,
		Title:         src.Title,
		Description:   src.Description,
		Discipline:    src.Discipline,
		Status:        domain.StatusDraft,
		ForDate:       src.ForDate,
		ForTime:       src.ForTime,
		CityTown:      src.CityTown,
		StateName:     src.StateName,
		InspectorID:   src.InspectorID,
		ContractorID:  src.ContractorID,
		HodID:         src.HodID,
		CreatedByID:   opts.Caller.Actor.UserID,
		SeriesID:      src.SeriesID,
		ActivityRefID: src.ActivityRefID,
		Materialized:  true,
		SnapshotAt:    &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if next.CreatedByID == nil {
		next.CreatedByID = src.CreatedByID
	}
	if opts.Title != nil && *opts.Title != "" {
		next.Title = *opts.Title
	}
	if opts.Description != nil {
		next.Description = *opts.Description
	}
	if opts.ForDate != nil {
		next.ForDate = optionalString(*opts.ForDate)
	}
	if opts.ForTime != nil {
		next.ForTime = optionalString(*opts.ForTime)
	}
	if err := e.Repo.InsertWIR(ctx, tx, next); err != nil {
		return next, fmt.Errorf("insert successor: %w", err)
	}

	itemMap := make(map[string]string, len(chosen))
	for i, it := range chosen {
		clone := it
		clone.ID = uuid.NewString()
		clone.WirID = next.ID
		clone.Seq = i + 1
		clone.Status = domain.ItemUnknown
		clone.InspectorStatus = nil
		clone.Note = nil
		clone.Value = decimal.NullDecimal{}
		clone.CreatedAt = now
		clone.UpdatedAt = now
		if err := e.Repo.InsertItem(ctx, tx, clone); err != nil {
			return next, fmt.Errorf("clone item %s: %w", it.ID, err)
		}
		itemMap[it.ID] = clone.ID
	}
	for _, c := range src.Checklists {
		clone := c
		clone.ID = uuid.NewString()
		clone.WirID = next.ID
		clone.CreatedAt = now
		clone.ItemIDs = nil
		for _, id := range c.ItemIDs {
			if nid, ok := itemMap[id]; ok {
				clone.ItemIDs = append(clone.ItemIDs, nid)
			}
		}
		clone.ItemCount = len(clone.ItemIDs)
		if _, err := e.Repo.InsertChecklist(ctx, tx, clone); err != nil {
			return next, fmt.Errorf("clone checklist %s: %w", c.ChecklistID, err)
		}
	}

	carried := make([]string, 0, len(chosen))
	for _, it := range chosen {
		carried = append(carried, it.ID)
	}
	if err := e.record(ctx, tx, src, domain.ActionNoteAdded, opts.Caller,
		fmt.Sprintf("rolled forward to %s", next.ID),
		ledger.Meta{"rolled_forward_to": next.ID, "item_ids": carried}, "", ""); err != nil {
		return next, err
	}
	originMeta := ledger.Meta{
		"rolled_from":  src.ID,
		"series_id":    src.SeriesID,
		"item_count":   len(chosen),
		"from_version": src.Version,
	}
	if src.Code != nil {
		originMeta["rolled_from_code"] = *src.Code
	}
	if err := e.record(ctx, tx, next, domain.ActionCreated, opts.Caller,
		fmt.Sprintf("rolled forward from %s", src.ID), originMeta, "", domain.StatusDraft); err != nil {
		return next, err
	}
	if next, err = e.load(ctx, tx, next.ID); err != nil {
		return next, err
	}
	if err := tx.Commit(); err != nil {
		return next, err
	}
	e.logMutation(next, domain.ActionCreated, opts.Caller)
	return next, nil
}

// carriedItems picks explicit ids when given, else every item the inspector
// failed or that is flagged NCR.
func carriedItems(src domain.WIR, ids []string) ([]domain.WirItem, error) {
	var chosen []domain.WirItem
	if len(ids) > 0 {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		for _, it := range src.Items {
			if want[it.ID] {
				chosen = append(chosen, it)
				delete(want, it.ID)
			}
		}
		if len(want) > 0 {
			var missing []string
			for _, id := range ids {
				if want[id] {
					missing = append(missing, id)
				}
			}
			return nil, invalid("item_ids", fmt.Sprintf("items %s do not belong to wir %s", strings.Join(missing, ","), src.ID))
		}
	} else {
		for _, it := range src.Items {
			failed := it.InspectorStatus != nil && *it.InspectorStatus == domain.OutcomeFail
			if failed || it.Status == domain.ItemNCR {
				chosen = append(chosen, it)
			}
		}
	}
	if len(chosen) == 0 {
		return nil, invalid("item_ids", "no items to roll forward")
	}
	return chosen, nil
}
