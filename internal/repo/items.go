package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"wirline/internal/db"
	"wirline/internal/domain"
)

const checklistColumns = `id,wir_id,checklist_id,checklist_code,checklist_title,discipline,version_label,position,item_count,item_ids_json,created_at`

// InsertChecklist adds an attachment row. It reports false when the WIR
// already carries the checklist; the existing row is left untouched.
func (Repo) InsertChecklist(ctx context.Context, q db.Querier, c domain.WirChecklist) (bool, error) {
	ids, err := marshalStrings(c.ItemIDs)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, `INSERT INTO wir_checklists(`+checklistColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(wir_id, checklist_id) DO NOTHING`,
		c.ID, c.WirID, c.ChecklistID, c.Code, c.Title, nullable(c.Discipline), nullable(c.VersionLabel), c.Position, c.ItemCount, ids, c.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (Repo) ListChecklists(ctx context.Context, q db.Querier, wirID string) ([]domain.WirChecklist, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+checklistColumns+` FROM wir_checklists WHERE wir_id=? ORDER BY position, created_at`, wirID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WirChecklist
	for rows.Next() {
		var c domain.WirChecklist
		var discipline, label, ids sql.NullString
		if err := rows.Scan(&c.ID, &c.WirID, &c.ChecklistID, &c.Code, &c.Title, &discipline, &label, &c.Position, &c.ItemCount, &ids, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Discipline, c.VersionLabel = discipline.String, label.String
		if ids.Valid && ids.String != "" {
			if err := json.Unmarshal([]byte(ids.String), &c.ItemIDs); err != nil {
				return nil, fmt.Errorf("checklist %s item ids: %w", c.ID, err)
			}
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetChecklistItems records which WirItems were materialized from an attachment.
func (Repo) SetChecklistItems(ctx context.Context, q db.Querier, wirID, checklistID string, itemIDs []string) error {
	ids, err := marshalStrings(itemIDs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `UPDATE wir_checklists SET item_count=?, item_ids_json=? WHERE wir_id=? AND checklist_id=?`,
		len(itemIDs), ids, wirID, checklistID)
	return err
}

// DeleteChecklists detaches the given checklists and drops the items that were
// materialized from them.
func (Repo) DeleteChecklists(ctx context.Context, q db.Querier, wirID string, checklistIDs []string) error {
	if len(checklistIDs) == 0 {
		return nil
	}
	in, args := inClause(checklistIDs)
	if _, err := q.ExecContext(ctx, `DELETE FROM wir_items WHERE wir_id=? AND source_checklist_id IN `+in, append([]any{wirID}, args...)...); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM wir_checklists WHERE wir_id=? AND checklist_id IN `+in, append([]any{wirID}, args...)...); err != nil {
		return fmt.Errorf("delete checklists: %w", err)
	}
	return nil
}

// NextChecklistPosition returns the position after the last attachment.
func (Repo) NextChecklistPosition(ctx context.Context, q db.Querier, wirID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1, 0) FROM wir_checklists WHERE wir_id=?`, wirID).Scan(&n)
	return n, err
}

const itemColumns = `id,wir_id,source_checklist_id,source_checklist_item_id,seq,name,spec,tolerance,unit,code,tags_json,critical,ai_enabled,ai_confidence,
base,plus,minus,status,inspector_status,note,value,created_at,updated_at`

func (Repo) InsertItem(ctx context.Context, q db.Querier, it domain.WirItem) error {
	tags, err := marshalStrings(it.Tags)
	if err != nil {
		return err
	}
	var outcome any
	if it.InspectorStatus != nil {
		outcome = string(*it.InspectorStatus)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO wir_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.WirID, nullableStringPtr(it.SourceChecklistID), nullableStringPtr(it.SourceChecklistItemID), it.Seq, it.Name,
		nullable(it.Spec), nullable(it.Tolerance), nullable(it.Unit), nullable(it.Code), tags, it.Critical, it.AIEnabled, it.AIConfidence,
		it.Base, it.Plus, it.Minus, string(it.Status), outcome, nullableStringPtr(it.Note), it.Value, it.CreatedAt, it.UpdatedAt)
	return err
}

func (Repo) ListItems(ctx context.Context, q db.Querier, wirID string) ([]domain.WirItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+itemColumns+` FROM wir_items WHERE wir_id=? ORDER BY seq, id`, wirID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WirItem
	for rows.Next() {
		var it domain.WirItem
		var srcChecklist, srcItem, spec, tol, unit, code, tags, outcome, note sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(&it.ID, &it.WirID, &srcChecklist, &srcItem, &it.Seq, &it.Name, &spec, &tol, &unit, &code, &tags,
			&it.Critical, &it.AIEnabled, &conf, &it.Base, &it.Plus, &it.Minus, &it.Status, &outcome, &note, &it.Value,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.SourceChecklistID, it.SourceChecklistItemID = ptr(srcChecklist), ptr(srcItem)
		it.Spec, it.Tolerance, it.Unit, it.Code = spec.String, tol.String, unit.String, code.String
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &it.Tags); err != nil {
				return nil, fmt.Errorf("item %s tags: %w", it.ID, err)
			}
		}
		if conf.Valid {
			v := conf.Float64
			it.AIConfidence = &v
		}
		if outcome.Valid {
			o := domain.Outcome(outcome.String)
			it.InspectorStatus = &o
		}
		it.Note = ptr(note)
		res = append(res, it)
	}
	return res, rows.Err()
}

// UpdateItemOutcome writes the inspector-owned columns of one item. Provenance
// and seq are not touched.
func (Repo) UpdateItemOutcome(ctx context.Context, q db.Querier, it domain.WirItem) error {
	var outcome any
	if it.InspectorStatus != nil {
		outcome = string(*it.InspectorStatus)
	}
	res, err := q.ExecContext(ctx, `UPDATE wir_items SET status=?, inspector_status=?, note=?, value=?, unit=?, updated_at=? WHERE id=? AND wir_id=?`,
		string(it.Status), outcome, nullableStringPtr(it.Note), it.Value, nullable(it.Unit), it.UpdatedAt, it.ID, it.WirID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxItemSeq returns the highest seq used on the WIR, or 0.
func (Repo) MaxItemSeq(ctx context.Context, q db.Querier, wirID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM wir_items WHERE wir_id=?`, wirID).Scan(&n)
	return n, err
}

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")", args
}
