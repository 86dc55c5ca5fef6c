// Package ledger is the append-only WIR history. A WIR's displayed version is
// derived from it on every read.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wirline/internal/db"
	"wirline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

type Meta map[string]any

// Entry is one history row to append.
type Entry struct {
	WirID     string
	ProjectID string
	Action    domain.Action
	Actor     domain.Actor
	Notes     string
	Meta      Meta
	From      domain.Status
	To        domain.Status
}

// Record appends e. It must run on the transaction of the mutation it documents.
func (w Writer) Record(ctx context.Context, q db.Querier, e Entry) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.Timestamp(w.Now())
	var meta any
	if len(e.Meta) > 0 {
		data, err := json.Marshal(e.Meta)
		if err != nil {
			return 0, fmt.Errorf("marshal history meta: %w", err)
		}
		meta = string(data)
	}
	actorName := e.Actor.Label()
	res, err := q.ExecContext(ctx, `INSERT INTO wir_history(wir_id,project_id,action,actor_user_id,actor_name,notes,meta_json,from_status,to_status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.WirID, e.ProjectID, string(e.Action), nullable(e.Actor.ID()), actorName, nullable(e.Notes), meta,
		nullable(string(e.From)), nullable(string(e.To)), ts)
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", e.Action, err)
	}
	return res.LastInsertId()
}

var versionQuery = func() string {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(domain.VersionActions)), ",")
	return `SELECT 1 + COUNT(*) FROM wir_history WHERE wir_id=? AND action IN (` + marks + `)`
}()

// Version returns 1 plus the number of version-bumping rows recorded for wirID.
func Version(ctx context.Context, q db.Querier, wirID string) (int, error) {
	args := []any{wirID}
	for _, a := range domain.VersionActions {
		args = append(args, string(a))
	}
	var v int
	if err := q.QueryRowContext(ctx, versionQuery, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("version %s: %w", wirID, err)
	}
	return v, nil
}

// History lists the rows of wirID oldest first. Rows of deleted WIRs remain.
func History(ctx context.Context, q db.Querier, wirID string) ([]domain.WirHistory, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,wir_id,project_id,action,actor_user_id,actor_name,notes,meta_json,from_status,to_status,created_at
FROM wir_history WHERE wir_id=? ORDER BY id`, wirID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WirHistory
	for rows.Next() {
		var h domain.WirHistory
		var userID, name, notes, meta, from, to sql.NullString
		if err := rows.Scan(&h.ID, &h.WirID, &h.ProjectID, &h.Action, &userID, &name, &notes, &meta, &from, &to, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.ActorUserID, h.ActorName, h.Notes = ptr(userID), ptr(name), ptr(notes)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &h.Meta); err != nil {
				return nil, fmt.Errorf("history %d meta: %w", h.ID, err)
			}
		}
		if from.Valid {
			s := domain.Status(from.String)
			h.FromStatus = &s
		}
		if to.Valid {
			s := domain.Status(to.String)
			h.ToStatus = &s
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func ptr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
