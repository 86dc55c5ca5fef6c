// Package catalog reads the reference checklist and activity library. The
// engine never writes these tables; Import exists to seed them from fixtures.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"wirline/internal/db"
)

var ErrNotFound = errors.New("catalog entry not found")

type Checklist struct {
	ID           string `json:"id" yaml:"id"`
	Code         string `json:"code" yaml:"code"`
	Title        string `json:"title" yaml:"title"`
	Discipline   string `json:"discipline,omitempty" yaml:"discipline"`
	VersionLabel string `json:"version_label,omitempty" yaml:"version_label"`
}

type ChecklistItem struct {
	ID           string              `json:"id"`
	ChecklistID  string              `json:"checklist_id"`
	Seq          int                 `json:"seq"`
	Text         string              `json:"text"`
	Requirement  string              `json:"requirement,omitempty"`
	Tolerance    string              `json:"tolerance,omitempty"`
	Unit         string              `json:"unit,omitempty"`
	ItemCode     string              `json:"item_code,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Critical     bool                `json:"critical"`
	AIEnabled    bool                `json:"ai_enabled"`
	AIConfidence *float64            `json:"ai_confidence,omitempty"`
	Base         decimal.NullDecimal `json:"base"`
	Plus         decimal.NullDecimal `json:"plus"`
	Minus        decimal.NullDecimal `json:"minus"`
}

type Activity struct {
	ID         string         `json:"id"`
	Code       string         `json:"code"`
	Title      string         `json:"title"`
	Discipline string         `json:"discipline,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Version    int            `json:"version"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Reader is the read-only view of the catalog the engine depends on.
type Reader interface {
	// ResolveChecklists maps each token to a checklist by id or code. The
	// second return lists tokens that matched nothing, in input order.
	ResolveChecklists(ctx context.Context, q db.Querier, tokens []string) ([]Checklist, []string, error)
	Items(ctx context.Context, q db.Querier, checklistIDs []string) ([]ChecklistItem, error)
	Activity(ctx context.Context, q db.Querier, id string) (Activity, error)
}

// SQL reads the catalog from the ref_* tables.
type SQL struct{}

func (SQL) ResolveChecklists(ctx context.Context, q db.Querier, tokens []string) ([]Checklist, []string, error) {
	var (
		found     []Checklist
		unmatched []string
		seen      = map[string]bool{}
	)
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		var c Checklist
		var discipline, label sql.NullString
		err := q.QueryRowContext(ctx, `SELECT id,code,title,discipline,version_label FROM ref_checklists WHERE id=? OR code=? ORDER BY (id=?) DESC LIMIT 1`, tok, tok, tok).
			Scan(&c.ID, &c.Code, &c.Title, &discipline, &label)
		if err == sql.ErrNoRows {
			unmatched = append(unmatched, tok)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolve checklist %s: %w", tok, err)
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		c.Discipline = discipline.String
		c.VersionLabel = label.String
		found = append(found, c)
	}
	return found, unmatched, nil
}

// Items returns the items of the given checklists ordered by checklist, in
// the order given, then by seq.
func (SQL) Items(ctx context.Context, q db.Querier, checklistIDs []string) ([]ChecklistItem, error) {
	var res []ChecklistItem
	for _, cid := range checklistIDs {
		rows, err := q.QueryContext(ctx, `SELECT id,checklist_id,seq,text,requirement,tolerance,unit,item_code,tags_json,critical,ai_enabled,ai_confidence,base,plus,minus
FROM ref_checklist_items WHERE checklist_id=? ORDER BY seq, id`, cid)
		if err != nil {
			return nil, err
		}
		items, err := scanItems(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, items...)
	}
	return res, nil
}

func scanItems(rows *sql.Rows) ([]ChecklistItem, error) {
	defer rows.Close()
	var res []ChecklistItem
	for rows.Next() {
		var it ChecklistItem
		var req, tol, unit, code, tags sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(&it.ID, &it.ChecklistID, &it.Seq, &it.Text, &req, &tol, &unit, &code, &tags,
			&it.Critical, &it.AIEnabled, &conf, &it.Base, &it.Plus, &it.Minus); err != nil {
			return nil, err
		}
		it.Requirement, it.Tolerance, it.Unit, it.ItemCode = req.String, tol.String, unit.String, code.String
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &it.Tags); err != nil {
				return nil, fmt.Errorf("item %s tags: %w", it.ID, err)
			}
		}
		if conf.Valid {
			v := conf.Float64
			it.AIConfidence = &v
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (SQL) Activity(ctx context.Context, q db.Querier, id string) (Activity, error) {
	var a Activity
	var discipline, stage, fields sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id,code,title,discipline,stage,version,fields_json FROM ref_activities WHERE id=? OR code=? LIMIT 1`, id, id).
		Scan(&a.ID, &a.Code, &a.Title, &discipline, &stage, &a.Version, &fields)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Discipline, a.Stage = discipline.String, stage.String
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &a.Fields); err != nil {
			return a, fmt.Errorf("activity %s fields: %w", a.ID, err)
		}
	}
	return a, nil
}
