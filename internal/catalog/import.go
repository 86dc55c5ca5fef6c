package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"wirline/internal/domain"
)

// Fixture is the YAML shape accepted by Import.
type Fixture struct {
	Checklists []FixtureChecklist `yaml:"checklists"`
	Activities []FixtureActivity  `yaml:"activities"`
}

type FixtureChecklist struct {
	Checklist `yaml:",inline"`
	Items     []FixtureItem `yaml:"items"`
}

type FixtureItem struct {
	ID           string   `yaml:"id"`
	Text         string   `yaml:"text"`
	Requirement  string   `yaml:"requirement"`
	Tolerance    string   `yaml:"tolerance"`
	Unit         string   `yaml:"unit"`
	ItemCode     string   `yaml:"item_code"`
	Tags         []string `yaml:"tags"`
	Critical     bool     `yaml:"critical"`
	AIEnabled    bool     `yaml:"ai_enabled"`
	AIConfidence *float64 `yaml:"ai_confidence"`
	Base         string   `yaml:"base"`
	Plus         string   `yaml:"plus"`
	Minus        string   `yaml:"minus"`
}

type FixtureActivity struct {
	ID         string         `yaml:"id"`
	Code       string         `yaml:"code"`
	Title      string         `yaml:"title"`
	Discipline string         `yaml:"discipline"`
	Stage      string         `yaml:"stage"`
	Version    int            `yaml:"version"`
	Fields     map[string]any `yaml:"fields"`
}

// ImportResult counts the rows written by Import.
type ImportResult struct {
	Checklists int `json:"checklists"`
	Items      int `json:"items"`
	Activities int `json:"activities"`
}

// ParseFixture decodes a catalog fixture document.
func ParseFixture(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	for i, c := range f.Checklists {
		if c.Code == "" || c.Title == "" {
			return f, fmt.Errorf("checklists[%d]: code and title are required", i)
		}
	}
	for i, a := range f.Activities {
		if a.Code == "" || a.Title == "" {
			return f, fmt.Errorf("activities[%d]: code and title are required", i)
		}
	}
	return f, nil
}

// Import upserts the fixture into the ref_* tables in one transaction.
// Checklists are replaced wholesale, including their items. Rows that omit an
// id keep the id already stored for their code, or get a new one.
func Import(ctx context.Context, conn *sql.DB, f Fixture) (ImportResult, error) {
	var res ImportResult
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := domain.Timestamp(time.Now())
	for _, c := range f.Checklists {
		id, err := existingID(ctx, tx, "ref_checklists", c.ID, c.Code)
		if err != nil {
			return res, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ref_checklists(id,code,title,discipline,version_label,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET code=excluded.code, title=excluded.title, discipline=excluded.discipline, version_label=excluded.version_label`,
			id, c.Code, c.Title, nullable(c.Discipline), nullable(c.VersionLabel), now); err != nil {
			return res, fmt.Errorf("upsert checklist %s: %w", c.Code, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ref_checklist_items WHERE checklist_id=?`, id); err != nil {
			return res, err
		}
		for i, it := range c.Items {
			itemID := it.ID
			if itemID == "" {
				itemID = uuid.NewString()
			}
			base, err := parseDecimal(it.Base)
			if err != nil {
				return res, fmt.Errorf("checklist %s item %d base: %w", c.Code, i+1, err)
			}
			plus, err := parseDecimal(it.Plus)
			if err != nil {
				return res, fmt.Errorf("checklist %s item %d plus: %w", c.Code, i+1, err)
			}
			minus, err := parseDecimal(it.Minus)
			if err != nil {
				return res, fmt.Errorf("checklist %s item %d minus: %w", c.Code, i+1, err)
			}
			var tags any
			if len(it.Tags) > 0 {
				b, err := json.Marshal(it.Tags)
				if err != nil {
					return res, err
				}
				tags = string(b)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO ref_checklist_items(id,checklist_id,seq,text,requirement,tolerance,unit,item_code,tags_json,critical,ai_enabled,ai_confidence,base,plus,minus)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				itemID, id, i+1, it.Text, nullable(it.Requirement), nullable(it.Tolerance), nullable(it.Unit), nullable(it.ItemCode), tags,
				it.Critical, it.AIEnabled, it.AIConfidence, base, plus, minus); err != nil {
				return res, fmt.Errorf("insert checklist item: %w", err)
			}
			res.Items++
		}
		res.Checklists++
	}
	for _, a := range f.Activities {
		id, err := existingID(ctx, tx, "ref_activities", a.ID, a.Code)
		if err != nil {
			return res, err
		}
		if a.Version == 0 {
			a.Version = 1
		}
		var fields any
		if len(a.Fields) > 0 {
			b, err := json.Marshal(a.Fields)
			if err != nil {
				return res, fmt.Errorf("activity %s fields: %w", a.Code, err)
			}
			fields = string(b)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ref_activities(id,code,title,discipline,stage,version,fields_json) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET code=excluded.code, title=excluded.title, discipline=excluded.discipline, stage=excluded.stage, version=excluded.version, fields_json=excluded.fields_json`,
			id, a.Code, a.Title, nullable(a.Discipline), nullable(a.Stage), a.Version, fields); err != nil {
			return res, fmt.Errorf("upsert activity %s: %w", a.Code, err)
		}
		res.Activities++
	}
	return res, tx.Commit()
}

func existingID(ctx context.Context, tx *sql.Tx, table, id, code string) (string, error) {
	if id != "" {
		return id, nil
	}
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE code=?`, code).Scan(&cur)
	if err == sql.ErrNoRows {
		return uuid.NewString(), nil
	}
	return cur, err
}

func parseDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
