package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"wirline/internal/db"
	"wirline/internal/domain"
)

// Repo persists WIRs and their owned rows. Every method takes the Querier to
// run on so callers can compose them inside one transaction.
type Repo struct{}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale reports a guarded update that matched no row because the WIR
	// left the expected status underneath the caller.
	ErrStale = errors.New("wir status changed concurrently")
)

const wirColumns = `id,project_id,code,title,description,discipline,status,for_date,for_time,reschedule_for_date,reschedule_for_time,reschedule_reason,
city_town,state_name,inspector_id,contractor_id,hod_id,bic_user_id,created_by_id,series_id,activity_ref_id,activity_snapshot_json,activity_snapshot_version,
materialized,snapshot_at,inspector_recommendation,inspector_remarks,inspector_recommended_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWIR(row rowScanner) (domain.WIR, error) {
	var w domain.WIR
	var (
		code, description, discipline, forDate, forTime, rDate, rTime, rReason sql.NullString
		city, state, inspector, contractor, hod, bic, createdBy, activityRef   sql.NullString
		snapshot, snapshotAt, recommendation, remarks, recommendedAt           sql.NullString
		snapshotVersion                                                        sql.NullInt64
	)
	err := row.Scan(&w.ID, &w.ProjectID, &code, &w.Title, &description, &discipline, &w.Status, &forDate, &forTime, &rDate, &rTime, &rReason,
		&city, &state, &inspector, &contractor, &hod, &bic, &createdBy, &w.SeriesID, &activityRef, &snapshot, &snapshotVersion,
		&w.Materialized, &snapshotAt, &recommendation, &remarks, &recommendedAt, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Code = ptr(code)
	w.Description = description.String
	if discipline.Valid {
		d := domain.Discipline(discipline.String)
		w.Discipline = &d
	}
	w.ForDate, w.ForTime = ptr(forDate), ptr(forTime)
	w.RescheduleForDate, w.RescheduleForTime, w.RescheduleReason = ptr(rDate), ptr(rTime), ptr(rReason)
	w.CityTown, w.StateName = ptr(city), ptr(state)
	w.InspectorID, w.ContractorID, w.HodID, w.BicUserID, w.CreatedByID = ptr(inspector), ptr(contractor), ptr(hod), ptr(bic), ptr(createdBy)
	w.ActivityRefID = ptr(activityRef)
	if snapshot.Valid && snapshot.String != "" {
		var s domain.ActivitySnapshot
		if err := json.Unmarshal([]byte(snapshot.String), &s); err != nil {
			return w, fmt.Errorf("wir %s activity snapshot: %w", w.ID, err)
		}
		w.ActivitySnapshot = &s
	}
	if snapshotVersion.Valid {
		v := int(snapshotVersion.Int64)
		w.ActivitySnapshotVersion = &v
	}
	w.SnapshotAt = ptr(snapshotAt)
	if recommendation.Valid {
		r := domain.Recommendation(recommendation.String)
		w.InspectorRecommendation = &r
	}
	w.InspectorRemarks, w.InspectorRecommendedAt = ptr(remarks), ptr(recommendedAt)
	return w, nil
}

// encoded returns the columns of w that need conversion before binding.
func encoded(w domain.WIR) (snapshot, discipline, recommendation any, err error) {
	if w.ActivitySnapshot != nil {
		b, err := json.Marshal(w.ActivitySnapshot)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal activity snapshot: %w", err)
		}
		snapshot = string(b)
	}
	if w.Discipline != nil {
		discipline = string(*w.Discipline)
	}
	if w.InspectorRecommendation != nil {
		recommendation = string(*w.InspectorRecommendation)
	}
	return snapshot, discipline, recommendation, nil
}

func (Repo) InsertWIR(ctx context.Context, q db.Querier, w domain.WIR) error {
	snapshot, discipline, recommendation, err := encoded(w)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO wirs(`+wirColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.Code), w.Title, nullable(w.Description), discipline, string(w.Status),
		nullableStringPtr(w.ForDate), nullableStringPtr(w.ForTime), nullableStringPtr(w.RescheduleForDate), nullableStringPtr(w.RescheduleForTime), nullableStringPtr(w.RescheduleReason),
		nullableStringPtr(w.CityTown), nullableStringPtr(w.StateName), nullableStringPtr(w.InspectorID), nullableStringPtr(w.ContractorID), nullableStringPtr(w.HodID),
		nullableStringPtr(w.BicUserID), nullableStringPtr(w.CreatedByID), w.SeriesID, nullableStringPtr(w.ActivityRefID), snapshot, nullableIntPtr(w.ActivitySnapshotVersion),
		w.Materialized, nullableStringPtr(w.SnapshotAt), recommendation, nullableStringPtr(w.InspectorRemarks), nullableStringPtr(w.InspectorRecommendedAt),
		w.CreatedAt, w.UpdatedAt)
	return err
}

// UpdateWIR rewrites the mutable header of w. The write only lands while the
// stored status still equals expect; otherwise ErrStale is returned. id,
// project_id, series_id and created_at are never rewritten.
func (Repo) UpdateWIR(ctx context.Context, q db.Querier, w domain.WIR, expect domain.Status) error {
	snapshot, discipline, recommendation, err := encoded(w)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE wirs SET code=?, title=?, description=?, discipline=?, status=?, for_date=?, for_time=?,
reschedule_for_date=?, reschedule_for_time=?, reschedule_reason=?, city_town=?, state_name=?, inspector_id=?, contractor_id=?, hod_id=?,
bic_user_id=?, created_by_id=?, activity_ref_id=?, activity_snapshot_json=?, activity_snapshot_version=?, materialized=?, snapshot_at=?,
inspector_recommendation=?, inspector_remarks=?, inspector_recommended_at=?, updated_at=?
WHERE id=? AND status=?`,
		nullableStringPtr(w.Code), w.Title, nullable(w.Description), discipline, string(w.Status), nullableStringPtr(w.ForDate), nullableStringPtr(w.ForTime),
		nullableStringPtr(w.RescheduleForDate), nullableStringPtr(w.RescheduleForTime), nullableStringPtr(w.RescheduleReason), nullableStringPtr(w.CityTown), nullableStringPtr(w.StateName),
		nullableStringPtr(w.InspectorID), nullableStringPtr(w.ContractorID), nullableStringPtr(w.HodID),
		nullableStringPtr(w.BicUserID), nullableStringPtr(w.CreatedByID), nullableStringPtr(w.ActivityRefID), snapshot, nullableIntPtr(w.ActivitySnapshotVersion), w.Materialized, nullableStringPtr(w.SnapshotAt),
		recommendation, nullableStringPtr(w.InspectorRemarks), nullableStringPtr(w.InspectorRecommendedAt), w.UpdatedAt,
		w.ID, string(expect))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

func (Repo) GetWIR(ctx context.Context, q db.Querier, id string) (domain.WIR, error) {
	return scanWIR(q.QueryRowContext(ctx, `SELECT `+wirColumns+` FROM wirs WHERE id=?`, id))
}

func (Repo) DeleteWIR(ctx context.Context, q db.Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM wirs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows ListWIRs. Cursor fields page backwards from the last row
// of the previous page.
type ListFilter struct {
	ProjectID       string
	SeriesID        string
	Status          domain.Status
	Discipline      domain.Discipline
	InspectorID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (Repo) ListWIRs(ctx context.Context, q db.Querier, f ListFilter) ([]domain.WIR, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.SeriesID != "" {
		clauses = append(clauses, "series_id=?")
		args = append(args, f.SeriesID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Discipline != "" {
		clauses = append(clauses, "discipline=?")
		args = append(args, string(f.Discipline))
	}
	if f.InspectorID != "" {
		clauses = append(clauses, "inspector_id=?")
		args = append(args, f.InspectorID)
	}
	order := "created_at DESC, id DESC"
	if f.SeriesID != "" {
		order = "created_at ASC, id ASC"
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + wirColumns + ` FROM wirs ` + where + ` ORDER BY ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WIR
	for rows.Next() {
		w, err := scanWIR(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// GreatestCodeNumber returns the largest n among codes shaped prefix-NNNN, at
// least four digits and nothing but digits after the dash. Codes with any
// other tail are ignored. Zero means no such code exists yet.
func (Repo) GreatestCodeNumber(ctx context.Context, q db.Querier, prefix string) (int, error) {
	start := utf8.RuneCountInString(prefix) + 2
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(CAST(substr(code, ?) AS INTEGER)), 0) FROM wirs
WHERE code GLOB ? AND substr(code, ?) NOT GLOB '*[^0-9]*'`,
		start, prefix+"-[0-9][0-9][0-9][0-9]*", start).Scan(&n)
	return n, err
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

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
