package server

import (
	"github.com/shopspring/decimal"

	"wirline/internal/domain"
	"wirline/internal/engine"
)

// Request payloads

type CreateWIRRequest struct {
	Title         string   `json:"title" maxLength:"300"`
	Description   *string  `json:"description,omitempty"`
	Discipline    *string  `json:"discipline,omitempty" enum:"Civil,MEP,Finishes"`
	Code          *string  `json:"code,omitempty"`
	Status        *string  `json:"status,omitempty" enum:"Draft,Submitted,Recommended,Approved,Rejected,Returned"`
	Force         bool     `json:"force,omitempty"`
	ForDate       *string  `json:"for_date,omitempty"`
	ForTime       *string  `json:"for_time,omitempty"`
	CityTown      *string  `json:"city_town,omitempty"`
	StateName     *string  `json:"state_name,omitempty"`
	InspectorID   *string  `json:"inspector_id,omitempty"`
	ContractorID  *string  `json:"contractor_id,omitempty"`
	HodID         *string  `json:"hod_id,omitempty"`
	ActivityRefID *string  `json:"activity_ref_id,omitempty"`
	Checklists    []string `json:"checklists,omitempty"`
	Materialize   *bool    `json:"materialize,omitempty"`
}

// UpdateWIRRequest is a sparse patch. For inspector_id, contractor_id and
// hod_id an explicit null disconnects the user; an absent key keeps it.
type UpdateWIRRequest struct {
	Status            *string `json:"status,omitempty" enum:"Draft,Submitted,Recommended,Approved,Rejected,Returned"`
	Force             bool    `json:"force,omitempty"`
	Discipline        *string `json:"discipline,omitempty" enum:"Civil,MEP,Finishes"`
	Title             *string `json:"title,omitempty" maxLength:"300"`
	Description       *string `json:"description,omitempty"`
	ForDate           *string `json:"for_date,omitempty"`
	ForTime           *string `json:"for_time,omitempty"`
	RescheduleForDate *string `json:"reschedule_for_date,omitempty"`
	RescheduleForTime *string `json:"reschedule_for_time,omitempty"`
	RescheduleReason  *string `json:"reschedule_reason,omitempty"`
	CityTown          *string `json:"city_town,omitempty"`
	StateName         *string `json:"state_name,omitempty"`
	InspectorID       *string `json:"inspector_id,omitempty" nullable:"true"`
	ContractorID      *string `json:"contractor_id,omitempty" nullable:"true"`
	HodID             *string `json:"hod_id,omitempty" nullable:"true"`
}

type AttachRequest struct {
	Refs        []string `json:"refs" minItems:"1"`
	Materialize bool     `json:"materialize,omitempty"`
	Replace     bool     `json:"replace,omitempty"`
}

type DispatchRequest struct {
	InspectorID         *string `json:"inspector_id,omitempty"`
	MaterializeIfNeeded *bool   `json:"materialize_if_needed,omitempty"`
}

type TransitionRequest struct {
	Status  string `json:"status" enum:"Submitted,Recommended,Approved,Rejected,Returned"`
	Comment string `json:"comment,omitempty"`
}

type RecommendationRequest struct {
	Action  string `json:"action" enum:"APPROVE,APPROVE_WITH_COMMENTS,REJECT"`
	Comment string `json:"comment,omitempty"`
}

type ItemOutcomeRequest struct {
	ItemID          string  `json:"item_id"`
	Status          *string `json:"status,omitempty" enum:"Unknown,OK,NCR,Pending"`
	InspectorStatus *string `json:"inspector_status,omitempty" enum:"PASS,FAIL,NA"`
	Note            *string `json:"note,omitempty"`
	// Value is a decimal string, e.g. "152.5".
	Value *string `json:"value,omitempty"`
	Unit  *string `json:"unit,omitempty"`
}

type InspectorItemsRequest struct {
	Items []ItemOutcomeRequest `json:"items" minItems:"1"`
}

type RollForwardRequest struct {
	ItemIDs     []string `json:"item_ids,omitempty"`
	ForDate     *string  `json:"for_date,omitempty"`
	ForTime     *string  `json:"for_time,omitempty"`
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
}

type RescheduleRequest struct {
	Date   string `json:"date" format:"date"`
	Time   string `json:"time,omitempty"`
	Reason string `json:"reason"`
}

type NoteRequest struct {
	Note string `json:"note" minLength:"1"`
}

type BICRequest struct {
	UserID *string `json:"user_id" nullable:"true"`
}

// Response payloads

type WIRResponse struct {
	ID                      string                   `json:"id"`
	ProjectID               string                   `json:"project_id"`
	Code                    *string                  `json:"code,omitempty"`
	Title                   string                   `json:"title"`
	Description             string                   `json:"description,omitempty"`
	Discipline              *string                  `json:"discipline,omitempty" enum:"Civil,MEP,Finishes"`
	Status                  string                   `json:"status" enum:"Draft,Submitted,Recommended,Approved,Rejected,Returned"`
	Version                 int                      `json:"version"`
	ForDate                 *string                  `json:"for_date,omitempty"`
	ForTime                 *string                  `json:"for_time,omitempty"`
	RescheduleForDate       *string                  `json:"reschedule_for_date,omitempty"`
	RescheduleForTime       *string                  `json:"reschedule_for_time,omitempty"`
	RescheduleReason        *string                  `json:"reschedule_reason,omitempty"`
	CityTown                *string                  `json:"city_town,omitempty"`
	StateName               *string                  `json:"state_name,omitempty"`
	InspectorID             *string                  `json:"inspector_id,omitempty"`
	ContractorID            *string                  `json:"contractor_id,omitempty"`
	HodID                   *string                  `json:"hod_id,omitempty"`
	BicUserID               *string                  `json:"bic_user_id,omitempty"`
	CreatedByID             *string                  `json:"created_by_id,omitempty"`
	SeriesID                string                   `json:"series_id"`
	ActivityRefID           *string                  `json:"activity_ref_id,omitempty"`
	ActivitySnapshot        *domain.ActivitySnapshot `json:"activity_snapshot,omitempty"`
	ActivitySnapshotVersion *int                     `json:"activity_snapshot_version,omitempty"`
	Materialized            bool                     `json:"materialized"`
	SnapshotAt              *string                  `json:"snapshot_at,omitempty" format:"date-time"`
	InspectorRecommendation *string                  `json:"inspector_recommendation,omitempty" enum:"APPROVE,APPROVE_WITH_COMMENTS,REJECT"`
	InspectorRemarks        *string                  `json:"inspector_remarks,omitempty"`
	InspectorRecommendedAt  *string                  `json:"inspector_recommended_at,omitempty" format:"date-time"`
	CreatedAt               string                   `json:"created_at" format:"date-time"`
	UpdatedAt               string                   `json:"updated_at" format:"date-time"`
	Checklists              []ChecklistResponse      `json:"checklists,omitempty"`
	Items                   []ItemResponse           `json:"items,omitempty"`
}

type ChecklistResponse struct {
	ID           string   `json:"id"`
	ChecklistID  string   `json:"checklist_id"`
	Code         string   `json:"checklist_code"`
	Title        string   `json:"checklist_title"`
	Discipline   string   `json:"discipline,omitempty"`
	VersionLabel string   `json:"version_label,omitempty"`
	Position     int      `json:"position"`
	ItemCount    int      `json:"item_count"`
	ItemIDs      []string `json:"item_ids,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type ItemResponse struct {
	ID                    string   `json:"id"`
	SourceChecklistID     *string  `json:"source_checklist_id,omitempty"`
	SourceChecklistItemID *string  `json:"source_checklist_item_id,omitempty"`
	Seq                   int      `json:"seq"`
	Name                  string   `json:"name"`
	Spec                  string   `json:"spec,omitempty"`
	Tolerance             string   `json:"tolerance,omitempty"`
	Unit                  string   `json:"unit,omitempty"`
	Code                  string   `json:"code,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	Critical              bool     `json:"critical"`
	AIEnabled             bool     `json:"ai_enabled"`
	AIConfidence          *float64 `json:"ai_confidence,omitempty"`
	Base                  *string  `json:"base,omitempty"`
	Plus                  *string  `json:"plus,omitempty"`
	Minus                 *string  `json:"minus,omitempty"`
	Status                string   `json:"status" enum:"Unknown,OK,NCR,Pending"`
	InspectorStatus       *string  `json:"inspector_status,omitempty" enum:"PASS,FAIL,NA"`
	Note                  *string  `json:"note,omitempty"`
	Value                 *string  `json:"value,omitempty"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type HistoryResponse struct {
	ID          int64          `json:"id"`
	WirID       string         `json:"wir_id"`
	Action      string         `json:"action"`
	ActorUserID *string        `json:"actor_user_id,omitempty"`
	ActorName   *string        `json:"actor_name,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
	Meta        map[string]any `json:"meta,omitempty" jsonschema:"type=object,additionalProperties=true"`
	FromStatus  *string        `json:"from_status,omitempty"`
	ToStatus    *string        `json:"to_status,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type AttachResponse struct {
	Added             []string    `json:"added"`
	Removed           []string    `json:"removed,omitempty"`
	Unmatched         []string    `json:"unmatched,omitempty"`
	MaterializedCount int         `json:"materialized_count"`
	WIR               WIRResponse `json:"wir"`
}

type paginatedWIRs struct {
	Items      []WIRResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func wirResponse(w domain.WIR) WIRResponse {
	res := WIRResponse{
		ID:                      w.ID,
		ProjectID:               w.ProjectID,
		Code:                    w.Code,
		Title:                   w.Title,
		Description:             w.Description,
		Status:                  string(w.Status),
		Version:                 w.Version,
		ForDate:                 w.ForDate,
		ForTime:                 w.ForTime,
		RescheduleForDate:       w.RescheduleForDate,
		RescheduleForTime:       w.RescheduleForTime,
		RescheduleReason:        w.RescheduleReason,
		CityTown:                w.CityTown,
		StateName:               w.StateName,
		InspectorID:             w.InspectorID,
		ContractorID:            w.ContractorID,
		HodID:                   w.HodID,
		BicUserID:               w.BicUserID,
		CreatedByID:             w.CreatedByID,
		SeriesID:                w.SeriesID,
		ActivityRefID:           w.ActivityRefID,
		ActivitySnapshot:        w.ActivitySnapshot,
		ActivitySnapshotVersion: w.ActivitySnapshotVersion,
		Materialized:            w.Materialized,
		SnapshotAt:              w.SnapshotAt,
		InspectorRemarks:        w.InspectorRemarks,
		InspectorRecommendedAt:  w.InspectorRecommendedAt,
		CreatedAt:               w.CreatedAt,
		UpdatedAt:               w.UpdatedAt,
	}
	if w.Discipline != nil {
		d := string(*w.Discipline)
		res.Discipline = &d
	}
	if w.InspectorRecommendation != nil {
		r := string(*w.InspectorRecommendation)
		res.InspectorRecommendation = &r
	}
	for _, c := range w.Checklists {
		res.Checklists = append(res.Checklists, ChecklistResponse{
			ID:           c.ID,
			ChecklistID:  c.ChecklistID,
			Code:         c.Code,
			Title:        c.Title,
			Discipline:   c.Discipline,
			VersionLabel: c.VersionLabel,
			Position:     c.Position,
			ItemCount:    c.ItemCount,
			ItemIDs:      c.ItemIDs,
			CreatedAt:    c.CreatedAt,
		})
	}
	res.Items = mapItems(w.Items)
	return res
}

func mapWIRs(items []domain.WIR) []WIRResponse {
	res := make([]WIRResponse, 0, len(items))
	for _, w := range items {
		res = append(res, wirResponse(w))
	}
	return res
}

func mapItems(items []domain.WirItem) []ItemResponse {
	var res []ItemResponse
	for _, it := range items {
		ir := ItemResponse{
			ID:                    it.ID,
			SourceChecklistID:     it.SourceChecklistID,
			SourceChecklistItemID: it.SourceChecklistItemID,
			Seq:                   it.Seq,
			Name:                  it.Name,
			Spec:                  it.Spec,
			Tolerance:             it.Tolerance,
			Unit:                  it.Unit,
			Code:                  it.Code,
			Tags:                  it.Tags,
			Critical:              it.Critical,
			AIEnabled:             it.AIEnabled,
			AIConfidence:          it.AIConfidence,
			Base:                  decimalString(it.Base),
			Plus:                  decimalString(it.Plus),
			Minus:                 decimalString(it.Minus),
			Status:                string(it.Status),
			Note:                  it.Note,
			Value:                 decimalString(it.Value),
			UpdatedAt:             it.UpdatedAt,
		}
		if it.InspectorStatus != nil {
			s := string(*it.InspectorStatus)
			ir.InspectorStatus = &s
		}
		res = append(res, ir)
	}
	return res
}

func historyResponse(h domain.WirHistory) HistoryResponse {
	res := HistoryResponse{
		ID:          h.ID,
		WirID:       h.WirID,
		Action:      string(h.Action),
		ActorUserID: h.ActorUserID,
		ActorName:   h.ActorName,
		Notes:       h.Notes,
		Meta:        h.Meta,
		CreatedAt:   h.CreatedAt,
	}
	if h.FromStatus != nil {
		s := string(*h.FromStatus)
		res.FromStatus = &s
	}
	if h.ToStatus != nil {
		s := string(*h.ToStatus)
		res.ToStatus = &s
	}
	return res
}

func attachResponse(r engine.AttachResult) AttachResponse {
	added := r.Added
	if added == nil {
		added = []string{}
	}
	return AttachResponse{
		Added:             added,
		Removed:           r.Removed,
		Unmatched:         r.Unmatched,
		MaterializedCount: r.MaterializedCount,
		WIR:               wirResponse(r.WIR),
	}
}

func decimalString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
