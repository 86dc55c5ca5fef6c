package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is fixed width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp formats t in UTC with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type Status string

const (
	StatusDraft       Status = "Draft"
	StatusSubmitted   Status = "Submitted"
	StatusRecommended Status = "Recommended"
	StatusApproved    Status = "Approved"
	StatusRejected    Status = "Rejected"
	StatusReturned    Status = "Returned"
)

var Statuses = []Status{StatusDraft, StatusSubmitted, StatusRecommended, StatusApproved, StatusRejected, StatusReturned}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type Discipline string

const (
	DisciplineCivil    Discipline = "Civil"
	DisciplineMEP      Discipline = "MEP"
	DisciplineFinishes Discipline = "Finishes"
)

func (d Discipline) Valid() bool {
	switch d {
	case DisciplineCivil, DisciplineMEP, DisciplineFinishes:
		return true
	}
	return false
}

// Action tags a WirHistory row.
type Action string

const (
	ActionCreated      Action = "Created"
	ActionUpdated      Action = "Updated"
	ActionSubmitted    Action = "Submitted"
	ActionRecommended  Action = "Recommended"
	ActionApproved     Action = "Approved"
	ActionRejected     Action = "Rejected"
	ActionReturned     Action = "Returned"
	ActionDeleted      Action = "Deleted"
	ActionBicChanged   Action = "BicChanged"
	ActionItemsChanged Action = "ItemsChanged"
	ActionRescheduled  Action = "Rescheduled"
	ActionNoteAdded    Action = "NoteAdded"
)

// VersionActions are the actions counted as a substantive revision of a WIR.
var VersionActions = []Action{
	ActionUpdated,
	ActionItemsChanged,
	ActionRescheduled,
	ActionSubmitted,
	ActionRecommended,
	ActionApproved,
	ActionRejected,
	ActionReturned,
}

func (a Action) BumpsVersion() bool {
	for _, v := range VersionActions {
		if v == a {
			return true
		}
	}
	return false
}

type ItemStatus string

const (
	ItemUnknown ItemStatus = "Unknown"
	ItemOK      ItemStatus = "OK"
	ItemNCR     ItemStatus = "NCR"
	ItemPending ItemStatus = "Pending"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemUnknown, ItemOK, ItemNCR, ItemPending:
		return true
	}
	return false
}

// Outcome is the inspector's verdict on a single item.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
	OutcomeNA   Outcome = "NA"
)

func (o Outcome) Valid() bool {
	return o == OutcomePass || o == OutcomeFail || o == OutcomeNA
}

type Recommendation string

const (
	RecommendApprove             Recommendation = "APPROVE"
	RecommendApproveWithComments Recommendation = "APPROVE_WITH_COMMENTS"
	RecommendReject              Recommendation = "REJECT"
)

func (r Recommendation) Valid() bool {
	switch r {
	case RecommendApprove, RecommendApproveWithComments, RecommendReject:
		return true
	}
	return false
}

// Actor is the caller identity attached to history rows. Both fields are optional;
// an empty actor is recorded as the system.
type Actor struct {
	UserID      *string `json:"user_id,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
}

const SystemActor = "system"

func (a Actor) Label() string {
	if a.DisplayName != nil && *a.DisplayName != "" {
		return *a.DisplayName
	}
	if a.UserID != nil && *a.UserID != "" {
		return *a.UserID
	}
	return SystemActor
}

func (a Actor) ID() string {
	if a.UserID == nil {
		return ""
	}
	return *a.UserID
}

// ActivitySnapshot is the frozen copy of a reference activity taken on first dispatch.
type ActivitySnapshot struct {
	ID         string         `json:"id"`
	Code       string         `json:"code"`
	Title      string         `json:"title"`
	Discipline string         `json:"discipline,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Version    int            `json:"version"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// ChecklistSnapshot is the frozen identity of a reference checklist at attach time.
type ChecklistSnapshot struct {
	Code         string `json:"checklist_code"`
	Title        string `json:"checklist_title"`
	Discipline   string `json:"discipline,omitempty"`
	VersionLabel string `json:"version_label,omitempty"`
}

type WIR struct {
	ID                      string            `json:"id"`
	ProjectID               string            `json:"project_id"`
	Code                    *string           `json:"code,omitempty"`
	Title                   string            `json:"title"`
	Description             string            `json:"description,omitempty"`
	Discipline              *Discipline       `json:"discipline,omitempty" enum:"Civil,MEP,Finishes"`
	Status                  Status            `json:"status" enum:"Draft,Submitted,Recommended,Approved,Rejected,Returned"`
	ForDate                 *string           `json:"for_date,omitempty"`
	ForTime                 *string           `json:"for_time,omitempty"`
	RescheduleForDate       *string           `json:"reschedule_for_date,omitempty"`
	RescheduleForTime       *string           `json:"reschedule_for_time,omitempty"`
	RescheduleReason        *string           `json:"reschedule_reason,omitempty"`
	CityTown                *string           `json:"city_town,omitempty"`
	StateName               *string           `json:"state_name,omitempty"`
	InspectorID             *string           `json:"inspector_id,omitempty"`
	ContractorID            *string           `json:"contractor_id,omitempty"`
	HodID                   *string           `json:"hod_id,omitempty"`
	BicUserID               *string           `json:"bic_user_id,omitempty"`
	CreatedByID             *string           `json:"created_by_id,omitempty"`
	SeriesID                string            `json:"series_id"`
	ActivityRefID           *string           `json:"activity_ref_id,omitempty"`
	ActivitySnapshot        *ActivitySnapshot `json:"activity_snapshot,omitempty"`
	ActivitySnapshotVersion *int              `json:"activity_snapshot_version,omitempty"`
	Materialized            bool              `json:"materialized"`
	SnapshotAt              *string           `json:"snapshot_at,omitempty" format:"date-time"`
	InspectorRecommendation *Recommendation   `json:"inspector_recommendation,omitempty"`
	InspectorRemarks        *string           `json:"inspector_remarks,omitempty"`
	InspectorRecommendedAt  *string           `json:"inspector_recommended_at,omitempty" format:"date-time"`
	CreatedAt               string            `json:"created_at" format:"date-time"`
	UpdatedAt               string            `json:"updated_at" format:"date-time"`

	// Version is derived from the history ledger on every read.
	Version    int            `json:"version"`
	Checklists []WirChecklist `json:"checklists,omitempty"`
	Items      []WirItem      `json:"items,omitempty"`
}

type WirChecklist struct {
	ID          string `json:"id"`
	WirID       string `json:"wir_id"`
	ChecklistID string `json:"checklist_id"`
	ChecklistSnapshot
	Position  int      `json:"position"`
	ItemCount int      `json:"item_count"`
	ItemIDs   []string `json:"item_ids,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type WirItem struct {
	ID                    string              `json:"id"`
	WirID                 string              `json:"wir_id"`
	SourceChecklistID     *string             `json:"source_checklist_id,omitempty"`
	SourceChecklistItemID *string             `json:"source_checklist_item_id,omitempty"`
	Seq                   int                 `json:"seq"`
	Name                  string              `json:"name"`
	Spec                  string              `json:"spec,omitempty"`
	Tolerance             string              `json:"tolerance,omitempty"`
	Unit                  string              `json:"unit,omitempty"`
	Code                  string              `json:"code,omitempty"`
	Tags                  []string            `json:"tags,omitempty"`
	Critical              bool                `json:"critical"`
	AIEnabled             bool                `json:"ai_enabled"`
	AIConfidence          *float64            `json:"ai_confidence,omitempty"`
	Base                  decimal.NullDecimal `json:"base"`
	Plus                  decimal.NullDecimal `json:"plus"`
	Minus                 decimal.NullDecimal `json:"minus"`
	Status                ItemStatus          `json:"status" enum:"Unknown,OK,NCR,Pending"`
	InspectorStatus       *Outcome            `json:"inspector_status,omitempty" enum:"PASS,FAIL,NA"`
	Note                  *string             `json:"note,omitempty"`
	Value                 decimal.NullDecimal `json:"value"`
	CreatedAt             string              `json:"created_at" format:"date-time"`
	UpdatedAt             string              `json:"updated_at" format:"date-time"`
}

// WithinTolerance reports whether v sits inside [base-minus, base+plus]. Items
// without a base value have no tolerance band and always pass.
func (it WirItem) WithinTolerance(v decimal.Decimal) bool {
	if !it.Base.Valid {
		return true
	}
	lo, hi := it.Base.Decimal, it.Base.Decimal
	if it.Minus.Valid {
		lo = lo.Sub(it.Minus.Decimal.Abs())
	}
	if it.Plus.Valid {
		hi = hi.Add(it.Plus.Decimal.Abs())
	}
	return v.GreaterThanOrEqual(lo) && v.LessThanOrEqual(hi)
}

type WirHistory struct {
	ID          int64          `json:"id"`
	WirID       string         `json:"wir_id"`
	ProjectID   string         `json:"project_id"`
	Action      Action         `json:"action"`
	ActorUserID *string        `json:"actor_user_id,omitempty"`
	ActorName   *string        `json:"actor_name,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	FromStatus  *Status        `json:"from_status,omitempty"`
	ToStatus    *Status        `json:"to_status,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}
