package wirlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Wirline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID, ActorName and Role are sent as X-Actor-Id, X-Actor-Name and
	// X-Role when the server trusts header identities.
	ActorID    string
	ActorName  string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WIR represents the API work inspection request model.
type WIR struct {
	ID                      string      `json:"id"`
	ProjectID               string      `json:"project_id"`
	Code                    *string     `json:"code,omitempty"`
	Title                   string      `json:"title"`
	Description             string      `json:"description,omitempty"`
	Discipline              *string     `json:"discipline,omitempty"`
	Status                  string      `json:"status"`
	Version                 int         `json:"version"`
	ForDate                 *string     `json:"for_date,omitempty"`
	ForTime                 *string     `json:"for_time,omitempty"`
	RescheduleForDate       *string     `json:"reschedule_for_date,omitempty"`
	RescheduleReason        *string     `json:"reschedule_reason,omitempty"`
	InspectorID             *string     `json:"inspector_id,omitempty"`
	ContractorID            *string     `json:"contractor_id,omitempty"`
	HodID                   *string     `json:"hod_id,omitempty"`
	BicUserID               *string     `json:"bic_user_id,omitempty"`
	SeriesID                string      `json:"series_id"`
	Materialized            bool        `json:"materialized"`
	InspectorRecommendation *string     `json:"inspector_recommendation,omitempty"`
	CreatedAt               string      `json:"created_at"`
	UpdatedAt               string      `json:"updated_at"`
	Checklists              []Checklist `json:"checklists,omitempty"`
	Items                   []Item      `json:"items,omitempty"`
}

// Checklist is an attached reference checklist.
type Checklist struct {
	ID          string   `json:"id"`
	ChecklistID string   `json:"checklist_id"`
	Code        string   `json:"checklist_code"`
	Title       string   `json:"checklist_title"`
	ItemCount   int      `json:"item_count"`
	ItemIDs     []string `json:"item_ids,omitempty"`
}

// Item is one inspectable line of a WIR. Decimals travel as strings.
type Item struct {
	ID              string  `json:"id"`
	Seq             int     `json:"seq"`
	Name            string  `json:"name"`
	Unit            string  `json:"unit,omitempty"`
	Base            *string `json:"base,omitempty"`
	Plus            *string `json:"plus,omitempty"`
	Minus           *string `json:"minus,omitempty"`
	Status          string  `json:"status"`
	InspectorStatus *string `json:"inspector_status,omitempty"`
	Note            *string `json:"note,omitempty"`
	Value           *string `json:"value,omitempty"`
}

// History is one audit row.
type History struct {
	ID         int64          `json:"id"`
	WirID      string         `json:"wir_id"`
	Action     string         `json:"action"`
	ActorName  *string        `json:"actor_name,omitempty"`
	Notes      *string        `json:"notes,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	FromStatus *string        `json:"from_status,omitempty"`
	ToStatus   *string        `json:"to_status,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// AttachResult reports what an attach call changed.
type AttachResult struct {
	Added             []string `json:"added"`
	Removed           []string `json:"removed,omitempty"`
	Unmatched         []string `json:"unmatched,omitempty"`
	MaterializedCount int      `json:"materialized_count"`
	WIR               WIR      `json:"wir"`
}

// ItemOutcome is the inspector's entry for one item.
type ItemOutcome struct {
	ItemID          string  `json:"item_id"`
	Status          *string `json:"status,omitempty"`
	InspectorStatus *string `json:"inspector_status,omitempty"`
	Note            *string `json:"note,omitempty"`
	Value           *string `json:"value,omitempty"`
	Unit            *string `json:"unit,omitempty"`
}

// PaginatedWIRs wraps list responses with cursors.
type PaginatedWIRs struct {
	Items      []WIR  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWIR creates a Draft WIR. body follows the create-wir request schema.
func (c *Client) CreateWIR(ctx context.Context, projectID string, body map[string]any) (WIR, error) {
	var resp WIR
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/projects/%s/wirs", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

// ListWIRs returns one page of a project's WIRs.
func (c *Client) ListWIRs(ctx context.Context, projectID string, filters url.Values) (PaginatedWIRs, error) {
	endpoint := fmt.Sprintf("v1/projects/%s/wirs", url.PathEscape(projectID))
	if len(filters) > 0 {
		endpoint += "?" + filters.Encode()
	}
	var resp PaginatedWIRs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetWIR fetches a WIR with checklists and items.
func (c *Client) GetWIR(ctx context.Context, id string) (WIR, error) {
	var resp WIR
	err := c.do(ctx, http.MethodGet, c.wirPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateWIR patches the header. A nil value in patch sends JSON null.
func (c *Client) UpdateWIR(ctx context.Context, id string, patch map[string]any) (WIR, error) {
	var resp WIR
	err := c.do(ctx, http.MethodPatch, c.wirPath(id, ""), patch, &resp)
	return resp, err
}

// DeleteWIR removes a WIR.
func (c *Client) DeleteWIR(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.wirPath(id, ""), nil, nil)
}

// Attach links checklists by id or code.
func (c *Client) Attach(ctx context.Context, id string, refs []string, materialize, replace bool) (AttachResult, error) {
	body := map[string]any{
		"refs":        refs,
		"materialize": materialize,
		"replace":     replace,
	}
	var resp AttachResult
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "checklists"), body, &resp)
	return resp, err
}

// Dispatch submits a Draft WIR. An empty inspectorID keeps the one on file.
func (c *Client) Dispatch(ctx context.Context, id, inspectorID string) (WIR, error) {
	body := map[string]any{}
	if inspectorID != "" {
		body["inspector_id"] = inspectorID
	}
	var resp WIR
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "dispatch"), body, &resp)
	return resp, err
}

// Transition moves a WIR to status.
func (c *Client) Transition(ctx context.Context, id, status, comment string) (WIR, error) {
	body := map[string]any{"status": status}
	if comment != "" {
		body["comment"] = comment
	}
	var resp WIR
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "transitions"), body, &resp)
	return resp, err
}

// Recommend records the inspector's recommendation.
func (c *Client) Recommend(ctx context.Context, id, action, comment string) (WIR, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	var resp WIR
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "inspector/recommendation"), body, &resp)
	return resp, err
}

// SaveItems stores inspector outcomes.
func (c *Client) SaveItems(ctx context.Context, id string, outcomes []ItemOutcome) ([]Item, error) {
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodPut, c.wirPath(id, "inspector/items"), map[string]any{"items": outcomes}, &resp)
	return resp.Items, err
}

// RollForward opens the next WIR of the series.
func (c *Client) RollForward(ctx context.Context, id string, itemIDs []string) (WIR, error) {
	body := map[string]any{}
	if len(itemIDs) > 0 {
		body["item_ids"] = itemIDs
	}
	var resp WIR
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "roll-forward"), body, &resp)
	return resp, err
}

// Reschedule moves the planned slot.
func (c *Client) Reschedule(ctx context.Context, id, date, at, reason string) (WIR, error) {
	body := map[string]any{"date": date, "reason": reason}
	if at != "" {
		body["time"] = at
	}
	var resp WIR
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "reschedule"), body, &resp)
	return resp, err
}

// AddNote appends a note.
func (c *Client) AddNote(ctx context.Context, id, note string) (WIR, error) {
	var resp WIR
	err := c.do(ctx, http.MethodPost, c.wirPath(id, "notes"), map[string]any{"note": note}, &resp)
	return resp, err
}

// ChangeBIC hands the ball in court to userID; nil clears it.
func (c *Client) ChangeBIC(ctx context.Context, id string, userID *string) (WIR, error) {
	var resp WIR
	err := c.do(ctx, http.MethodPut, c.wirPath(id, "bic"), map[string]any{"user_id": userID}, &resp)
	return resp, err
}

// History lists audit rows oldest first.
func (c *Client) History(ctx context.Context, id string) ([]History, error) {
	var resp struct {
		Items []History `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.wirPath(id, "history"), nil, &resp)
	return resp.Items, err
}

// Series lists every version of one inspection.
func (c *Client) Series(ctx context.Context, seriesID string) ([]WIR, error) {
	var resp struct {
		Items []WIR `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/series/"+url.PathEscape(seriesID), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.ActorName != "" {
			req.Header.Set("X-Actor-Name", c.ActorName)
		}
	}
	if c.Role != "" {
		req.Header.Set("X-Role", c.Role)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) wirPath(id, sub string) string {
	p := "v1/wirs/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
