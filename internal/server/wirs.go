package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"wirline/internal/domain"
	"wirline/internal/engine"
)

type wirPath struct {
	ID string `path:"id"`
}

type wirOutput struct {
	Body WIRResponse `json:"body"`
}

type wirListOutput struct {
	Body struct {
		Items []WIRResponse `json:"items"`
	} `json:"body"`
}

func (h handlers) wirOut(w domain.WIR) *wirOutput {
	return &wirOutput{Body: wirResponse(w)}
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func (h handlers) registerWIRs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-wir",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/wirs",
		Summary:       "Create a WIR in Draft",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      CreateWIRRequest `json:"body"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		b := input.Body
		opts := engine.CreateOptions{
			ProjectID:     input.ProjectID,
			Title:         b.Title,
			Code:          b.Code,
			Force:         b.Force,
			ForDate:       b.ForDate,
			ForTime:       b.ForTime,
			CityTown:      b.CityTown,
			StateName:     b.StateName,
			InspectorID:   b.InspectorID,
			ContractorID:  b.ContractorID,
			HodID:         b.HodID,
			ActivityRefID: b.ActivityRefID,
			Checklists:    b.Checklists,
			Materialize:   b.Materialize,
			Caller:        c,
		}
		if b.Description != nil {
			opts.Description = *b.Description
		}
		if b.Discipline != nil {
			opts.Discipline = domain.Discipline(*b.Discipline)
		}
		if b.Status != nil {
			opts.Status = domain.Status(*b.Status)
		}
		w, err := h.e.Create(ctx, opts)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-wirs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/wirs",
		Summary:     "List WIRs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Status      string `query:"status" enum:"Draft,Submitted,Recommended,Approved,Rejected,Returned"`
		Discipline  string `query:"discipline" enum:"Civil,MEP,Finishes"`
		InspectorID string `query:"inspector_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedWIRs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		wirs, err := h.e.List(ctx, engine.ListOptions{
			ProjectID:       input.ProjectID,
			Status:          domain.Status(input.Status),
			Discipline:      domain.Discipline(input.Discipline),
			InspectorID:     input.InspectorID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedWIRs{}
		if len(wirs) > limit {
			resp.NextCursor = composeCursor(wirs[limit-1].CreatedAt, wirs[limit-1].ID)
			wirs = wirs[:limit]
		}
		resp.Items = mapWIRs(wirs)
		return &struct {
			Body paginatedWIRs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-wir",
		Method:      http.MethodGet,
		Path:        "/wirs/{id}",
		Summary:     "Get a WIR with checklists, items and version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wirPath) (*wirOutput, error) {
		w, err := h.e.Get(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-wir",
		Method:      http.MethodPatch,
		Path:        "/wirs/{id}",
		Summary:     "Patch the WIR header",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateWIRRequest `json:"body"`
	}) (*wirOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		raw := rawBodyMap(ctx)
		b := input.Body
		patch := engine.HeaderPatch{
			Force:             b.Force,
			Title:             b.Title,
			Description:       b.Description,
			ForDate:           b.ForDate,
			ForTime:           b.ForTime,
			RescheduleForDate: b.RescheduleForDate,
			RescheduleForTime: b.RescheduleForTime,
			RescheduleReason:  b.RescheduleReason,
			CityTown:          b.CityTown,
			StateName:         b.StateName,
			Inspector:         relation(raw, "inspector_id", b.InspectorID),
			Contractor:        relation(raw, "contractor_id", b.ContractorID),
			Hod:               relation(raw, "hod_id", b.HodID),
		}
		if b.Status != nil {
			s := domain.Status(*b.Status)
			patch.Status = &s
		}
		if b.Discipline != nil {
			d := domain.Discipline(*b.Discipline)
			patch.Discipline = &d
		}
		w, err := h.e.UpdateHeader(ctx, input.ID, patch, c)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-wir",
		Method:        http.MethodDelete,
		Path:          "/wirs/{id}",
		Summary:       "Delete a WIR; its history is kept",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *wirPath) (*struct{}, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := h.e.Delete(ctx, input.ID, c); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerChecklists(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "attach-checklists",
		Method:      http.MethodPost,
		Path:        "/wirs/{id}/checklists",
		Summary:     "Attach reference checklists by id or code",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AttachRequest `json:"body"`
	}) (*struct {
		Body AttachResponse `json:"body"`
	}, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		res, err := h.e.Attach(ctx, input.ID, engine.AttachOptions{
			Refs:        input.Body.Refs,
			Materialize: input.Body.Materialize,
			Replace:     input.Body.Replace,
			Caller:      c,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body AttachResponse `json:"body"`
		}{Body: attachResponse(res)}, nil
	})
}

func (h handlers) registerLifecycle(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-wir",
		Method:      http.MethodPost,
		Path:        "/wirs/{id}/dispatch",
		Summary:     "Dispatch a Draft WIR to its inspector",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DispatchRequest `json:"body" required:"false"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		opts := engine.DispatchOptions{
			MaterializeIfNeeded: input.Body.MaterializeIfNeeded,
			Caller:              c,
		}
		if input.Body.InspectorID != nil {
			opts.InspectorID = *input.Body.InspectorID
		} else {
			cur, err := h.e.Get(ctx, input.ID)
			if err != nil {
				return nil, h.fail(err)
			}
			if cur.InspectorID != nil {
				opts.InspectorID = *cur.InspectorID
			}
		}
		w, err := h.e.Dispatch(ctx, input.ID, opts)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-wir",
		Method:      http.MethodPost,
		Path:        "/wirs/{id}/transitions",
		Summary:     "Move a WIR along the lifecycle",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := h.e.Transition(ctx, input.ID, domain.Status(input.Body.Status), engine.TransitionOptions{
			Comment: input.Body.Comment,
			Caller:  c,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-wir",
		Method:      http.MethodPost,
		Path:        "/wirs/{id}/reschedule",
		Summary:     "Move the planned inspection slot",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RescheduleRequest `json:"body"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := h.e.Reschedule(ctx, input.ID, engine.RescheduleOptions{
			Date:   input.Body.Date,
			Time:   input.Body.Time,
			Reason: input.Body.Reason,
			Caller: c,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-note",
		Method:      http.MethodPost,
		Path:        "/wirs/{id}/notes",
		Summary:     "Append a note to the history",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body NoteRequest `json:"body"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := h.e.AddNote(ctx, input.ID, input.Body.Note, c)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-bic",
		Method:      http.MethodPut,
		Path:        "/wirs/{id}/bic",
		Summary:     "Hand the ball in court to a user, or to nobody",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body BICRequest `json:"body"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := h.e.ChangeBIC(ctx, input.ID, input.Body.UserID, c)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})
}

func (h handlers) registerInspector(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "inspector-recommend",
		Method:      http.MethodPost,
		Path:        "/wirs/{id}/inspector/recommendation",
		Summary:     "Record the inspector's recommendation",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body RecommendationRequest `json:"body"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := h.e.InspectorRecommend(ctx, input.ID, engine.RecommendOptions{
			Action:  domain.Recommendation(input.Body.Action),
			Comment: input.Body.Comment,
			Caller:  c,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inspector-save",
		Method:      http.MethodPut,
		Path:        "/wirs/{id}/inspector/items",
		Summary:     "Save inspector outcomes on items",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body InspectorItemsRequest `json:"body"`
	}) (*struct {
		Body struct {
			Items []ItemResponse `json:"items"`
		} `json:"body"`
	}, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		outcomes := make([]engine.ItemOutcome, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			o := engine.ItemOutcome{ItemID: it.ItemID, Note: it.Note, Unit: it.Unit}
			if it.Status != nil {
				s := domain.ItemStatus(*it.Status)
				o.Status = &s
			}
			if it.InspectorStatus != nil {
				s := domain.Outcome(*it.InspectorStatus)
				o.InspectorStatus = &s
			}
			if it.Value != nil {
				v, err := decimal.NewFromString(*it.Value)
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "value must be a decimal", map[string]any{"item_id": it.ItemID, "value": *it.Value})
				}
				o.Value = &v
			}
			outcomes = append(outcomes, o)
		}
		items, err := h.e.InspectorSave(ctx, input.ID, outcomes, c)
		if err != nil {
			return nil, h.fail(err)
		}
		out := &struct {
			Body struct {
				Items []ItemResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapItems(items)
		return out, nil
	})
}

func (h handlers) registerVersioning(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "roll-forward",
		Method:        http.MethodPost,
		Path:          "/wirs/{id}/roll-forward",
		Summary:       "Open the next WIR of the series with carried items",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RollForwardRequest `json:"body" required:"false"`
	}) (*wirOutput, error) {
		c, serr := callerFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := h.e.RollForward(ctx, input.ID, engine.RollForwardOptions{
			ItemIDs:     input.Body.ItemIDs,
			ForDate:     input.Body.ForDate,
			ForTime:     input.Body.ForTime,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Caller:      c,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return h.wirOut(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-series",
		Method:      http.MethodGet,
		Path:        "/series/{series_id}",
		Summary:     "All versions of one inspection, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SeriesID string `path:"series_id"`
	}) (*wirListOutput, error) {
		wirs, err := h.e.Series(ctx, input.SeriesID)
		if err != nil {
			return nil, h.fail(err)
		}
		out := &wirListOutput{}
		out.Body.Items = mapWIRs(wirs)
		return out, nil
	})
}

func (h handlers) registerHistory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "wir-history",
		Method:      http.MethodGet,
		Path:        "/wirs/{id}/history",
		Summary:     "Audit rows of a WIR, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wirPath) (*struct {
		Body struct {
			Items []HistoryResponse `json:"items"`
		} `json:"body"`
	}, error) {
		rows, err := h.e.History(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		out := &struct {
			Body struct {
				Items []HistoryResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = make([]HistoryResponse, 0, len(rows))
		for _, r := range rows {
			out.Body.Items = append(out.Body.Items, historyResponse(r))
		}
		return out, nil
	})
}
