// Package auth decides whether a role label may perform a WIR action. The
// engine calls a Policy before every transition and stays unaware of how the
// decision is made.
package auth

import (
	"context"
	"fmt"
	"sort"

	"wirline/internal/domain"
)

// Actions checked by the engine.
const (
	ActionCreate             = "create"
	ActionUpdate             = "update"
	ActionAttach             = "attach"
	ActionDispatch           = "dispatch"
	ActionSubmit             = "submit"
	ActionRecommend          = "recommend"
	ActionInspectorRecommend = "inspector_recommend"
	ActionInspectorSave      = "inspector_save"
	ActionApprove            = "approve"
	ActionReject             = "reject"
	ActionReturn             = "return"
	ActionRollForward        = "roll_forward"
	ActionReschedule         = "reschedule"
	ActionNote               = "note"
	ActionChangeBIC          = "change_bic"
	ActionDelete             = "delete"
	ActionForceStatus        = "force_status"
)

// ForbiddenError indicates the role may not perform the action.
type ForbiddenError struct {
	Action string
	Role   string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("action %s requires a role", e.Action)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// Policy authorises one action on one WIR.
type Policy interface {
	Authorize(ctx context.Context, actor domain.Actor, role, action string, wir domain.WIR) error
}

// AllowAll permits everything.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, domain.Actor, string, string, domain.WIR) error {
	return nil
}

// RolePolicy grants each role a fixed action set; "*" grants all actions.
type RolePolicy struct {
	Roles map[string]map[string]bool
}

// NewRolePolicy builds a RolePolicy from config. An empty map yields AllowAll.
func NewRolePolicy(roles map[string][]string) Policy {
	if len(roles) == 0 {
		return AllowAll{}
	}
	p := RolePolicy{Roles: map[string]map[string]bool{}}
	for role, actions := range roles {
		set := map[string]bool{}
		for _, a := range actions {
			set[a] = true
		}
		p.Roles[role] = set
	}
	return p
}

func (p RolePolicy) Authorize(_ context.Context, _ domain.Actor, role, action string, _ domain.WIR) error {
	set, ok := p.Roles[role]
	if !ok {
		return ForbiddenError{Action: action, Role: role}
	}
	if set["*"] || set[action] {
		return nil
	}
	return ForbiddenError{Action: action, Role: role}
}

// Allowed lists the actions granted to role, sorted.
func (p RolePolicy) Allowed(role string) []string {
	var res []string
	for a := range p.Roles[role] {
		res = append(res, a)
	}
	sort.Strings(res)
	return res
}
