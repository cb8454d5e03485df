package workflow

import (
	"fmt"
	"strings"

	"gama-ovr/core/apperr"
	"gama-ovr/core/rbac"
	"gama-ovr/core/utils"
)

type Action string

const (
	ActionSubmit                Action = "submit"
	ActionQIApprove             Action = "qi_review.approve"
	ActionQIReject              Action = "qi_review.reject"
	ActionCompleteInvestigation Action = "investigation.complete"
	ActionFinalReview           Action = "final_review"
	ActionClose                 Action = "close"
	ActionForce                 Action = "force"
)

const DefaultMinRejectReason = 20

type rule struct {
	from []Status
	to   Status
	perm rbac.Permission
	// requires every corrective action to be closed
	needsClosedActions bool
}

var rules = map[Action]rule{
	ActionSubmit:                {from: []Status{StatusDraft}, to: StatusSubmitted, perm: rbac.PermIncidentsSubmit},
	ActionQIApprove:             {from: []Status{StatusSubmitted}, to: StatusInvestigating, perm: rbac.PermIncidentsQIReview},
	ActionQIReject:              {from: []Status{StatusSubmitted}, to: StatusDraft, perm: rbac.PermIncidentsQIReview},
	ActionCompleteInvestigation: {from: []Status{StatusInvestigating}, to: StatusQIFinalActions, perm: rbac.PermIncidentsInvestigationOK},
	ActionFinalReview:           {from: []Status{StatusQIFinalActions}, to: StatusQIFinalReview, perm: rbac.PermIncidentsFinalReview, needsClosedActions: true},
	ActionClose:                 {from: []Status{StatusQIFinalActions, StatusQIFinalReview}, to: StatusClosed, perm: rbac.PermIncidentsClose, needsClosedActions: true},
	ActionForce:                 {perm: rbac.PermIncidentsForce},
}

// Actions lists the regular actions in workflow order. Force is excluded.
var Actions = []Action{
	ActionSubmit,
	ActionQIApprove,
	ActionQIReject,
	ActionCompleteInvestigation,
	ActionFinalReview,
	ActionClose,
}

func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := rules[a]; !ok {
		return "", apperr.Validation("incident.action_unknown", fmt.Sprintf("unknown action %q", raw))
	}
	return a, nil
}

// Permission is the access-table entry guarding the action.
func (a Action) Permission() rbac.Permission {
	return rules[a].perm
}

func (a Action) NeedsClosedActions() bool {
	return rules[a].needsClosedActions
}

// DecisionInput is the snapshot the validator needs. It is built by the
// caller from the stored incident and the authenticated principal.
type DecisionInput struct {
	Status      Status
	ReporterID  int64
	ActorID     int64
	Roles       []string
	Action      Action
	ForceTarget string
	Reason      string
	OpenActions int
}

type Decision struct {
	Action Action `json:"action"`
	From   Status `json:"from"`
	To     Status `json:"to"`
	// NoOp means the incident already sits in the target status and
	// nothing must be written.
	NoOp                bool   `json:"noop"`
	CreateInvestigation bool   `json:"create_investigation"`
	Close               bool   `json:"close"`
	Reason              string `json:"reason,omitempty"`
}

type Validator struct {
	policy          *rbac.Policy
	minRejectReason int
}

func NewValidator(policy *rbac.Policy, minRejectReason int) *Validator {
	if minRejectReason <= 0 {
		minRejectReason = DefaultMinRejectReason
	}
	return &Validator{policy: policy, minRejectReason: minRejectReason}
}

func (v *Validator) MinRejectReason() int {
	return v.minRejectReason
}

// Decide evaluates permission, input, idempotence, edge and preconditions in
// that order. It never mutates anything.
func (v *Validator) Decide(in DecisionInput) (Decision, error) {
	r, ok := rules[in.Action]
	if !ok {
		return Decision{}, apperr.Validation("incident.action_unknown", fmt.Sprintf("unknown action %q", in.Action))
	}
	if !in.Status.Valid() {
		return Decision{}, apperr.Conflict("incident.status_unknown", fmt.Sprintf("incident has unknown status %q", in.Status))
	}

	if !v.policy.Allowed(in.Roles, r.perm) {
		return Decision{}, apperr.Authorization("incident.forbidden", fmt.Sprintf("role set may not perform %s", in.Action)).
			WithDetail("permission", string(r.perm))
	}
	if in.Action == ActionSubmit && in.ActorID != in.ReporterID && !hasRole(in.Roles, rbac.RoleAdmin) {
		return Decision{}, apperr.Authorization("incident.not_reporter", "only the reporter may submit this incident")
	}

	reason := strings.TrimSpace(in.Reason)
	target := r.to
	switch in.Action {
	case ActionQIReject:
		if utils.TextLen(reason) < v.minRejectReason {
			return Decision{}, apperr.Validation("incident.reason_too_short", "rejection reason is too short").
				WithDetail("reason", fmt.Sprintf("at least %d characters required", v.minRejectReason))
		}
	case ActionForce:
		parsed, err := ParseStatus(in.ForceTarget)
		if err != nil {
			return Decision{}, err
		}
		if reason == "" {
			return Decision{}, apperr.Validation("incident.reason_required", "a reason is required to force a transition").
				WithDetail("reason", "required")
		}
		target = parsed
	}

	d := Decision{Action: in.Action, From: in.Status, To: target, Reason: reason}
	if in.Status == target {
		d.NoOp = true
		return d, nil
	}

	if in.Action == ActionForce {
		if in.Status.IsTerminal() {
			return Decision{}, apperr.Conflict("incident.terminal", fmt.Sprintf("incident is %s and cannot be moved", in.Status))
		}
	} else if !containsStatus(r.from, in.Status) {
		return Decision{}, apperr.Conflict("incident.invalid_transition",
			fmt.Sprintf("%s is not allowed from status %s", in.Action, in.Status))
	}

	if (r.needsClosedActions || target == StatusClosed) && in.OpenActions > 0 {
		return Decision{}, apperr.Conflict("incident.open_actions",
			fmt.Sprintf("%d corrective action(s) are still open", in.OpenActions))
	}

	d.CreateInvestigation = target == StatusInvestigating
	d.Close = target == StatusClosed
	return d, nil
}

// Available lists the regular actions the role set could take from status.
// Reporter ownership for submit is left to Decide.
func (v *Validator) Available(status Status, roles []string, openActions int) []Action {
	out := []Action{}
	for _, a := range Actions {
		r := rules[a]
		if !containsStatus(r.from, status) || !v.policy.Allowed(roles, r.perm) {
			continue
		}
		if (r.needsClosedActions || r.to == StatusClosed) && openActions > 0 {
			continue
		}
		out = append(out, a)
	}
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), want) {
			return true
		}
	}
	return false
}
