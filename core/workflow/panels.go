package workflow

import "gama-ovr/core/rbac"

type PanelID string

const (
	PanelQIReview                 PanelID = "qi_review"
	PanelInvestigation            PanelID = "investigation"
	PanelCorrectiveActions        PanelID = "corrective_actions"
	PanelClosure                  PanelID = "closure"
	PanelInvestigationSummary     PanelID = "investigation_summary"
	PanelCorrectiveActionsSummary PanelID = "corrective_actions_summary"
	PanelCaseReviewSummary        PanelID = "case_review_summary"
)

var panelPermissions = map[PanelID]rbac.Permission{
	PanelQIReview:                 rbac.PermIncidentsQIReview,
	PanelInvestigation:            rbac.PermInvestigationsEdit,
	PanelCorrectiveActions:        rbac.PermActionsManage,
	PanelClosure:                  rbac.PermIncidentsClose,
	PanelInvestigationSummary:     rbac.PermInvestigationsView,
	PanelCorrectiveActionsSummary: rbac.PermActionsView,
	PanelCaseReviewSummary:        rbac.PermIncidentsView,
}

type Panel struct {
	ID         PanelID         `json:"id"`
	Enabled    bool            `json:"enabled"`
	ReadOnly   bool            `json:"read_only"`
	Permission rbac.Permission `json:"permission"`
	Editable   bool            `json:"editable"`
}

func panel(id PanelID, enabled, readOnly bool) Panel {
	return Panel{ID: id, Enabled: enabled, ReadOnly: readOnly, Permission: panelPermissions[id]}
}

// PanelsFor returns the panels that apply to an incident in status.
func PanelsFor(status Status, allActionsClosed bool) []Panel {
	switch status {
	case StatusSubmitted:
		return []Panel{panel(PanelQIReview, true, false)}
	case StatusInvestigating:
		return []Panel{panel(PanelInvestigation, true, false)}
	case StatusQIFinalActions:
		return []Panel{
			panel(PanelCorrectiveActions, true, false),
			panel(PanelClosure, allActionsClosed, false),
		}
	case StatusQIFinalReview:
		return []Panel{panel(PanelClosure, allActionsClosed, false)}
	case StatusClosed:
		return []Panel{
			panel(PanelInvestigationSummary, true, true),
			panel(PanelCorrectiveActionsSummary, true, true),
			panel(PanelCaseReviewSummary, true, true),
		}
	default:
		return []Panel{}
	}
}

// ViewFor decorates PanelsFor with whether the role set may act on each panel.
func ViewFor(status Status, allActionsClosed bool, roles []string, policy *rbac.Policy) []Panel {
	panels := PanelsFor(status, allActionsClosed)
	for i := range panels {
		p := &panels[i]
		p.Editable = p.Enabled && !p.ReadOnly && policy.Allowed(roles, p.Permission)
	}
	return panels
}
