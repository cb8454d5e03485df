package rbac

import "strings"

// Permission is a "resource.action" pair from the access table.
type Permission string

const (
	PermIncidentsView            Permission = "incidents.view"
	PermIncidentsViewAll         Permission = "incidents.view_all"
	PermIncidentsCreate          Permission = "incidents.create"
	PermIncidentsEdit            Permission = "incidents.edit"
	PermIncidentsSubmit          Permission = "incidents.submit"
	PermIncidentsQIReview        Permission = "incidents.qi_review"
	PermIncidentsInvestigationOK Permission = "incidents.investigation.complete"
	PermIncidentsFinalReview     Permission = "incidents.final_review"
	PermIncidentsClose           Permission = "incidents.close"
	PermIncidentsForce           Permission = "incidents.force_transition"

	PermInvestigationsView   Permission = "investigations.view"
	PermInvestigationsAssign Permission = "investigations.assign"
	PermInvestigationsEdit   Permission = "investigations.edit"

	PermActionsView     Permission = "actions.view"
	PermActionsManage   Permission = "actions.manage"
	PermActionsComplete Permission = "actions.complete"

	PermSharedAccessManage Permission = "shared_access.manage"

	PermLocationsView   Permission = "locations.view"
	PermLocationsCreate Permission = "locations.create"

	PermDepartmentsView   Permission = "departments.view"
	PermDepartmentsCreate Permission = "departments.create"
	PermDepartmentsEdit   Permission = "departments.edit"

	PermUsersView   Permission = "users.view"
	PermUsersManage Permission = "users.manage"

	PermHODQueueView Permission = "hod.review_queue.view"
	PermAuditView    Permission = "audit.view"
)

// AllPermissions lists every permission in table order.
var AllPermissions = []Permission{
	PermIncidentsView,
	PermIncidentsViewAll,
	PermIncidentsCreate,
	PermIncidentsEdit,
	PermIncidentsSubmit,
	PermIncidentsQIReview,
	PermIncidentsInvestigationOK,
	PermIncidentsFinalReview,
	PermIncidentsClose,
	PermIncidentsForce,
	PermInvestigationsView,
	PermInvestigationsAssign,
	PermInvestigationsEdit,
	PermActionsView,
	PermActionsManage,
	PermActionsComplete,
	PermSharedAccessManage,
	PermLocationsView,
	PermLocationsCreate,
	PermDepartmentsView,
	PermDepartmentsCreate,
	PermDepartmentsEdit,
	PermUsersView,
	PermUsersManage,
	PermHODQueueView,
	PermAuditView,
}

// Split returns the resource and action halves. The resource is the first
// dot-separated segment, the action is everything after it.
func (p Permission) Split() (string, string) {
	raw := strings.TrimSpace(string(p))
	idx := strings.Index(raw, ".")
	if idx <= 0 || idx == len(raw)-1 {
		return raw, ""
	}
	return raw[:idx], raw[idx+1:]
}

func (p Permission) Valid() bool {
	res, act := p.Split()
	return res != "" && act != ""
}
