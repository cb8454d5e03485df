package rbac

const (
	RoleEmployee     = "employee"
	RoleSupervisor   = "supervisor"
	RoleQI           = "qi"
	RoleHOD          = "hod"
	RoleInvestigator = "investigator"
	RoleAdmin        = "admin"
)

type Role struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Inherits    []string     `json:"inherits,omitempty"`
	Permissions []Permission `json:"permissions"`
}

func DefaultRoles() []Role {
	return []Role{
		{
			Name:        RoleEmployee,
			Description: "Files and follows own reports",
			Permissions: []Permission{
				PermIncidentsView, PermIncidentsCreate, PermIncidentsEdit, PermIncidentsSubmit,
				PermLocationsView, PermDepartmentsView,
			},
		},
		{
			Name:        RoleSupervisor,
			Description: "Reviews reports raised in the unit",
			Permissions: []Permission{
				PermIncidentsView, PermIncidentsViewAll, PermIncidentsCreate, PermIncidentsEdit, PermIncidentsSubmit,
				PermInvestigationsView, PermActionsView,
				PermLocationsView, PermDepartmentsView,
			},
		},
		{
			Name:        RoleQI,
			Description: "Quality improvement department",
			Permissions: []Permission{
				PermIncidentsView, PermIncidentsViewAll, PermIncidentsCreate, PermIncidentsEdit, PermIncidentsSubmit,
				PermIncidentsQIReview, PermIncidentsInvestigationOK, PermIncidentsFinalReview, PermIncidentsClose,
				PermInvestigationsView, PermInvestigationsAssign, PermInvestigationsEdit,
				PermActionsView, PermActionsManage, PermActionsComplete,
				PermSharedAccessManage,
				PermLocationsView, PermLocationsCreate,
				PermDepartmentsView, PermDepartmentsCreate,
				PermUsersView,
				PermHODQueueView,
			},
		},
		{
			Name:        RoleHOD,
			Description: "Head of department, runs assigned investigations",
			Permissions: []Permission{
				PermIncidentsView, PermIncidentsCreate, PermIncidentsEdit, PermIncidentsSubmit,
				PermInvestigationsView, PermInvestigationsEdit,
				PermActionsView, PermActionsComplete,
				PermHODQueueView,
				PermLocationsView, PermDepartmentsView,
			},
		},
		{
			Name:        RoleInvestigator,
			Description: "Invited investigation participant",
			Permissions: []Permission{
				PermIncidentsView, PermInvestigationsView, PermInvestigationsEdit,
				PermActionsView, PermActionsComplete,
			},
		},
		{
			Name:        RoleAdmin,
			Description: "System administrator",
			Inherits:    []string{RoleQI},
			Permissions: []Permission{
				PermIncidentsForce, PermDepartmentsEdit, PermUsersManage, PermAuditView,
			},
		},
	}
}
