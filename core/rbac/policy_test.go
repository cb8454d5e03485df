package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRolesUseKnownPermissions(t *testing.T) {
	known := map[Permission]bool{}
	for _, p := range AllPermissions {
		require.True(t, p.Valid(), "malformed permission %s", p)
		known[p] = true
	}
	for _, role := range DefaultRoles() {
		for _, p := range role.Permissions {
			require.True(t, known[p], "role %s uses unknown permission %s", role.Name, p)
		}
	}
}

func TestAllowedByRole(t *testing.T) {
	p := NewPolicy(DefaultRoles())

	require.True(t, p.Allowed([]string{RoleEmployee}, PermIncidentsSubmit))
	require.False(t, p.Allowed([]string{RoleEmployee}, PermIncidentsQIReview))
	require.True(t, p.Allowed([]string{RoleQI}, PermIncidentsQIReview))
	require.False(t, p.Allowed([]string{RoleQI}, PermIncidentsForce))
	require.True(t, p.Allowed([]string{RoleHOD}, PermHODQueueView))
	require.False(t, p.Allowed(nil, PermIncidentsView))
	require.False(t, p.Allowed([]string{"ghost"}, PermIncidentsView))
	require.False(t, p.Allowed([]string{RoleQI}, "incidents"))
}

func TestAdminInheritsQI(t *testing.T) {
	p := NewPolicy(DefaultRoles())
	require.True(t, p.Allowed([]string{RoleAdmin}, PermIncidentsClose))
	require.True(t, p.Allowed([]string{RoleAdmin}, PermActionsManage))
	require.True(t, p.Allowed([]string{RoleAdmin}, PermIncidentsForce))
}

func TestWildcardAction(t *testing.T) {
	p := NewPolicy([]Role{{Name: "auditor", Permissions: []Permission{"audit.*"}}})
	require.True(t, p.Allowed([]string{"auditor"}, PermAuditView))
	require.False(t, p.Allowed([]string{"auditor"}, PermIncidentsView))
}

func TestTableMatchesAllowed(t *testing.T) {
	p := NewPolicy(DefaultRoles())
	table := p.Table()
	for _, perm := range AllPermissions {
		res, act := perm.Split()
		roles, ok := table[res][act]
		require.True(t, ok, "missing %s in table", perm)
		for _, name := range p.RoleNames() {
			require.Equal(t, p.Allowed([]string{name}, perm), contains(roles, name), "%s/%s", name, perm)
		}
	}
	require.Contains(t, table["incidents"]["close"], RoleAdmin)
	require.Equal(t, []string{RoleAdmin}, table["incidents"]["force_transition"])
}

func TestPermissionsForRoleSet(t *testing.T) {
	p := NewPolicy(DefaultRoles())
	perms := p.Permissions([]string{RoleInvestigator})
	require.Contains(t, perms, PermInvestigationsEdit)
	require.NotContains(t, perms, PermActionsManage)
}

func TestReplaceSwapsRoles(t *testing.T) {
	p := NewPolicy(DefaultRoles())
	require.NoError(t, p.Replace([]Role{{Name: RoleEmployee, Permissions: []Permission{PermIncidentsView}}}))
	require.False(t, p.Allowed([]string{RoleEmployee}, PermIncidentsSubmit))
	require.Error(t, p.Replace([]Role{{Name: "x", Permissions: []Permission{"bad"}}}))
	require.True(t, p.Allowed([]string{RoleEmployee}, PermIncidentsView))
}

func TestSplitMultiSegmentAction(t *testing.T) {
	res, act := PermIncidentsInvestigationOK.Split()
	require.Equal(t, "incidents", res)
	require.Equal(t, "investigation.complete", act)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
