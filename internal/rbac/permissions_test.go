package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("customers:read")
	require.NoError(t, err)
	assert.Equal(t, PermCustomersRead, p)
	assert.Equal(t, CategoryCustomers, p.Category())

	for _, raw := range []string{"Customers:read", "customers:READ", " customers:read", "customers", "", "customers:export"} {
		_, err := ParsePermission(raw)
		assert.ErrorIs(t, err, ErrUnknownPermission, raw)
	}
}

func TestParsePermissionsNormalizes(t *testing.T) {
	perms, err := ParsePermissions([]string{"devices:read", "admin:access", "devices:read"})
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermAdminAccess, PermDevicesRead}, perms)

	_, err = ParsePermissions([]string{"devices:read", "devices:fly"})
	assert.ErrorIs(t, err, ErrUnknownPermission)

	perms, err = ParsePermissions(nil)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestSplitPermissionsSeparatesUnknown(t *testing.T) {
	perms, rejected := splitPermissions([]string{"offers:approve", "offers:delete", "offers:read"})
	assert.Equal(t, []Permission{PermOffersApprove, PermOffersRead}, perms)
	assert.Equal(t, []string{"offers:delete"}, rejected)
}

func TestCatalogCoversVocabulary(t *testing.T) {
	seen := map[Permission]bool{}
	for _, group := range Catalog() {
		assert.NotEmpty(t, group.Label)
		for _, p := range group.Permissions {
			assert.False(t, seen[p], "duplicate %s", p)
			seen[p] = true
			assert.Equal(t, group.Category, p.Category())
		}
	}
	assert.Len(t, seen, len(AllPermissions()))

	groups := Catalog()
	groups[0].Permissions[0] = "tampered"
	assert.NotEqual(t, Permission("tampered"), Catalog()[0].Permissions[0])
}

func TestEvaluatorQueries(t *testing.T) {
	e := NewEvaluator([]RoleAssignment{
		{ID: 1, UserID: 7, Role: Role{Name: "Technician", Permissions: []Permission{PermServiceOrdersRead, PermDevicesRead}}},
		{ID: 2, UserID: 7, Role: Role{Name: "Sales", Permissions: []Permission{PermOffersRead, PermServiceOrdersRead}}},
	})

	assert.True(t, e.HasPermission(PermOffersRead))
	assert.False(t, e.HasPermission(PermOffersWrite))
	assert.True(t, e.HasAny(PermOffersWrite, PermDevicesRead))
	assert.False(t, e.HasAny(PermOffersWrite))
	assert.True(t, e.HasAll(PermOffersRead, PermDevicesRead))
	assert.False(t, e.HasAll(PermOffersRead, PermAdminAccess))
	assert.True(t, e.HasAny())
	assert.True(t, e.HasAll())
	assert.Equal(t, []Permission{PermDevicesRead, PermOffersRead, PermServiceOrdersRead}, e.Permissions())

	got := e.Assignments()
	got[0].Role.Name = "Admin"
	assert.False(t, e.HasRole("Admin"))
}

func TestEvaluatorAssignmentsDoNotShareBackingArrays(t *testing.T) {
	perms := []Permission{PermServiceOrdersRead, PermDevicesRead}
	e := NewEvaluator([]RoleAssignment{{ID: 1, UserID: 7, Role: Role{Name: "Technician", Permissions: perms}}})

	perms[0] = PermAdminAccess
	got := e.Assignments()
	require.Len(t, got, 1)
	assert.Equal(t, []Permission{PermServiceOrdersRead, PermDevicesRead}, got[0].Role.Permissions)

	got[0].Role.Permissions[1] = PermAdminAccess
	again := e.Assignments()
	assert.Equal(t, []Permission{PermServiceOrdersRead, PermDevicesRead}, again[0].Role.Permissions)
	assert.False(t, e.HasPermission(PermAdminAccess))
}

func TestNilEvaluatorDenies(t *testing.T) {
	var e *Evaluator
	assert.False(t, e.HasPermission(PermCustomersRead))
	assert.False(t, e.HasRole("Admin"))
	assert.False(t, e.HasAny(PermCustomersRead))
	assert.Empty(t, e.Permissions())
	assert.Empty(t, e.Assignments())
}

func TestGateDecisions(t *testing.T) {
	allowed := State{HasIdentity: true, evaluator: NewEvaluator([]RoleAssignment{{Role: Role{Name: "Admin", Permissions: []Permission{PermAdminAccess}}}})}

	assert.Equal(t, GateLoading, Gate(State{Loading: true, HasIdentity: true, evaluator: allowed.evaluator}, PermAdminAccess))
	assert.Equal(t, GateAllowed, Gate(allowed, PermAdminAccess))
	assert.Equal(t, GateDenied, Gate(allowed, PermUsersWrite))
	assert.Equal(t, GateDenied, Gate(State{}, PermAdminAccess))
	assert.Equal(t, "loading", GateLoading.String())
	assert.Equal(t, "allowed", GateAllowed.String())
	assert.Equal(t, "denied", GateDenied.String())
}
