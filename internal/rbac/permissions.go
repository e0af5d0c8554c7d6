package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Permission is one capability token of the form "<resource>:<action>".
// Values are compared as opaque, case-sensitive strings and never parsed.
type Permission string

// ErrUnknownPermission is returned when a string is not part of the vocabulary.
var ErrUnknownPermission = errors.New("rbac: unknown permission")

// Customer permissions.
const (
	PermCustomersRead   Permission = "customers:read"
	PermCustomersWrite  Permission = "customers:write"
	PermCustomersDelete Permission = "customers:delete"
)

// Service order permissions.
const (
	PermServiceOrdersRead   Permission = "service_orders:read"
	PermServiceOrdersWrite  Permission = "service_orders:write"
	PermServiceOrdersDelete Permission = "service_orders:delete"
)

// Device and asset permissions.
const (
	PermDevicesRead   Permission = "devices:read"
	PermDevicesWrite  Permission = "devices:write"
	PermDevicesDelete Permission = "devices:delete"
)

// Inventory permissions.
const (
	PermInventoryRead  Permission = "inventory:read"
	PermInventoryWrite Permission = "inventory:write"
)

// Technician and dispatch permissions.
const (
	PermTechniciansRead     Permission = "technicians:read"
	PermTechniciansWrite    Permission = "technicians:write"
	PermTechniciansDispatch Permission = "technicians:dispatch"
)

// Offer and quote permissions.
const (
	PermOffersRead    Permission = "offers:read"
	PermOffersWrite   Permission = "offers:write"
	PermOffersApprove Permission = "offers:approve"
)

// Reporting permissions.
const (
	PermReportsRead    Permission = "reports:read"
	PermAIInsightsRead Permission = "ai_insights:read"
)

// Administration permissions.
const (
	PermAdminAccess   Permission = "admin:access"
	PermUsersRead     Permission = "users:read"
	PermUsersWrite    Permission = "users:write"
	PermRolesRead     Permission = "roles:read"
	PermRolesWrite    Permission = "roles:write"
	PermSettingsRead  Permission = "settings:read"
	PermSettingsWrite Permission = "settings:write"
)

// Category groups permissions for presentation.
type Category string

const (
	CategoryCustomers      Category = "customers"
	CategoryServiceOrders  Category = "service_orders"
	CategoryDevices        Category = "devices"
	CategoryInventory      Category = "inventory"
	CategoryTechnicians    Category = "technicians"
	CategoryOffers         Category = "offers"
	CategoryReports        Category = "reports"
	CategoryAdministration Category = "administration"
)

var titleCaser = cases.Title(language.English)

// Label renders the category for display, e.g. "Service Orders".
func (c Category) Label() string {
	return titleCaser.String(strings.ReplaceAll(string(c), "_", " "))
}

// CategoryGroup lists the permissions of one category in declaration order.
type CategoryGroup struct {
	Category    Category     `json:"category"`
	Label       string       `json:"label"`
	Permissions []Permission `json:"permissions"`
}

var catalog = []CategoryGroup{
	{Category: CategoryCustomers, Permissions: []Permission{PermCustomersRead, PermCustomersWrite, PermCustomersDelete}},
	{Category: CategoryServiceOrders, Permissions: []Permission{PermServiceOrdersRead, PermServiceOrdersWrite, PermServiceOrdersDelete}},
	{Category: CategoryDevices, Permissions: []Permission{PermDevicesRead, PermDevicesWrite, PermDevicesDelete}},
	{Category: CategoryInventory, Permissions: []Permission{PermInventoryRead, PermInventoryWrite}},
	{Category: CategoryTechnicians, Permissions: []Permission{PermTechniciansRead, PermTechniciansWrite, PermTechniciansDispatch}},
	{Category: CategoryOffers, Permissions: []Permission{PermOffersRead, PermOffersWrite, PermOffersApprove}},
	{Category: CategoryReports, Permissions: []Permission{PermReportsRead, PermAIInsightsRead}},
	{Category: CategoryAdministration, Permissions: []Permission{
		PermAdminAccess, PermUsersRead, PermUsersWrite, PermRolesRead, PermRolesWrite, PermSettingsRead, PermSettingsWrite,
	}},
}

var known = func() map[Permission]Category {
	m := make(map[Permission]Category)
	for _, group := range catalog {
		for _, p := range group.Permissions {
			m[p] = group.Category
		}
	}
	return m
}()

// Valid reports whether p belongs to the vocabulary.
func (p Permission) Valid() bool {
	_, ok := known[p]
	return ok
}

// Category returns the category p is listed under, or "" for unknown permissions.
func (p Permission) Category() Category {
	return known[p]
}

func (p Permission) String() string {
	return string(p)
}

// ParsePermission validates raw against the vocabulary. Matching is exact.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(raw)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, raw)
	}
	return p, nil
}

// ParsePermissions validates every entry and fails on the first unknown one.
func ParsePermissions(raw []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return normalize(perms), nil
}

// splitPermissions keeps the known entries of raw and reports the rest.
func splitPermissions(raw []string) (perms []Permission, rejected []string) {
	perms = make([]Permission, 0, len(raw))
	for _, s := range raw {
		p := Permission(s)
		if p.Valid() {
			perms = append(perms, p)
			continue
		}
		rejected = append(rejected, s)
	}
	return normalize(perms), rejected
}

// normalize sorts and deduplicates permissions.
func normalize(perms []Permission) []Permission {
	if len(perms) == 0 {
		return []Permission{}
	}
	sorted := make([]Permission, len(perms))
	copy(sorted, perms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// Catalog returns the full vocabulary grouped by category.
func Catalog() []CategoryGroup {
	groups := make([]CategoryGroup, len(catalog))
	for i, group := range catalog {
		perms := make([]Permission, len(group.Permissions))
		copy(perms, group.Permissions)
		groups[i] = CategoryGroup{Category: group.Category, Label: group.Category.Label(), Permissions: perms}
	}
	return groups
}

// AllPermissions lists every permission in catalog order.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(known))
	for _, group := range catalog {
		perms = append(perms, group.Permissions...)
	}
	return perms
}
