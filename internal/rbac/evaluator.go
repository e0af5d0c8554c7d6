package rbac

import (
	"slices"
	"sort"
)

// Evaluator answers membership queries over an immutable snapshot of
// assignments. It is rebuilt from scratch whenever the assignment set changes.
// A nil Evaluator denies everything.
type Evaluator struct {
	assignments []RoleAssignment
	permissions map[Permission]struct{}
	roles       map[string]struct{}
}

// NewEvaluator computes the deduplicated permission union of assignments.
func NewEvaluator(assignments []RoleAssignment) *Evaluator {
	e := &Evaluator{
		assignments: make([]RoleAssignment, len(assignments)),
		permissions: make(map[Permission]struct{}),
		roles:       make(map[string]struct{}, len(assignments)),
	}
	for i, a := range assignments {
		e.assignments[i] = cloneAssignment(a)
		e.roles[a.Role.Name] = struct{}{}
		for _, p := range a.Role.Permissions {
			e.permissions[p] = struct{}{}
		}
	}
	return e
}

// HasPermission reports whether p is granted by any assigned role.
func (e *Evaluator) HasPermission(p Permission) bool {
	if e == nil {
		return false
	}
	_, ok := e.permissions[p]
	return ok
}

// HasRole reports whether a role with exactly this name is assigned.
func (e *Evaluator) HasRole(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.roles[name]
	return ok
}

// HasAny reports whether at least one of perms is granted. An empty list is granted.
func (e *Evaluator) HasAny(perms ...Permission) bool {
	if len(perms) == 0 {
		return true
	}
	for _, p := range perms {
		if e.HasPermission(p) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of perms is granted.
func (e *Evaluator) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !e.HasPermission(p) {
			return false
		}
	}
	return true
}

// Permissions returns the granted permissions sorted.
func (e *Evaluator) Permissions() []Permission {
	if e == nil {
		return []Permission{}
	}
	out := make([]Permission, 0, len(e.permissions))
	for p := range e.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Assignments returns a copy of the assignments the snapshot was built from.
func (e *Evaluator) Assignments() []RoleAssignment {
	if e == nil {
		return []RoleAssignment{}
	}
	out := make([]RoleAssignment, len(e.assignments))
	for i, a := range e.assignments {
		out[i] = cloneAssignment(a)
	}
	return out
}

func cloneAssignment(a RoleAssignment) RoleAssignment {
	a.Role.Permissions = slices.Clone(a.Role.Permissions)
	a.Role.rejected = slices.Clone(a.Role.rejected)
	return a
}
