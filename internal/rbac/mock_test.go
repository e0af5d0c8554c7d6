package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu          sync.Mutex
	roles       map[int64]Role
	assignments map[int64]RoleAssignment
	nextRoleID  int64
	nextAssign  int64
	listErr     error
	listCalls   int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		roles:       make(map[int64]Role),
		assignments: make(map[int64]RoleAssignment),
		nextRoleID:  1,
		nextAssign:  1,
	}
}

func (m *mockRepository) seedRole(name string, perms ...Permission) Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	role := Role{ID: m.nextRoleID, Name: name, Permissions: normalize(perms), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.roles[role.ID] = role
	m.nextRoleID++
	return role
}

func (m *mockRepository) assign(userID, roleID int64) RoleAssignment {
	a, err := m.CreateAssignment(context.Background(), userID, roleID)
	if err != nil {
		panic(err)
	}
	return a
}

func (m *mockRepository) setPermissions(roleID int64, perms ...Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role := m.roles[roleID]
	role.Permissions = normalize(perms)
	m.roles[roleID] = role
}

func (m *mockRepository) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := []RoleAssignment{}
	for _, a := range m.assignments {
		if a.UserID != userID {
			continue
		}
		role, ok := m.roles[a.Role.ID]
		if !ok {
			continue
		}
		a.Role = role
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Role{}
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *mockRepository) CreateRole(ctx context.Context, name, description string, perms []Permission) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return Role{}, ErrDuplicate
		}
	}
	role := Role{ID: m.nextRoleID, Name: name, Description: description, Permissions: perms, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.roles[role.ID] = role
	m.nextRoleID++
	return role, nil
}

func (m *mockRepository) UpdateRole(ctx context.Context, id int64, name, description string, perms []Permission) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.Name, role.Description, role.Permissions, role.UpdatedAt = name, description, perms, time.Now()
	m.roles[id] = role
	return role, nil
}

func (m *mockRepository) DeleteRole(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	for aid, a := range m.assignments {
		if a.Role.ID == id {
			delete(m.assignments, aid)
		}
	}
	return nil
}

func (m *mockRepository) CreateAssignment(ctx context.Context, userID, roleID int64) (RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return RoleAssignment{}, ErrNotFound
	}
	for _, a := range m.assignments {
		if a.UserID == userID && a.Role.ID == roleID {
			return RoleAssignment{}, ErrDuplicate
		}
	}
	a := RoleAssignment{ID: m.nextAssign, UserID: userID, Role: role, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.assignments[a.ID] = a
	m.nextAssign++
	return a, nil
}

func (m *mockRepository) DeleteAssignment(ctx context.Context, id int64) (RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return RoleAssignment{}, ErrNotFound
	}
	delete(m.assignments, id)
	return a, nil
}

func (m *mockRepository) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

var _ Repository = (*mockRepository)(nil)
