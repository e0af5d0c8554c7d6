package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/frostline/frostline/internal/realtime"
)

// ErrInvalidRole indicates rejected role attributes.
var ErrInvalidRole = errors.New("rbac: invalid role")

// Publisher emits change events for transports without database triggers.
type Publisher interface {
	Publish(ctx context.Context, change realtime.Change) error
}

// Service orchestrates RBAC administration and effective permission lookups.
type Service struct {
	repo      Repository
	cache     *PermissionCache
	publisher Publisher
	logger    *slog.Logger
}

// NewService constructs a Service. cache and publisher may be nil.
func NewService(repo Repository, cache *PermissionCache, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, publisher: publisher, logger: logger}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a new role after validating its permission set.
func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	name, description, perms, err := cleanRoleInput(in)
	if err != nil {
		return Role{}, err
	}
	role, err := s.repo.CreateRole(ctx, name, description, perms)
	if err != nil {
		return Role{}, err
	}
	s.publish(ctx, RolesTable, realtime.EventInsert, roleRecord(role), nil)
	return role, nil
}

// UpdateRole replaces a role's attributes. Holders observe the new
// permission set on their next refresh.
func (s *Service) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	name, description, perms, err := cleanRoleInput(in)
	if err != nil {
		return Role{}, err
	}
	role, err := s.repo.UpdateRole(ctx, id, name, description, perms)
	if err != nil {
		return Role{}, err
	}
	s.cache.Purge()
	s.publish(ctx, RolesTable, realtime.EventUpdate, roleRecord(role), nil)
	return role, nil
}

// DeleteRole removes a role and, by cascade, every assignment of it.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.cache.Purge()
	s.publish(ctx, RolesTable, realtime.EventDelete, nil, map[string]any{"id": id})
	return nil
}

// ListAssignments returns the user's assignments joined with their roles.
func (s *Service) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	return s.repo.ListAssignments(ctx, userID)
}

// AssignRole grants a role to a user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) (RoleAssignment, error) {
	a, err := s.repo.CreateAssignment(ctx, userID, roleID)
	if err != nil {
		return RoleAssignment{}, err
	}
	s.cache.Invalidate(userID)
	s.publish(ctx, AssignmentsTable, realtime.EventInsert, assignmentRecord(a), nil)
	return a, nil
}

// RevokeAssignment removes an assignment by ID.
func (s *Service) RevokeAssignment(ctx context.Context, id int64) error {
	a, err := s.repo.DeleteAssignment(ctx, id)
	if err != nil {
		return err
	}
	s.cache.Invalidate(a.UserID)
	s.publish(ctx, AssignmentsTable, realtime.EventDelete, nil, assignmentRecord(a))
	return nil
}

// Evaluator returns a permission snapshot for userID, served from the cache when warm.
func (s *Service) Evaluator(ctx context.Context, userID int64) (*Evaluator, error) {
	if e, ok := s.cache.Get(userID); ok {
		return e, nil
	}
	assignments, err := s.repo.ListAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	e := NewEvaluator(assignments)
	s.cache.Put(userID, e)
	return e, nil
}

// EffectivePermissions returns the deduplicated permissions of a user.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	e, err := s.Evaluator(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.Permissions(), nil
}

// Catalog returns the permission vocabulary grouped by category.
func (s *Service) Catalog() []CategoryGroup {
	return Catalog()
}

func (s *Service) publish(ctx context.Context, table string, event realtime.EventType, newRow, oldRow map[string]any) {
	if s.publisher == nil {
		return
	}
	change := realtime.Change{Schema: "public", Table: table, Type: event, New: newRow, Old: oldRow}
	if err := s.publisher.Publish(ctx, change); err != nil {
		s.logger.Warn("rbac publish change", slog.String("table", table), slog.Any("error", err))
	}
}

func cleanRoleInput(in RoleInput) (string, string, []Permission, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", "", nil, fmt.Errorf("%w: name required", ErrInvalidRole)
	}
	perms, err := ParsePermissions(in.Permissions)
	if err != nil {
		return "", "", nil, err
	}
	return name, strings.TrimSpace(in.Description), perms, nil
}

func roleRecord(r Role) map[string]any {
	return map[string]any{"id": r.ID, "name": r.Name, "permissions": permissionStrings(r.Permissions)}
}

func assignmentRecord(a RoleAssignment) map[string]any {
	return map[string]any{"id": a.ID, "user_id": a.UserID, "role_id": a.Role.ID}
}
