package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frostline/frostline/internal/platform/db"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// ErrDuplicate indicates a unique constraint violation (role name or assignment pair).
var ErrDuplicate = errors.New("rbac: already exists")

// Repository defines persistence operations for roles and assignments.
type Repository interface {
	ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string, perms []Permission) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string, perms []Permission) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CreateAssignment(ctx context.Context, userID, roleID int64) (RoleAssignment, error)
	DeleteAssignment(ctx context.Context, id int64) (RoleAssignment, error)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const roleColumns = `r.id, r.name, r.description, r.permissions, r.created_at, r.updated_at`

const listAssignmentsSQL = `
SELECT a.id, a.user_id, a.created_at, a.updated_at, ` + roleColumns + `
FROM user_role_assignments a
JOIN user_roles r ON r.id = a.role_id
WHERE a.user_id = $1
ORDER BY r.name, a.id`

// ListAssignments loads every assignment of the user joined with its role in one read.
// Assignments whose role has been deleted are absent by construction.
func (r *PGRepository) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, listAssignmentsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	defer rows.Close()

	assignments := make([]RoleAssignment, 0)
	for rows.Next() {
		var (
			a   RoleAssignment
			raw []string
		)
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.CreatedAt, &a.UpdatedAt,
			&a.Role.ID, &a.Role.Name, &a.Role.Description, &raw, &a.Role.CreatedAt, &a.Role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("rbac: scan assignment: %w", err)
		}
		a.Role.Permissions, a.Role.rejected = splitPermissions(raw)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	return assignments, nil
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM user_roles r ORDER BY r.name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	defer rows.Close()

	roles := make([]Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	return roles, nil
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	return getRole(ctx, r.pool, id)
}

func getRole(ctx context.Context, q querier, id int64) (Role, error) {
	row := q.QueryRow(ctx, `SELECT `+roleColumns+` FROM user_roles r WHERE r.id = $1`, id)
	return scanRole(row)
}

// CreateRole inserts a new role.
func (r *PGRepository) CreateRole(ctx context.Context, name, description string, perms []Permission) (Role, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO user_roles AS r (name, description, permissions)
VALUES ($1, $2, $3)
RETURNING `+roleColumns, name, description, permissionStrings(perms))
	return scanRole(row)
}

// UpdateRole replaces the editable attributes of a role.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string, perms []Permission) (Role, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE user_roles AS r
SET name = $2, description = $3, permissions = $4, updated_at = NOW()
WHERE r.id = $1
RETURNING `+roleColumns, id, name, description, permissionStrings(perms))
	return scanRole(row)
}

// DeleteRole removes a role. Its assignments go with it through ON DELETE CASCADE.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rbac: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAssignment grants a role to a user. The insert and the role read
// share one transaction so the returned role is the one that was granted.
func (r *PGRepository) CreateAssignment(ctx context.Context, userID, roleID int64) (RoleAssignment, error) {
	var a RoleAssignment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO user_role_assignments (user_id, role_id)
VALUES ($1, $2)
RETURNING id, user_id, role_id, created_at, updated_at`, userID, roleID).
			Scan(&a.ID, &a.UserID, &a.Role.ID, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return mapError("create assignment", err)
		}
		role, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		a.Role = role
		return nil
	})
	if err != nil {
		return RoleAssignment{}, err
	}
	return a, nil
}

// DeleteAssignment revokes an assignment and returns what was removed.
func (r *PGRepository) DeleteAssignment(ctx context.Context, id int64) (RoleAssignment, error) {
	var a RoleAssignment
	err := r.pool.QueryRow(ctx, `
DELETE FROM user_role_assignments
WHERE id = $1
RETURNING id, user_id, role_id, created_at, updated_at`, id).
		Scan(&a.ID, &a.UserID, &a.Role.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return RoleAssignment{}, mapError("delete assignment", err)
	}
	return a, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role Role
		raw  []string
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &raw, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, mapError("scan role", err)
	}
	role.Permissions, role.rejected = splitPermissions(raw)
	return role, nil
}

func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return fmt.Errorf("rbac: %s: %w", op, err)
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

var _ Repository = (*PGRepository)(nil)
