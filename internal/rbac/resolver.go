package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrRoleFetchFailed wraps any failure to load a user's assignments.
	ErrRoleFetchFailed = errors.New("rbac: role_fetch_failed")
	// ErrSuperseded is returned to a fetch whose result was discarded because
	// a newer fetch or a Clear started after it.
	ErrSuperseded = errors.New("rbac: fetch superseded")
)

// DefaultFetchTimeout bounds a single assignment fetch.
const DefaultFetchTimeout = 10 * time.Second

// AssignmentSource loads a user's assignments joined with their roles.
type AssignmentSource interface {
	ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error)
}

// State is an immutable view of the resolver at one point in time.
type State struct {
	UserID      int64
	HasIdentity bool
	// Loading is true until the first fetch for the current identity settles.
	Loading bool
	Err     error

	evaluator *Evaluator
}

// Assignments returns the resolved assignments.
func (s State) Assignments() []RoleAssignment { return s.evaluator.Assignments() }

// Permissions returns the deduplicated permission union.
func (s State) Permissions() []Permission { return s.evaluator.Permissions() }

// HasPermission reports whether p is granted in this state.
func (s State) HasPermission(p Permission) bool { return s.evaluator.HasPermission(p) }

// HasRole reports whether the named role is assigned in this state.
func (s State) HasRole(name string) bool { return s.evaluator.HasRole(name) }

// ResolverConfig holds optional resolver dependencies.
type ResolverConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// Notify receives fetch failures for user-visible notification.
	Notify func(error)
}

// Resolver owns the in-memory role and permission set of the active identity.
// Reads are lock-free over an atomically swapped State. Writes are ordered by
// a request generation so that only the newest fetch may publish its result.
type Resolver struct {
	source  AssignmentSource
	timeout time.Duration
	logger  *slog.Logger
	notify  func(error)

	mu    sync.Mutex
	gen   uint64
	state atomic.Pointer[State]
}

// NewResolver constructs a Resolver. It starts in the loading state with no identity.
func NewResolver(source AssignmentSource, cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Resolver{source: source, timeout: cfg.Timeout, logger: cfg.Logger, notify: cfg.Notify}
	r.state.Store(&State{Loading: true})
	return r
}

// FetchRolesFor loads the assignments of userID in one batched read and
// replaces the in-memory set with them. On failure the set is reset to empty.
func (r *Resolver) FetchRolesFor(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	prev := r.state.Load()
	next := &State{UserID: userID, HasIdentity: true, Loading: true}
	if prev.HasIdentity && prev.UserID == userID && !prev.Loading && prev.Err == nil {
		// Same identity: keep serving the settled snapshot until the refresh lands.
		next = &State{UserID: userID, HasIdentity: true, evaluator: prev.evaluator}
	}
	r.state.Store(next)
	r.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	assignments, err := r.source.ListAssignments(fetchCtx, userID)
	cancel()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		r.logger.Debug("rbac discard stale fetch", slog.Int64("user_id", userID))
		return nil, ErrSuperseded
	}
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrRoleFetchFailed, err)
		r.state.Store(&State{UserID: userID, HasIdentity: true, Err: wrapped})
		r.mu.Unlock()
		r.logger.Error("rbac fetch roles", slog.Int64("user_id", userID), slog.Any("error", err))
		if r.notify != nil {
			r.notify(wrapped)
		}
		return nil, wrapped
	}
	evaluator := NewEvaluator(assignments)
	r.state.Store(&State{UserID: userID, HasIdentity: true, evaluator: evaluator})
	r.mu.Unlock()

	for _, a := range assignments {
		if rejected := a.Role.Rejected(); len(rejected) > 0 {
			r.logger.Warn("rbac dropped unknown permissions",
				slog.String("role", a.Role.Name), slog.Any("permissions", rejected))
		}
	}
	return evaluator.Assignments(), nil
}

// RefreshPermissions re-fetches the current identity's assignments so that
// administrative role edits apply without signing out. Without an identity
// it clears the state.
func (r *Resolver) RefreshPermissions(ctx context.Context) error {
	s := r.state.Load()
	if !s.HasIdentity {
		r.Clear()
		return nil
	}
	_, err := r.FetchRolesFor(ctx, s.UserID)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

// Clear drops the identity and every permission, and invalidates in-flight fetches.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.gen++
	r.state.Store(&State{})
	r.mu.Unlock()
}

// State returns the current snapshot.
func (r *Resolver) State() State {
	return *r.state.Load()
}

// HasPermission reports whether p is currently granted. It never blocks.
func (r *Resolver) HasPermission(p Permission) bool {
	return r.state.Load().evaluator.HasPermission(p)
}

// HasRole reports whether the named role is currently assigned. It never blocks.
func (r *Resolver) HasRole(name string) bool {
	return r.state.Load().evaluator.HasRole(name)
}

// IsLoading reports whether the initial fetch for the identity is in flight.
func (r *Resolver) IsLoading() bool {
	return r.state.Load().Loading
}

// Err returns the last fetch error, if the current state came from a failure.
func (r *Resolver) Err() error {
	return r.state.Load().Err
}

// Gate evaluates required permissions against the current snapshot.
func (r *Resolver) Gate(required ...Permission) Decision {
	return Gate(r.State(), required...)
}
