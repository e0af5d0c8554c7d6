package rbac

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/frostline/frostline/internal/realtime"
)

// Tables whose changes alter effective permissions.
const (
	RolesTable       = "user_roles"
	AssignmentsTable = "user_role_assignments"
)

// PermissionCache memoises per-user evaluators for the HTTP middleware.
// Entries expire after the TTL and are dropped early on role changes.
type PermissionCache struct {
	lru    *expirable.LRU[int64, *Evaluator]
	logger *slog.Logger
}

// NewPermissionCache constructs a cache holding up to size users.
func NewPermissionCache(size int, ttl time.Duration, logger *slog.Logger) *PermissionCache {
	if size <= 0 {
		size = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionCache{lru: expirable.NewLRU[int64, *Evaluator](size, nil, ttl), logger: logger}
}

// Get returns the cached evaluator for userID.
func (c *PermissionCache) Get(userID int64) (*Evaluator, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(userID)
}

// Put stores an evaluator for userID.
func (c *PermissionCache) Put(userID int64, e *Evaluator) {
	if c == nil {
		return
	}
	c.lru.Add(userID, e)
}

// Invalidate drops the entry for userID.
func (c *PermissionCache) Invalidate(userID int64) {
	if c == nil {
		return
	}
	c.lru.Remove(userID)
}

// Purge drops every entry.
func (c *PermissionCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Len reports the number of live entries.
func (c *PermissionCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Apply invalidates whatever a change may have affected. A role edit can
// touch any holder of the role, so it purges everything.
func (c *PermissionCache) Apply(change realtime.Change) {
	switch change.Table {
	case RolesTable:
		c.Purge()
	case AssignmentsTable:
		for _, row := range []map[string]any{change.New, change.Old} {
			if id, ok := (realtime.Change{New: row}).Int64("user_id"); ok {
				c.Invalidate(id)
			}
		}
	}
}

// Watch applies changes from sub until ctx ends or the subscription closes.
func (c *PermissionCache) Watch(ctx context.Context, sub *realtime.Subscription) {
	if sub == nil {
		return
	}
	for {
		change, err := sub.Next(ctx)
		if err != nil {
			c.logger.Debug("rbac cache watch stopped", slog.String("table", sub.Table), slog.Any("error", err))
			return
		}
		c.Apply(change)
	}
}
