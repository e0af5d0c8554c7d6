// Package access ties the session store, the role resolver and the change
// notifier into one client context with an explicit lifecycle.
package access

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/frostline/frostline/internal/auth"
	"github.com/frostline/frostline/internal/rbac"
	"github.com/frostline/frostline/internal/realtime"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("access: context closed")

// AuthView is the consumer view of the session state.
type AuthView struct {
	User    *auth.Identity
	Session *auth.Session
	Loading bool
	Err     error
}

// Config tunes a Context.
type Config struct {
	Logger *slog.Logger
}

// Context owns one client's session, permissions and change feeds.
//
// A session becoming available triggers a role fetch, sign-out clears the
// permissions, and role or assignment changes for the active identity
// trigger a permission refresh.
type Context struct {
	store    *auth.Store
	resolver *rbac.Resolver
	notifier *realtime.Notifier
	logger   *slog.Logger

	mu          sync.Mutex
	started     bool
	closed      bool
	lifetime    context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	watchers    sync.WaitGroup

	// syncMu serializes role resolution triggered by sign-in paths.
	syncMu sync.Mutex
}

// New assembles a Context. The Context takes ownership of all three parts
// and releases them on Close.
func New(store *auth.Store, resolver *rbac.Resolver, notifier *realtime.Notifier, cfg Config) *Context {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Context{store: store, resolver: resolver, notifier: notifier, logger: cfg.Logger}
}

// Start loads the persisted session, resolves its roles and subscribes to
// role changes. Start never fails on backend errors: those surface through
// Auth().Err and RBAC().Err(). Calling Start twice is a no-op.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.lifetime, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	unsubscribe := c.store.Subscribe(c.onAuthEvent)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if sess := c.store.Current(ctx); sess != nil {
		c.sync(ctx, sess)
	} else {
		c.resolver.Clear()
	}

	for _, table := range []string{rbac.RolesTable, rbac.AssignmentsTable} {
		sub, err := c.notifier.Subscribe(ctx, table, realtime.Options{Event: realtime.EventAll})
		if err != nil {
			return err
		}
		if sub == nil {
			c.logger.Info("access role changes not watched", slog.String("table", table))
			continue
		}
		c.watchers.Add(1)
		go c.watch(sub)
	}
	return nil
}

// Close releases every subscription, stops event delivery and waits for
// in-flight work. It is safe to call more than once.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe, cancel := c.unsubscribe, c.cancel
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.notifier.Close()
	c.watchers.Wait()
	c.store.Close()
}

// Auth returns the current session state, applying the expiry policy.
func (c *Context) Auth(ctx context.Context) AuthView {
	sess := c.store.Current(ctx)
	view := AuthView{Session: sess, Loading: c.store.Loading(), Err: c.store.Err()}
	if sess != nil {
		user := sess.User
		view.User = &user
	}
	return view
}

// SignIn opens a session and resolves its roles before returning.
func (c *Context) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	sess, err := c.store.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.sync(ctx, sess)
	return sess, nil
}

// SignOut ends the session. No identity or permission is observable after
// it returns, even when the server side revoke fails.
func (c *Context) SignOut(ctx context.Context) error {
	err := c.store.SignOut(ctx)
	c.syncMu.Lock()
	c.resolver.Clear()
	c.syncMu.Unlock()
	return err
}

// RBAC exposes the role resolver.
func (c *Context) RBAC() *rbac.Resolver { return c.resolver }

// Realtime exposes the change notifier.
func (c *Context) Realtime() *realtime.Notifier { return c.notifier }

// sync fetches roles for the session's user unless they are already
// resolved for that user. Sessions that are no longer live are ignored.
func (c *Context) sync(ctx context.Context, sess *auth.Session) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if !c.isLive(sess) {
		c.logger.Debug("access skip stale session", slog.Int64("user_id", sess.User.ID))
		return
	}
	st := c.resolver.State()
	if st.HasIdentity && st.UserID == sess.User.ID && !st.Loading && st.Err == nil {
		return
	}
	if _, err := c.resolver.FetchRolesFor(ctx, sess.User.ID); err != nil && !errors.Is(err, rbac.ErrSuperseded) {
		c.logger.Warn("access resolve roles", slog.Int64("user_id", sess.User.ID), slog.Any("error", err))
	}
}

// isLive reports whether sess belongs to the user of the store's current session.
func (c *Context) isLive(sess *auth.Session) bool {
	current := c.store.Peek()
	return sess != nil && current != nil && current.User.ID == sess.User.ID
}

func (c *Context) onAuthEvent(e auth.Event) {
	switch e.Type {
	case auth.EventSignedIn, auth.EventTokenRefreshed:
		if e.Session != nil {
			c.sync(c.lifetime, e.Session)
		}
	case auth.EventSignedOut:
		c.syncMu.Lock()
		if c.store.Peek() == nil {
			c.resolver.Clear()
		}
		c.syncMu.Unlock()
	}
}

func (c *Context) watch(sub *realtime.Subscription) {
	defer c.watchers.Done()
	for change := range sub.Events() {
		if !c.affectsCurrent(change) {
			continue
		}
		if err := c.resolver.RefreshPermissions(c.lifetime); err != nil {
			c.logger.Warn("access refresh permissions", slog.String("table", change.Table), slog.Any("error", err))
		}
	}
	c.logger.Debug("access change feed ended", slog.String("table", sub.Table))
}

// affectsCurrent reports whether a change can alter the active identity's
// permissions. Rows that cannot be attributed are treated as relevant.
func (c *Context) affectsCurrent(change realtime.Change) bool {
	st := c.resolver.State()
	if !st.HasIdentity {
		return false
	}
	rows := []map[string]any{change.New, change.Old}
	switch change.Table {
	case rbac.AssignmentsTable:
		attributed := false
		for _, row := range rows {
			if userID, ok := (realtime.Change{New: row}).Int64("user_id"); ok {
				attributed = true
				if userID == st.UserID {
					return true
				}
			}
		}
		return !attributed
	case rbac.RolesTable:
		if change.Type == realtime.EventInsert {
			return false
		}
		held := make(map[int64]struct{})
		for _, a := range st.Assignments() {
			held[a.Role.ID] = struct{}{}
		}
		attributed := false
		for _, row := range rows {
			if roleID, ok := (realtime.Change{New: row}).Int64("id"); ok {
				attributed = true
				if _, ok := held[roleID]; ok {
					return true
				}
			}
		}
		return !attributed
	}
	return false
}
