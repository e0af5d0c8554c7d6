package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/frostline/frostline/internal/access"
	"github.com/frostline/frostline/internal/rbac"
)

// Exit codes shared by the session commands.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitSignedOut = 3
	ExitDenied    = 10
)

// SessionCLI drives a persisted client session from the command line.
type SessionCLI struct {
	access *access.Context
}

// NewSessionCLI wraps a started or unstarted access context.
func NewSessionCLI(ac *access.Context) *SessionCLI {
	return &SessionCLI{access: ac}
}

// SessionOptions controls command output.
type SessionOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// SessionSummary is the JSON shape printed by whoami and login.
type SessionSummary struct {
	SignedIn    bool       `json:"signed_in"`
	UserID      int64      `json:"user_id,omitempty"`
	Email       string     `json:"email,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Roles       []string   `json:"roles"`
	Permissions []string   `json:"permissions"`
	Error       string     `json:"error,omitempty"`
}

// LoginCommand signs in and prints the resolved identity.
func (c *SessionCLI) LoginCommand(ctx context.Context, email, password string, opts SessionOptions) int {
	opts = opts.withDefaults()
	if strings.TrimSpace(email) == "" || password == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "session login: --email and --password are required")
		return ExitFailure
	}
	if err := c.access.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "session login: %v\n", err)
		return ExitFailure
	}
	if _, err := c.access.SignIn(ctx, email, password); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "session login: %v\n", err)
		return ExitFailure
	}
	return c.print(ctx, opts)
}

// WhoAmICommand resumes the persisted session and prints it. It exits with
// ExitSignedOut when no session is active.
func (c *SessionCLI) WhoAmICommand(ctx context.Context, opts SessionOptions) int {
	opts = opts.withDefaults()
	if err := c.access.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "session whoami: %v\n", err)
		return ExitFailure
	}
	return c.print(ctx, opts)
}

// CanCommand gates on every permission in perms.
func (c *SessionCLI) CanCommand(ctx context.Context, perms []string, opts SessionOptions) int {
	opts = opts.withDefaults()
	required, err := rbac.ParsePermissions(perms)
	if err != nil || len(required) == 0 {
		_, _ = fmt.Fprintf(opts.Stderr, "session can: invalid permissions %q\n", strings.Join(perms, ","))
		return ExitFailure
	}
	if err := c.access.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "session can: %v\n", err)
		return ExitFailure
	}
	decision := c.access.RBAC().Gate(required...)
	_, _ = fmt.Fprintln(opts.Stdout, decision)
	if decision != rbac.GateAllowed {
		return ExitDenied
	}
	return ExitOK
}

// LogoutCommand ends the persisted session. A failed server-side revoke is
// reported but the local session is gone regardless.
func (c *SessionCLI) LogoutCommand(ctx context.Context, opts SessionOptions) int {
	opts = opts.withDefaults()
	if err := c.access.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "session logout: %v\n", err)
		return ExitFailure
	}
	if err := c.access.SignOut(ctx); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "session logout: revoke failed: %v\n", err)
		return ExitFailure
	}
	return ExitOK
}

func (c *SessionCLI) print(ctx context.Context, opts SessionOptions) int {
	summary := c.summarize(ctx)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "session: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderSessionHuman(opts.Stdout, summary)
	}
	if !summary.SignedIn {
		return ExitSignedOut
	}
	return ExitOK
}

func (c *SessionCLI) summarize(ctx context.Context) SessionSummary {
	view := c.access.Auth(ctx)
	summary := SessionSummary{Roles: []string{}, Permissions: []string{}}
	if view.Err != nil {
		summary.Error = view.Err.Error()
	}
	if view.User == nil || view.Session == nil {
		return summary
	}
	summary.SignedIn = true
	summary.UserID = view.User.ID
	summary.Email = view.User.Email
	expires := view.Session.ExpiresAt.UTC()
	summary.ExpiresAt = &expires

	state := c.access.RBAC().State()
	if state.Err != nil {
		summary.Error = state.Err.Error()
	}
	for _, a := range state.Assignments() {
		summary.Roles = append(summary.Roles, a.Role.Name)
	}
	sort.Strings(summary.Roles)
	for _, p := range state.Permissions() {
		summary.Permissions = append(summary.Permissions, p.String())
	}
	return summary
}

func renderSessionHuman(w io.Writer, s SessionSummary) {
	if !s.SignedIn {
		_, _ = fmt.Fprintln(w, "not signed in")
		if s.Error != "" {
			_, _ = fmt.Fprintf(w, "last error: %s\n", s.Error)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "user:        %s (#%d)\n", s.Email, s.UserID)
	_, _ = fmt.Fprintf(w, "expires:     %s\n", s.ExpiresAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "roles:       %s\n", joinOrNone(s.Roles))
	_, _ = fmt.Fprintf(w, "permissions: %s\n", joinOrNone(s.Permissions))
	if s.Error != "" {
		_, _ = fmt.Fprintf(w, "warning:     %s\n", s.Error)
	}
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
