package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frostline/frostline/internal/platform/httpx"
	"github.com/frostline/frostline/internal/shared"
)

// EvaluatorSource yields a permission snapshot for a user.
type EvaluatorSource interface {
	Evaluator(ctx context.Context, userID int64) (*Evaluator, error)
}

// DecisionRecorder observes authorization outcomes.
type DecisionRecorder interface {
	RecordPermissionDecision(mode string, allowed bool)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Source  EvaluatorSource
	Logger  *slog.Logger
	Metrics DecisionRecorder
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return m.require("any", perms, (*Evaluator).HasAny)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	return m.require("all", perms, (*Evaluator).HasAll)
}

func (m Middleware) require(mode string, perms []Permission, check func(*Evaluator, ...Permission) bool) func(http.Handler) http.Handler {
	required := normalize(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				m.record(mode, false)
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			evaluator, err := m.Source.Evaluator(r.Context(), principal.UserID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac require "+mode, slog.Int64("user_id", principal.UserID), slog.Any("error", err))
				}
				m.record(mode, false)
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if check(evaluator, required...) {
				m.record(mode, true)
				next.ServeHTTP(w, r)
				return
			}
			m.record(mode, false)
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission: "+joinPermissions(required))
		})
	}
}

func (m Middleware) record(mode string, allowed bool) {
	if m.Metrics != nil {
		m.Metrics.RecordPermissionDecision(mode, allowed)
	}
}

func joinPermissions(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
