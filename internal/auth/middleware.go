package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/frostline/frostline/internal/platform/httpx"
	"github.com/frostline/frostline/internal/shared"
)

// Verifier resolves an access token to its principal.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (*shared.Principal, error)
}

// Authenticate rejects requests without a valid bearer token and attaches
// the principal to the request context.
func Authenticate(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if !errors.Is(err, ErrInvalidToken) && logger != nil {
					logger.Error("auth verify", slog.Any("error", err))
				}
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
