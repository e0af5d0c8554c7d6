package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed, expired, revoked or rotated token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrSessionExpired indicates the session could not be kept alive.
	ErrSessionExpired = errors.New("auth: session expired")
)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is the principal a session belongs to.
type Identity struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// Session is an authenticated identity with its token pair.
type Session struct {
	ID           string    `json:"id"`
	User         Identity  `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresIn reports the remaining lifetime of the access token.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Expired reports whether the access token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ClientMeta describes where a sign-in came from.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// SessionRecord is the persisted audit row of a session.
type SessionRecord struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
	IP        string
	UserAgent string
}
