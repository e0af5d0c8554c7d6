package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/frostline/frostline/internal/shared"
)

// ServiceConfig wires Service dependencies.
type ServiceConfig struct {
	Repo       Repository
	Tokens     *TokenStore
	Issuer     *TokenIssuer
	RefreshTTL time.Duration
	Logger     *slog.Logger
	// Metrics counts issued, rotated and revoked sessions. Optional.
	Metrics EventRecorder
}

// EventRecorder observes server-side session transitions.
type EventRecorder interface {
	RecordAuthEvent(event string)
}

// Service wraps authentication business rules.
type Service struct {
	repo       Repository
	tokens     *TokenStore
	issuer     *TokenIssuer
	refreshTTL time.Duration
	logger     *slog.Logger
	metrics    EventRecorder
	now        func() time.Time
}

// NewService constructs a new Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Service{
		repo:       cfg.Repo,
		tokens:     cfg.Tokens,
		issuer:     cfg.Issuer,
		refreshTTL: cfg.RefreshTTL,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Error("auth find user", slog.Any("error", err))
		}
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// SignIn authenticates and opens a new session with a fresh token pair.
func (s *Service) SignIn(ctx context.Context, email, password string, meta ClientMeta) (*Session, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	identity := Identity{ID: user.ID, Email: user.Email, FullName: user.FullName}
	sessionID := uuid.NewString()
	sess, err := s.issue(ctx, identity, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateSession(ctx, SessionRecord{
		ID:        sessionID,
		UserID:    user.ID,
		ExpiresAt: s.now().Add(s.refreshTTL),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}); err != nil {
		s.logger.Warn("register session", slog.Any("error", err))
	}
	s.record(EventSignedIn)
	return sess, nil
}

// RefreshSession rotates the token pair. The presented refresh token is
// consumed, so replaying it fails with ErrInvalidToken.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}
	rec, err := s.tokens.TakeRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.FindByID(ctx, rec.User.ID)
	if err != nil || !user.IsActive {
		return nil, ErrInvalidToken
	}
	identity := Identity{ID: user.ID, Email: user.Email, FullName: user.FullName}
	sess, err := s.issue(ctx, identity, rec.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ExtendSession(ctx, rec.SessionID, s.now().Add(s.refreshTTL)); err != nil {
		s.logger.Warn("extend session", slog.String("session_id", rec.SessionID), slog.Any("error", err))
	}
	s.record(EventTokenRefreshed)
	return sess, nil
}

// SignOut revokes both tokens of the session and closes its audit row.
// Every step is attempted; the first failure is returned.
func (s *Service) SignOut(ctx context.Context, accessToken, refreshToken string) error {
	s.record(EventSignedOut)
	var errs []error
	if refreshToken != "" {
		if err := s.tokens.DeleteRefresh(ctx, refreshToken); err != nil {
			errs = append(errs, fmt.Errorf("auth: delete refresh: %w", err))
		}
	}
	claims, err := s.issuer.Parse(accessToken)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := s.tokens.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		errs = append(errs, fmt.Errorf("auth: revoke access: %w", err))
	}
	if err := s.repo.RevokeSession(ctx, claims.SessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Verify resolves an access token to the principal it was issued for.
func (s *Service) Verify(ctx context.Context, accessToken string) (*shared.Principal, error) {
	claims, err := s.issuer.Parse(accessToken)
	if err != nil {
		return nil, err
	}
	revoked, err := s.tokens.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: deny list: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &shared.Principal{UserID: userID, Email: claims.Email, SessionID: claims.SessionID}, nil
}

// PurgeSessions removes session rows that ended before the cutoff.
func (s *Service) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.PurgeSessions(ctx, before)
}

func (s *Service) record(t EventType) {
	if s.metrics != nil {
		s.metrics.RecordAuthEvent(t.String())
	}
}

func (s *Service) issue(ctx context.Context, identity Identity, sessionID string) (*Session, error) {
	access, claims, err := s.issuer.Issue(identity, sessionID)
	if err != nil {
		return nil, err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.tokens.SaveRefresh(ctx, refresh, RefreshRecord{SessionID: sessionID, User: identity}, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("auth: save refresh: %w", err)
	}
	return &Session{
		ID:           sessionID,
		User:         identity,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}
