package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/frostline/frostline/internal/auth"
	"github.com/frostline/frostline/internal/shared"
	_ "github.com/frostline/frostline/testing"
)

const (
	testSecret   = "frostline-test-secret-0123456789abcdef"
	testPassword = "correct-horse"
)

type stubRepo struct {
	mu       sync.Mutex
	users    map[string]*auth.User
	sessions map[string]auth.SessionRecord
	revoked  map[string]bool
}

func newStubRepo(t *testing.T) *stubRepo {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubRepo{
		users: map[string]*auth.User{
			"tech@frostline.test": {
				ID:           42,
				Email:        "tech@frostline.test",
				FullName:     "Field Technician",
				PasswordHash: string(hash),
				IsActive:     true,
			},
			"gone@frostline.test": {
				ID:           7,
				Email:        "gone@frostline.test",
				PasswordHash: string(hash),
				IsActive:     false,
			},
		},
		sessions: make(map[string]auth.SessionRecord),
		revoked:  make(map[string]bool),
	}
}

func (r *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[strings.ToLower(email)]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, shared.ErrNotFound
}

func (r *stubRepo) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID == id {
			clone := *u
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *stubRepo) CreateSession(ctx context.Context, rec auth.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[rec.ID] = rec
	return nil
}

func (r *stubRepo) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return shared.ErrNotFound
	}
	rec.ExpiresAt = expiresAt
	r.sessions[id] = rec
	return nil
}

func (r *stubRepo) RevokeSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[id] = true
	return nil
}

func (r *stubRepo) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.sessions {
		if rec.ExpiresAt.Before(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *stubRepo) deactivate(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[email].IsActive = false
}

type fixture struct {
	service *auth.Service
	repo    *stubRepo
	redis   *miniredis.Miniredis
	client  *redis.Client
	events  *eventCounter
}

type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *eventCounter) RecordAuthEvent(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[event]++
}

func (c *eventCounter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func newFixture(t *testing.T, accessTTL time.Duration) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newStubRepo(t)
	events := &eventCounter{counts: make(map[string]int)}
	service := auth.NewService(auth.ServiceConfig{
		Repo:       repo,
		Tokens:     auth.NewTokenStore(client),
		Issuer:     auth.NewTokenIssuer(testSecret, "frostline", accessTTL),
		RefreshTTL: 24 * time.Hour,
		Metrics:    events,
	})
	return &fixture{service: service, repo: repo, redis: mr, client: client, events: events}
}

func TestServiceSignInIssuesVerifiableSession(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, " Tech@Frostline.test ", testPassword, auth.ClientMeta{IP: "10.0.0.1", UserAgent: "dispatch-app"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.Equal(t, int64(42), sess.User.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)
	assert.Contains(t, fx.repo.sessions, sess.ID)
	assert.Equal(t, "10.0.0.1", fx.repo.sessions[sess.ID].IP)

	principal, err := fx.service.Verify(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, &shared.Principal{UserID: 42, Email: "tech@frostline.test", SessionID: sess.ID}, principal)
}

func TestServiceRejectsInvalidCredentials(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	cases := map[string]struct{ email, password string }{
		"unknown user":   {"nobody@frostline.test", testPassword},
		"wrong password": {"tech@frostline.test", "wrong-password"},
		"inactive user":  {"gone@frostline.test", testPassword},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fx.service.SignIn(ctx, tc.email, tc.password, auth.ClientMeta{})
			assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
		})
	}
}

func TestServiceRefreshRotatesTokens(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)

	next, err := fx.service.RefreshSession(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, next.ID)
	assert.NotEqual(t, sess.AccessToken, next.AccessToken)
	assert.NotEqual(t, sess.RefreshToken, next.RefreshToken)

	_, err = fx.service.RefreshSession(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = fx.service.RefreshSession(ctx, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestServiceRefreshFailsForDeactivatedUser(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)
	fx.repo.deactivate("tech@frostline.test")

	_, err = fx.service.RefreshSession(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestServiceRefreshTokenExpires(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)
	fx.redis.FastForward(25 * time.Hour)

	_, err = fx.service.RefreshSession(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestServiceSignOutRevokesBothTokens(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)

	require.NoError(t, fx.service.SignOut(ctx, sess.AccessToken, sess.RefreshToken))
	assert.True(t, fx.repo.revoked[sess.ID])

	_, err = fx.service.Verify(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = fx.service.RefreshSession(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestServiceSignOutWithGarbageAccessTokenStillDropsRefresh(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)

	err = fx.service.SignOut(ctx, "not-a-jwt", sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = fx.service.RefreshSession(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestServiceVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	fx := newFixture(t, -time.Minute)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)
	_, err = fx.service.Verify(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	foreign := auth.NewTokenIssuer("another-secret-0123456789abcdefghij", "frostline", time.Hour)
	token, _, err := foreign.Issue(auth.Identity{ID: 42, Email: "tech@frostline.test"}, "sess")
	require.NoError(t, err)
	_, err = fx.service.Verify(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := auth.NewTokenIssuer(testSecret, "frostline", 15*time.Minute)
	token, claims, err := issuer.Issue(auth.Identity{ID: 9, Email: "ops@frostline.test"}, "sess-9")
	require.NoError(t, err)

	parsed, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, parsed.ID)
	assert.Equal(t, "sess-9", parsed.SessionID)
	id, err := parsed.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	other := auth.NewTokenIssuer(testSecret, "someone-else", 15*time.Minute)
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestServicePurgeSessions(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	fx.repo.sessions["old"] = auth.SessionRecord{ID: "old", UserID: 42, ExpiresAt: time.Now().Add(-48 * time.Hour)}
	fx.repo.sessions["live"] = auth.SessionRecord{ID: "live", UserID: 42, ExpiresAt: time.Now().Add(time.Hour)}

	n, err := fx.service.PurgeSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, fx.repo.sessions, "live")
}

func TestNewRefreshTokenIsRandom(t *testing.T) {
	a, err := auth.NewRefreshToken()
	require.NoError(t, err)
	b, err := auth.NewRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

func TestServiceRecordsSessionEvents(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()

	sess, err := fx.service.SignIn(ctx, "tech@frostline.test", testPassword, auth.ClientMeta{})
	require.NoError(t, err)
	_, err = fx.service.SignIn(ctx, "tech@frostline.test", "wrong-password", auth.ClientMeta{})
	require.Error(t, err)
	next, err := fx.service.RefreshSession(ctx, sess.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, fx.service.SignOut(ctx, next.AccessToken, next.RefreshToken))

	assert.Equal(t, map[string]int{"signed_in": 1, "token_refreshed": 1, "signed_out": 1}, fx.events.snapshot())
}
