package auth_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostline/frostline/internal/auth"
)

// ============================================================================
// FAKE BACKEND
// ============================================================================

type fakeBackend struct {
	mu           sync.Mutex
	stored       *auth.Session
	getErr       error
	refreshErr   error
	refreshGate  chan struct{}
	refreshCalls int
	signOutErr   error
	signOuts     int
	serial       int
}

func (b *fakeBackend) session(expiresIn time.Duration) *auth.Session {
	b.serial++
	n := strconv.Itoa(b.serial)
	return &auth.Session{
		ID:           "sess-1",
		User:         auth.Identity{ID: 42, Email: "tech@frostline.test"},
		AccessToken:  "access-" + n,
		RefreshToken: "refresh-" + n,
		ExpiresAt:    time.Now().Add(expiresIn),
	}
}

func (b *fakeBackend) GetSession(ctx context.Context) (*auth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stored, b.getErr
}

func (b *fakeBackend) RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error) {
	b.mu.Lock()
	gate := b.refreshGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCalls++
	if b.refreshErr != nil {
		return nil, b.refreshErr
	}
	b.stored = b.session(time.Hour)
	return b.stored, nil
}

func (b *fakeBackend) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if password != "correct-horse" {
		return nil, errors.New("invalid credentials")
	}
	b.stored = b.session(time.Hour)
	return b.stored, nil
}

func (b *fakeBackend) SignOut(ctx context.Context, sess *auth.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signOuts++
	b.stored = nil
	return b.signOutErr
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.EventType
}

func (l *eventLog) record(e auth.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e.Type)
}

func (l *eventLog) snapshot() []auth.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]auth.EventType, len(l.events))
	copy(out, l.events)
	return out
}

func newStore(t *testing.T, backend *fakeBackend, cfg auth.StoreConfig) (*auth.Store, *eventLog) {
	t.Helper()
	store := auth.NewStore(backend, cfg)
	log := &eventLog{}
	store.Subscribe(log.record)
	return store, log
}

// ============================================================================
// TESTS
// ============================================================================

func TestStoreBootstrapFailureIsSilent(t *testing.T) {
	backend := &fakeBackend{getErr: errors.New("backend unreachable")}
	store, _ := newStore(t, backend, auth.StoreConfig{})
	defer store.Close()

	assert.True(t, store.Loading())
	assert.Nil(t, store.Current(context.Background()))
	assert.False(t, store.Loading())
	assert.EqualError(t, store.Err(), "backend unreachable")
}

func TestStoreReturnsFreshSessionWithoutRefresh(t *testing.T) {
	backend := &fakeBackend{}
	backend.stored = backend.session(time.Hour)
	store, _ := newStore(t, backend, auth.StoreConfig{})
	defer store.Close()

	sess := store.Current(context.Background())
	require.NotNil(t, sess)
	assert.Equal(t, "access-1", sess.AccessToken)
	store.Close()
	assert.Zero(t, backend.calls())
}

func TestStoreExpiredSessionRefreshesSynchronously(t *testing.T) {
	backend := &fakeBackend{}
	backend.stored = backend.session(-time.Minute)
	store, log := newStore(t, backend, auth.StoreConfig{})

	sess := store.Current(context.Background())
	require.NotNil(t, sess)
	assert.Equal(t, "access-2", sess.AccessToken)
	assert.Equal(t, 1, backend.calls())

	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventTokenRefreshed}, log.snapshot())
}

func TestStoreExpiredSessionRefreshFailureSignsOut(t *testing.T) {
	backend := &fakeBackend{refreshErr: auth.ErrInvalidToken}
	backend.stored = backend.session(-time.Minute)
	store, log := newStore(t, backend, auth.StoreConfig{})

	assert.Nil(t, store.Current(context.Background()))
	assert.Nil(t, store.Peek())
	assert.ErrorIs(t, store.Err(), auth.ErrSessionExpired)
	assert.ErrorIs(t, store.Err(), auth.ErrInvalidToken)

	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, log.snapshot())
}

func TestStoreNearExpiryRefreshesInBackground(t *testing.T) {
	backend := &fakeBackend{refreshGate: make(chan struct{})}
	backend.stored = backend.session(10 * time.Minute)
	store, log := newStore(t, backend, auth.StoreConfig{Horizon: 15 * time.Minute})

	first := store.Current(context.Background())
	require.NotNil(t, first)
	assert.Equal(t, "access-1", first.AccessToken)

	again := store.Current(context.Background())
	assert.Equal(t, "access-1", again.AccessToken)

	close(backend.refreshGate)
	require.Eventually(t, func() bool {
		return store.Peek().AccessToken == "access-2"
	}, time.Second, 5*time.Millisecond)

	next := store.Current(context.Background())
	assert.Equal(t, "access-2", next.AccessToken)
	assert.NoError(t, store.Err())
	assert.Equal(t, 1, backend.calls())

	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventTokenRefreshed}, log.snapshot())
}

func TestStoreDefaultHorizonIsFiveMinutes(t *testing.T) {
	backend := &fakeBackend{}
	backend.stored = backend.session(10 * time.Minute)
	store, _ := newStore(t, backend, auth.StoreConfig{})

	require.NotNil(t, store.Current(context.Background()))
	store.Close()
	assert.Zero(t, backend.calls())

	backend = &fakeBackend{}
	backend.stored = backend.session(4 * time.Minute)
	store, _ = newStore(t, backend, auth.StoreConfig{})
	require.NotNil(t, store.Current(context.Background()))
	store.Close()
	assert.Equal(t, 1, backend.calls())
}

func TestStoreBackgroundFailureIsSilentThenForcesSignOut(t *testing.T) {
	backend := &fakeBackend{refreshErr: errors.New("gateway timeout")}
	backend.stored = backend.session(2 * time.Minute)
	store, log := newStore(t, backend, auth.StoreConfig{MaxSilentFailures: 3})

	require.NotNil(t, store.Current(context.Background()))
	require.Eventually(t, func() bool { return backend.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, store.Err())
	assert.NotNil(t, store.Peek())

	require.Eventually(t, func() bool {
		store.Current(context.Background())
		return store.Peek() == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, backend.calls())
	assert.ErrorIs(t, store.Err(), auth.ErrSessionExpired)
	assert.Nil(t, store.Current(context.Background()))

	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, log.snapshot())
}

func TestStoreBackgroundResultDiscardedAfterSignOut(t *testing.T) {
	backend := &fakeBackend{refreshGate: make(chan struct{})}
	backend.stored = backend.session(time.Minute)
	store, log := newStore(t, backend, auth.StoreConfig{})

	require.NotNil(t, store.Current(context.Background()))
	require.NoError(t, store.SignOut(context.Background()))
	close(backend.refreshGate)
	store.Close()

	assert.Nil(t, store.Peek())
	assert.Equal(t, []auth.EventType{auth.EventSignedOut}, log.snapshot())
}

func TestStoreSignInAndSignOutBroadcastInOrder(t *testing.T) {
	backend := &fakeBackend{}
	store, log := newStore(t, backend, auth.StoreConfig{})

	_, err := store.SignIn(context.Background(), "tech@frostline.test", "wrong")
	require.Error(t, err)
	assert.Nil(t, store.Peek())

	sess, err := store.SignIn(context.Background(), "tech@frostline.test", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, sess, store.Current(context.Background()))
	require.NoError(t, store.SignOut(context.Background()))
	_, err = store.SignIn(context.Background(), "tech@frostline.test", "correct-horse")
	require.NoError(t, err)

	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventSignedOut, auth.EventSignedIn}, log.snapshot())
}

func TestStoreSignOutClearsLocallyWhenRevokeFails(t *testing.T) {
	backend := &fakeBackend{signOutErr: errors.New("revoke failed")}
	store, log := newStore(t, backend, auth.StoreConfig{})
	_, err := store.SignIn(context.Background(), "tech@frostline.test", "correct-horse")
	require.NoError(t, err)

	err = store.SignOut(context.Background())
	require.EqualError(t, err, "revoke failed")
	assert.Nil(t, store.Peek())
	assert.Nil(t, store.Current(context.Background()))
	assert.EqualError(t, store.Err(), "revoke failed")

	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventSignedOut}, log.snapshot())
}

func TestStoreConcurrentExpiredCallsShareOneRefresh(t *testing.T) {
	backend := &fakeBackend{refreshGate: make(chan struct{})}
	backend.stored = backend.session(-time.Second)
	store, log := newStore(t, backend, auth.StoreConfig{})
	require.Nil(t, store.Peek())

	var wg sync.WaitGroup
	results := make([]*auth.Session, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Current(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(backend.refreshGate)
	wg.Wait()

	for _, sess := range results {
		require.NotNil(t, sess)
		assert.Equal(t, "access-2", sess.AccessToken)
	}
	assert.Equal(t, 1, backend.calls())
	store.Close()
	assert.Equal(t, []auth.EventType{auth.EventTokenRefreshed}, log.snapshot())
}

func TestStoreUnsubscribeStopsDelivery(t *testing.T) {
	backend := &fakeBackend{}
	store := auth.NewStore(backend, auth.StoreConfig{})
	log := &eventLog{}
	unsubscribe := store.Subscribe(log.record)
	unsubscribe()
	unsubscribe()

	_, err := store.SignIn(context.Background(), "tech@frostline.test", "correct-horse")
	require.NoError(t, err)
	store.Close()
	assert.Empty(t, log.snapshot())
}
