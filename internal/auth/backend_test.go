package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostline/frostline/internal/auth"
)

func TestClientBackendPersistsSessionAcrossRestarts(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()
	backend := auth.NewClientBackend(fx.service, fx.client, "van-12", auth.ClientMeta{UserAgent: "dispatch-app"})

	none, err := backend.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	sess, err := backend.SignIn(ctx, "tech@frostline.test", testPassword)
	require.NoError(t, err)
	assert.True(t, fx.redis.Exists("auth:client:van-12"))

	restarted := auth.NewClientBackend(fx.service, fx.client, "van-12", auth.ClientMeta{})
	loaded, err := restarted.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sess.AccessToken, loaded.AccessToken)
	assert.Equal(t, sess.RefreshToken, loaded.RefreshToken)
	assert.True(t, sess.ExpiresAt.Equal(loaded.ExpiresAt))
}

func TestClientBackendRefreshReplacesPersistedSession(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()
	backend := auth.NewClientBackend(fx.service, fx.client, "van-12", auth.ClientMeta{})

	sess, err := backend.SignIn(ctx, "tech@frostline.test", testPassword)
	require.NoError(t, err)
	next, err := backend.RefreshSession(ctx, sess.RefreshToken)
	require.NoError(t, err)

	loaded, err := backend.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.RefreshToken, loaded.RefreshToken)

	_, err = backend.RefreshSession(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.False(t, fx.redis.Exists("auth:client:van-12"))
}

func TestClientBackendSignOut(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()
	backend := auth.NewClientBackend(fx.service, fx.client, "van-12", auth.ClientMeta{})

	sess, err := backend.SignIn(ctx, "tech@frostline.test", testPassword)
	require.NoError(t, err)
	require.NoError(t, backend.SignOut(ctx, sess))
	assert.False(t, fx.redis.Exists("auth:client:van-12"))

	_, err = fx.service.Verify(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	require.NoError(t, backend.SignOut(ctx, nil))
}

func TestStoreOverClientBackend(t *testing.T) {
	fx := newFixture(t, time.Hour)
	ctx := context.Background()
	backend := auth.NewClientBackend(fx.service, fx.client, "van-12", auth.ClientMeta{})

	store := auth.NewStore(backend, auth.StoreConfig{})
	assert.Nil(t, store.Current(ctx))
	assert.NoError(t, store.Err())

	sess, err := store.SignIn(ctx, "tech@frostline.test", testPassword)
	require.NoError(t, err)
	store.Close()

	resumed := auth.NewStore(backend, auth.StoreConfig{})
	defer resumed.Close()
	current := resumed.Current(ctx)
	require.NotNil(t, current)
	assert.Equal(t, sess.AccessToken, current.AccessToken)

	require.NoError(t, resumed.SignOut(ctx))
	assert.Nil(t, resumed.Current(ctx))
}
