package realtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransportRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	transport := NewRedisTransport(client, nil)
	n := NewNotifier(context.Background(), transport, Config{})
	t.Cleanup(n.Close)
	require.True(t, n.Available())

	sub, err := n.Subscribe(context.Background(), "user_roles", Options{Filter: "id=eq.4"})
	require.NoError(t, err)
	require.NotNil(t, sub)

	ctx := context.Background()
	require.NoError(t, transport.Publish(ctx, Change{Table: "user_roles", Type: EventUpdate, New: map[string]any{"id": 3}}))
	require.NoError(t, transport.Publish(ctx, Change{Table: "user_roles", Type: EventUpdate, New: map[string]any{"id": 4, "name": "Dispatcher"}}))

	c := next(t, sub)
	assert.Equal(t, "public", c.Schema)
	assert.Equal(t, "Dispatcher", c.New["name"])
	assert.False(t, c.CommitTimestamp.IsZero())

	sub.Close()
	assert.Zero(t, n.Active())
}

func TestRedisTransportUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	n := NewNotifier(context.Background(), NewRedisTransport(client, nil), Config{})
	assert.False(t, n.Available())
}
