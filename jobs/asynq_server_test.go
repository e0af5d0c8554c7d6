package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEnqueueSessionsPurge(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	info, err := client.EnqueueSessionsPurge(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TaskSessionsPurge, info.Type)
	assert.Equal(t, QueueDefault, info.Queue)
	assert.Equal(t, 3, info.MaxRetry)

	var payload SessionsPurgePayload
	require.NoError(t, json.Unmarshal(info.Payload, &payload))
	assert.Equal(t, 48*time.Hour, payload.Retention)

	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID}, pending)
}
