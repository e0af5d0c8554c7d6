package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/frostline/frostline/internal/jobs"
)

type fakePurger struct {
	before  time.Time
	deleted int64
	err     error
}

func (f *fakePurger) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.deleted, f.err
}

func newTestPurgeJob(purger SessionPurger) (*SessionPurgeJob, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	job := NewSessionPurgeJob(purger, nil, jobmetrics.NewMetrics(registry))
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }
	return job, registry
}

func TestSessionPurgeUsesRetention(t *testing.T) {
	purger := &fakePurger{deleted: 12}
	job, registry := newTestPurgeJob(purger)

	task, err := NewSessionsPurgeTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, time.Date(2026, 2, 27, 3, 0, 0, 0, time.UTC), purger.before)
	count, err := testutil.GatherAndCount(registry, "frostline_sessions_purged_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSessionPurgeDefaultsRetention(t *testing.T) {
	purger := &fakePurger{}
	job, _ := newTestPurgeJob(purger)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskSessionsPurge, nil)))
	assert.Equal(t, time.Date(2026, 2, 22, 3, 0, 0, 0, time.UTC), purger.before)
}

func TestSessionPurgeFailures(t *testing.T) {
	purger := &fakePurger{err: errors.New("db down")}
	job, registry := newTestPurgeJob(purger)

	err := job.Handle(context.Background(), asynq.NewTask(TaskSessionsPurge, []byte(`{}`)))
	require.EqualError(t, err, "db down")
	count, err := testutil.GatherAndCount(registry, "frostline_jobs_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = job.Handle(context.Background(), asynq.NewTask(TaskSessionsPurge, []byte(`not json`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	var nilJob *SessionPurgeJob
	assert.Error(t, nilJob.Handle(context.Background(), asynq.NewTask(TaskSessionsPurge, nil)))
}

func TestJobsHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, QueueDefault, body.Queue)
}
