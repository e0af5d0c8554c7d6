package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/frostline/frostline/internal/jobs"
)

// DefaultSessionRetention keeps ended sessions for a week.
const DefaultSessionRetention = 7 * 24 * time.Hour

// SessionPurger deletes session rows that ended before a cutoff.
type SessionPurger interface {
	PurgeSessions(ctx context.Context, before time.Time) (int64, error)
}

// SessionPurgeJob removes expired and revoked sessions.
type SessionPurgeJob struct {
	Purger  SessionPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSessionPurgeJob initialises the purge handler.
func NewSessionPurgeJob(purger SessionPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionPurgeJob {
	return &SessionPurgeJob{
		Purger:  purger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one purge run.
func (j *SessionPurgeJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Purger == nil {
		return errors.New("session purge: handler not configured")
	}
	var payload SessionsPurgePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = DefaultSessionRetention
	}

	tracker := j.Metrics.Track(TaskSessionsPurge)
	defer func() {
		err = tracker.End(err)
	}()

	cutoff := j.clock().Add(-payload.Retention)
	logger := j.logger().With(slog.Time("cutoff", cutoff))
	n, err := j.Purger.PurgeSessions(ctx, cutoff)
	if err != nil {
		logger.Error("session purge failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddPurgedSessions(n)
	logger.Info("session purge completed", slog.Int64("deleted", n))
	return nil
}

func (j *SessionPurgeJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
