package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionsPurge deletes expired and revoked auth session rows.
	TaskSessionsPurge = "auth:sessions:purge"
)

// SessionsPurgePayload configures a purge run.
type SessionsPurgePayload struct {
	// Retention keeps ended sessions this long for auditing.
	Retention time.Duration `json:"retention"`
}

// NewSessionsPurgeTask constructs an Asynq task.
func NewSessionsPurgeTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(SessionsPurgePayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionsPurge, data, asynq.Queue(QueueDefault)), nil
}
