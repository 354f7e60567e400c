package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/taxclose/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSnapshotRefresh rebuilds the register snapshot of one closing.
	TaskSnapshotRefresh = "taxclose:snapshot:refresh"
	// TaskSnapshotRefreshOpen fans out a refresh for every open closing.
	TaskSnapshotRefreshOpen = "taxclose:snapshot:refresh-open"

	// refreshUniqueTTL collapses repeated refresh requests for one closing.
	refreshUniqueTTL = 10 * time.Minute
)

var errClosingIDRequired = errors.New("jobs: closing id required")

// SnapshotRefreshPayload identifies the closing and the actor the snapshot is
// attributed to.
type SnapshotRefreshPayload struct {
	ClosingID  int64    `json:"closing_id"`
	ActorID    string   `json:"actor_id"`
	ActorRoles []string `json:"actor_roles,omitempty"`
}

// Actor rebuilds the requesting actor, falling back to the system actor.
func (p SnapshotRefreshPayload) Actor() shared.Actor {
	if p.ActorID == "" {
		return shared.SystemActor
	}
	return shared.Actor{ID: p.ActorID, Roles: p.ActorRoles}
}

// NewSnapshotRefreshTask constructs the per-closing refresh task.
func NewSnapshotRefreshTask(closingID int64, actor shared.Actor) (*asynq.Task, error) {
	if closingID <= 0 {
		return nil, errClosingIDRequired
	}
	body, err := json.Marshal(SnapshotRefreshPayload{ClosingID: closingID, ActorID: actor.ID, ActorRoles: actor.Roles})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotRefresh, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(5),
		asynq.Unique(refreshUniqueTTL),
	), nil
}

// NewSnapshotRefreshOpenTask constructs the cron fan-out task.
func NewSnapshotRefreshOpenTask() *asynq.Task {
	return asynq.NewTask(TaskSnapshotRefreshOpen, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1))
}
