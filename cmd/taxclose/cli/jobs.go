package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/jobs"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    enqueuer
	inspector inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a job by name. "refresh-open" fans out over every open
// closing; "refresh <id>" rebuilds one closing as the system actor.
func (c *JobsCLI) Trigger(ctx context.Context, args []string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	if len(args) == 0 {
		return nil, errors.New("jobs cli: job name required")
	}
	var (
		task *asynq.Task
		err  error
	)
	switch strings.TrimSpace(args[0]) {
	case "refresh-open", jobs.TaskSnapshotRefreshOpen:
		task = jobs.NewSnapshotRefreshOpenTask()
	case "refresh", jobs.TaskSnapshotRefresh:
		if len(args) < 2 {
			return nil, errors.New("jobs cli: closing id required")
		}
		id, parseErr := strconv.ParseInt(args[1], 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("jobs cli: invalid closing id %q", args[1])
		}
		task, err = jobs.NewSnapshotRefreshTask(id, shared.SystemActor)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", args[0])
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}
