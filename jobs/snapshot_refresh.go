package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	closesvc "github.com/odyssey-erp/taxclose/internal/close"
	jobmetrics "github.com/odyssey-erp/taxclose/internal/jobs"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultLockTTL = 5 * time.Minute

// SnapshotRefresher rebuilds and stores closing snapshots.
type SnapshotRefresher interface {
	RefreshSnapshot(ctx context.Context, id int64, actor shared.Actor) (closesvc.Closing, error)
	ListOpenIDs(ctx context.Context) ([]int64, error)
}

// Locker obtains distributed locks. *redislock.Client satisfies it.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// RefreshEnqueuer queues per-closing refresh tasks.
type RefreshEnqueuer interface {
	EnqueueSnapshotRefresh(ctx context.Context, closingID int64, actor shared.Actor) error
}

// SnapshotRefreshJob handles both refresh task types.
type SnapshotRefreshJob struct {
	Service  SnapshotRefresher
	Locker   Locker
	Enqueuer RefreshEnqueuer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	LockTTL  time.Duration
}

// NewSnapshotRefreshJob wires the refresh handlers.
func NewSnapshotRefreshJob(service SnapshotRefresher, locker Locker, enqueuer RefreshEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotRefreshJob {
	return &SnapshotRefreshJob{
		Service:  service,
		Locker:   locker,
		Enqueuer: enqueuer,
		Logger:   logger,
		Metrics:  metrics,
		LockTTL:  defaultLockTTL,
	}
}

// Handle refreshes one closing while holding its redis lock. A held lock means
// another worker is already rebuilding the same closing, so the task succeeds
// without work.
func (j *SnapshotRefreshJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil || j.Locker == nil {
		return errors.New("snapshot refresh: dependencies not configured")
	}
	var payload SnapshotRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.ClosingID <= 0 {
		return fmt.Errorf("snapshot refresh: bad payload: %w", asynq.SkipRetry)
	}
	logger := j.log().With(slog.Int64("closing_id", payload.ClosingID))

	tracker := j.metrics().Track(TaskSnapshotRefresh)
	defer func() {
		err = tracker.End(err)
	}()

	lock, err := j.Locker.Obtain(ctx, shared.ClosingLockKey(payload.ClosingID), j.lockTTL(), nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		j.metrics().Skip(TaskSnapshotRefresh, "locked")
		logger.Info("closing already being refreshed")
		return nil
	}
	if err != nil {
		logger.Error("obtain closing lock", slog.Any("error", err))
		return err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil && !errors.Is(relErr, redislock.ErrLockNotHeld) {
			logger.Warn("release closing lock", slog.Any("error", relErr))
		}
	}()

	buildCtx, cancel := context.WithCancel(ctx)
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		j.keepLock(buildCtx, lock, logger, cancel)
	}()
	defer func() {
		cancel()
		<-kept
	}()

	start := time.Now()
	closing, err := j.Service.RefreshSnapshot(buildCtx, payload.ClosingID, payload.Actor())
	switch {
	case errors.Is(err, closesvc.ErrClosingFinalized), errors.Is(err, closesvc.ErrClosingReversed), errors.Is(err, closesvc.ErrClosingNotFound):
		j.metrics().Skip(TaskSnapshotRefresh, "not_open")
		logger.Info("closing no longer open; refresh dropped", slog.Any("reason", err))
		return nil
	case err != nil:
		logger.Error("refresh snapshot", slog.Any("error", err))
		return err
	}
	source := ""
	if closing.Snapshot != nil {
		source = string(closing.Snapshot.Meta.DataSource)
	}
	logger.Info("snapshot refreshed", slog.String("data_source", source), slog.Duration("duration", time.Since(start)))
	return nil
}

// HandleRefreshOpen enqueues a refresh for every open closing.
func (j *SnapshotRefreshJob) HandleRefreshOpen(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil || j.Enqueuer == nil {
		return errors.New("snapshot refresh: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskSnapshotRefreshOpen)
	defer func() {
		err = tracker.End(err)
	}()

	ids, err := j.Service.ListOpenIDs(ctx)
	if err != nil {
		j.log().Error("list open closings", slog.Any("error", err))
		return err
	}
	queued := 0
	for _, id := range ids {
		if err := j.Enqueuer.EnqueueSnapshotRefresh(ctx, id, shared.SystemActor); err != nil {
			j.log().Error("enqueue snapshot refresh", slog.Int64("closing_id", id), slog.Any("error", err))
			return err
		}
		queued++
	}
	j.log().Info("queued open closing refreshes", slog.Int("closings", queued))
	return nil
}

// keepLock extends the closing lock every third of its TTL while the refresh
// runs. Losing the lock cancels the refresh.
func (j *SnapshotRefreshJob) keepLock(ctx context.Context, lock *redislock.Lock, logger *slog.Logger, lost context.CancelFunc) {
	ttl := j.lockTTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, ttl, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("closing lock lost; refresh aborted", slog.Any("error", err))
				lost()
				return
			}
		}
	}
}

func (j *SnapshotRefreshJob) lockTTL() time.Duration {
	if j.LockTTL > 0 {
		return j.LockTTL
	}
	return defaultLockTTL
}

func (j *SnapshotRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SnapshotRefreshJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSnapshotRefresh))
	}
	return slog.Default().With(slog.String("job", TaskSnapshotRefresh))
}
