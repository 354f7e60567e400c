package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/taxclose/internal/shared"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Queue: QueueDefault, Type: task.Type()}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

func TestClientEnqueuesRefreshTask(t *testing.T) {
	enq := &stubEnqueuer{}
	client := newClient(enq, nil)

	require.NoError(t, client.EnqueueSnapshotRefresh(context.Background(), 4, shared.Actor{ID: "u-1"}))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskSnapshotRefresh, enq.tasks[0].Type())

	var payload SnapshotRefreshPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, int64(4), payload.ClosingID)
	require.Equal(t, "u-1", payload.ActorID)
}

func TestClientTreatsDuplicateAsQueued(t *testing.T) {
	client := newClient(&stubEnqueuer{err: asynq.ErrDuplicateTask}, nil)
	require.NoError(t, client.EnqueueSnapshotRefresh(context.Background(), 4, shared.SystemActor))

	client = newClient(&stubEnqueuer{err: errors.New("redis down")}, nil)
	require.Error(t, client.EnqueueSnapshotRefresh(context.Background(), 4, shared.SystemActor))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func serveHealth(h *Handler) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	return rec
}

func TestHealthReportsQueue(t *testing.T) {
	h := NewHandler(nil, nil)
	h.inspector = stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}

	rec := serveHealth(h)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue":"default","pending":3,"active":0,"retry":1,"archived":0,"paused":false,"available":true}`, rec.Body.String())
}

func TestHealthWithoutRedis(t *testing.T) {
	rec := serveHealth(NewHandler(nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	h := NewHandler(nil, nil)
	h.inspector = stubInspector{err: errors.New("dial tcp: refused")}
	require.Equal(t, http.StatusServiceUnavailable, serveHealth(h).Code)
}

func TestSnapshotHandlersRegisterCron(t *testing.T) {
	handlers, cron := SnapshotHandlers(&SnapshotRefreshJob{}, "0 2 * * *")
	require.Len(t, handlers, 2)
	require.Len(t, cron, 1)
	require.Equal(t, TaskSnapshotRefreshOpen, cron[0].Task.Type())

	_, cron = SnapshotHandlers(&SnapshotRefreshJob{}, "")
	require.Empty(t, cron)
}
