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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
)

type stubPurger struct {
	removed int64
	err     error
	calls   int
}

func (s *stubPurger) PurgeTopRoleRows(context.Context) (int64, error) {
	s.calls++
	return s.removed, s.err
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (r *recordingEnqueuer) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestMatrixIntegrityJobPurges(t *testing.T) {
	purger := &stubPurger{removed: 2}
	job := NewMatrixIntegrityJob(purger, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewMatrixIntegrityTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, purger.calls)

	var payload MatrixIntegrityPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "cron", payload.Trigger)
}

func TestMatrixIntegrityJobPropagatesFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewMatrixIntegrityJob(&stubPurger{err: boom}, nil, nil)

	task, err := NewMatrixIntegrityTask("manual")
	require.NoError(t, err)
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestMatrixIntegrityJobRejectsBadPayload(t *testing.T) {
	purger := &stubPurger{}
	job := NewMatrixIntegrityJob(purger, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskMatrixIntegrity, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, purger.calls)
}

func TestPartnerNoticeJob(t *testing.T) {
	job := NewPartnerNoticeJob("backoffice@repairhub.local", nil, nil)

	task, err := NewPartnerRegisteredTask(PartnerRegisteredPayload{PartnerID: 7, Name: "Fixit GmbH", ContactEmail: "ops@fixit.example"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	err = job.Handle(context.Background(), asynq.NewTask(TaskPartnerRegistered, []byte(`{"partner_id":0}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewPartnerRegisteredTaskRequiresID(t *testing.T) {
	_, err := NewPartnerRegisteredTask(PartnerRegisteredPayload{})
	assert.Error(t, err)
}

func TestClientEnqueuesPartnerNotice(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := NewClientWith(enq)

	require.NoError(t, client.PartnerRegistered(context.Background(), 9, "Acme", "a@acme.example"))
	require.NoError(t, client.EnqueueMatrixIntegrity(context.Background(), "manual"))
	require.Len(t, enq.tasks, 2)
	assert.Equal(t, TaskPartnerRegistered, enq.tasks[0].Type())
	assert.Equal(t, TaskMatrixIntegrity, enq.tasks[1].Type())

	var payload PartnerRegisteredPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(9), payload.PartnerID)
	assert.Equal(t, "Acme", payload.Name)
}

func TestClientSurfacesEnqueueError(t *testing.T) {
	client := NewClientWith(&recordingEnqueuer{err: errors.New("redis down")})
	assert.Error(t, client.PartnerRegistered(context.Background(), 1, "x", "x@x.example"))
}

func TestHealthEndpoint(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		body      string
	}{
		{name: "no inspector", status: http.StatusOK, body: `{"queue":"default","pending":0}`},
		{name: "pending", inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4}}, status: http.StatusOK, body: `{"queue":"default","pending":4}`},
		{name: "error", inspector: stubInspector{err: errors.New("down")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nil).MountRoutes(r)

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.status, rr.Code)
			if tc.body != "" {
				assert.JSONEq(t, tc.body, rr.Body.String())
			}
		})
	}
}
