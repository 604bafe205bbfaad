package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/registration"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
)

type apiFixture struct {
	store  *store.Memory
	queue  *queue.Memory
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	producer := registration.NewProducer(st, q, logger, 5)
	srv := New(producer, st, q, nil, logger)
	return &apiFixture{store: st, queue: q, router: srv.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func submitBody(workerID string) map[string]any {
	return map[string]any{
		"worker_id":    workerID,
		"account_type": "bank",
		"name":         "Test Worker",
		"account_details": map[string]string{
			"account_number": "12345678",
			"ifsc":           "TEST0001",
		},
	}
}

func TestSubmitRegistrationEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp struct {
		JobID     string               `json:"job_id"`
		Record    models.AccountRecord `json:"record"`
		Duplicate bool                 `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, models.AccountInitialised, resp.Record.Status)

	job, err := f.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobWaiting, job.State)
	assert.Equal(t, resp.Record.ID, job.RecordID)

	// Resubmitting the same details returns the existing record.
	rr = f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
}

func TestSubmitDuplicateWithoutJobOmitsJobID(t *testing.T) {
	f := newAPIFixture(t)

	details := map[string]string{
		"account_number": "12345678",
		"ifsc":           "TEST0001",
	}
	_, err := f.store.InsertAccount(context.Background(), store.NewAccountParams{
		WorkerID:    "w1",
		AccountType: "bank",
		Hash:        registration.DetailsHash("bank", details),
		Meta:        models.AccountMeta{Name: "Test Worker", AccountDetails: details},
	})
	require.NoError(t, err)

	rr := f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.NotContains(t, rr.Body.String(), "job_id", "no job exists, so no job id is reported")
}

func TestSubmitRegistrationValidation(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/registrations", map[string]any{"account_type": "bank"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/registrations", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRegistrationQueueUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.queue.Close())

	rr := f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetRecordAndJobs(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp struct {
		JobID  string               `json:"job_id"`
		Record models.AccountRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	rr = f.do(t, http.MethodGet, "/api/registrations/"+resp.Record.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/registrations/"+resp.Record.ID+"/jobs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var jobsResp struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobsResp))
	require.Len(t, jobsResp.Jobs, 1)
	assert.Equal(t, resp.JobID, jobsResp.Jobs[0].ID)

	rr = f.do(t, http.MethodGet, "/api/jobs/"+resp.JobID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/registrations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWorkerStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/workers/w1/payments/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var unregistered map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &unregistered))
	assert.Equal(t, "UNREGISTERED", unregistered["status"])

	rr = f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/workers/w1/payments/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status workerStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, models.AccountInitialised, status.Status)
	assert.False(t, status.Active)
	assert.NotEmpty(t, status.RecordID)
}

func TestDLQRequeueEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/registrations", submitBody("w1"))
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	// Requeue rejects jobs that are not dead-lettered.
	rr = f.do(t, http.MethodPost, "/api/dlq/"+resp.JobID+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	require.NoError(t, f.store.MarkJobDead(ctx, resp.JobID, "provider unreachable"))
	require.NoError(t, f.queue.DeadLetter(ctx, resp.JobID))

	rr = f.do(t, http.MethodGet, "/api/dlq", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var dlq struct {
		Items []string `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dlq))
	assert.Equal(t, []string{resp.JobID}, dlq.Items)

	rr = f.do(t, http.MethodPost, "/api/dlq/"+resp.JobID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	job, err := f.store.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)

	rr = f.do(t, http.MethodGet, "/api/dlq", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dlq))
	assert.Empty(t, dlq.Items)

	rr = f.do(t, http.MethodPost, "/api/dlq/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
