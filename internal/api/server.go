package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/ratelimit"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/registration"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	producer *registration.Producer
	store    store.Store
	queue    queue.Queue
	limiter  *ratelimit.SubmitLimiter
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting.
func New(producer *registration.Producer, st store.Store, q queue.Queue, limiter *ratelimit.SubmitLimiter, logger *slog.Logger) *Server {
	return &Server{
		producer: producer,
		store:    st,
		queue:    q,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/registrations", s.handleSubmit)
	r.Get("/api/registrations/{id}", s.handleGetRecord)
	r.Get("/api/registrations/{id}/jobs", s.handleRecordJobs)
	r.Get("/api/jobs/{id}", s.handleGetJob)
	r.Get("/api/workers/{workerID}/payments/status", s.handleWorkerStatus)
	r.Get("/api/dlq", s.handleDLQ)
	r.Post("/api/dlq/{jobID}/requeue", s.handleDLQRequeue)
	return r
}

type submitRequest struct {
	WorkerID       string            `json:"worker_id"`
	AccountType    string            `json:"account_type"`
	Name           string            `json:"name"`
	AccountDetails map[string]string `json:"account_details"`
}

type submitResponse struct {
	JobID     string               `json:"job_id,omitempty"`
	Record    models.AccountRecord `json:"record"`
	Duplicate bool                 `json:"duplicate"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" || req.AccountType == "" {
		http.Error(w, "worker_id and account_type are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowWorker(r.Context(), req.WorkerID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	result, err := s.producer.SubmitRegistration(r.Context(), registration.SubmitParams{
		WorkerID:       req.WorkerID,
		AccountType:    req.AccountType,
		Name:           req.Name,
		AccountDetails: req.AccountDetails,
	})
	switch {
	case errors.Is(err, store.ErrConstraint):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, queue.ErrUnavailable):
		http.Error(w, "queue unavailable; submission recorded for reconciliation", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Error("submit registration", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if result.Duplicate {
		telemetry.DuplicateSubmissions.Inc()
	} else {
		telemetry.RegistrationsSubmitted.Inc()
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     result.Job.ID,
		Record:    result.Record,
		Duplicate: result.Duplicate,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.JobsForRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type workerStatusResponse struct {
	WorkerID string               `json:"worker_id"`
	Status   models.AccountStatus `json:"status"`
	Active   bool                 `json:"active"`
	RecordID string               `json:"record_id"`
}

// handleWorkerStatus is the worker-status reader: a pure read used by
// client screens to pick between dashboard, registration, verification,
// and failure views.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	rec, err := s.store.LatestAccount(r.Context(), workerID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{"worker_id": workerID, "status": "UNREGISTERED"})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, workerStatusResponse{
		WorkerID: workerID,
		Status:   rec.Status,
		Active:   rec.Active,
		RecordID: rec.ID,
	})
}

// handleDLQ returns dead-lettered job ids for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDLQRequeue is the manual-intervention lever for dead jobs: it
// puts the job back in waiting with a fresh attempt budget.
func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	if job.State != models.JobDead {
		http.Error(w, "job is not dead-lettered", http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	if err := s.store.UpdateJobState(r.Context(), jobID, models.JobWaiting, 0, now, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.RemoveDeadLetter(r.Context(), jobID); err != nil {
		http.Error(w, "failed to remove from dlq", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), jobID, now); err != nil {
		http.Error(w, "failed to re-enqueue", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), jobID, "requeued", "manual requeue from dlq")
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
