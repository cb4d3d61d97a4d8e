package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"activity-scheduler/internal/engine"
	"activity-scheduler/internal/notify"
	"activity-scheduler/internal/ratelimit"
	"activity-scheduler/internal/store"
	"activity-scheduler/internal/telemetry"
)

// Server wires the HTTP surface: job inspection and one-off enqueue, the
// dead-letter admin endpoints, rate limiter coordination, and the SSE
// completion stream.
type Server struct {
	store        store.Store
	engine       *engine.Engine
	limiter      *ratelimit.Limiter
	notifier     notify.Notifier
	log          *zap.Logger
	defaultQueue string
	heartbeat    time.Duration
}

// New constructs the API server. defaultQueue receives jobs posted without
// an explicit queue.
func New(st store.Store, eng *engine.Engine, limiter *ratelimit.Limiter, notifier notify.Notifier, log *zap.Logger, defaultQueue string, heartbeat time.Duration) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Server{
		store:        st,
		engine:       eng,
		limiter:      limiter,
		notifier:     notifier,
		log:          log,
		defaultQueue: defaultQueue,
		heartbeat:    heartbeat,
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

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/stats", s.handleJobStats)
	r.Get("/jobs/events", s.handleEvents)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Get("/dlq", s.handleListDLQ)
	r.Get("/dlq/stats", s.handleDLQStats)
	r.Post("/dlq/{id}/retry", s.handleDLQRetry)
	r.Post("/dlq/{id}/ignore", s.handleDLQIgnore)

	r.Get("/rate-limit/status", s.handleRateStatus)
	r.Post("/rate-limit/check", s.handleRateCheck)
	r.Post("/rate-limit/record", s.handleRateRecord)
	r.Post("/rate-limit/report", s.handleRateReport)

	return r
}

type enqueueRequest struct {
	Queue    string     `json:"queue"`
	JobType  string     `json:"job_type"`
	Params   string     `json:"params"`
	DedupKey string     `json:"dedup_key"`
	RunAfter *time.Time `json:"run_after"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reused bool   `json:"reused"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		req.Queue = s.defaultQueue
	}

	job, reused, err := s.engine.Enqueue(r.Context(), req.Queue, req.JobType, req.Params, req.DedupKey, req.RunAfter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: job.Status, Reused: reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List(r.Context(), store.ListFilter{
		Queue:  r.URL.Query().Get("queue"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams job completion events over SSE until the client
// disconnects. Comment lines keep idle connections alive through proxies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.notifier.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := writeSSE(w, "job", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListDLQ(r.Context(), store.DLQFilter{
		Status: r.URL.Query().Get("status"),
		Queue:  r.URL.Query().Get("queue"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DLQStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type dlqRetryResponse struct {
	Entry string `json:"entry_id"`
	JobID string `json:"job_id"`
}

// handleDLQRetry re-enqueues the dead job with a fresh retry budget and
// marks the entry as retried. Marking first keeps a double-retry from
// spawning two jobs.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.store.MarkRetried(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "dead letter entry not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	job, _, err := s.engine.Enqueue(r.Context(), entry.OriginalQueue, entry.JobType, entry.Params, entry.DedupKey, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("dead letter retried", zap.String("entry", id), zap.String("job", job.ID))
	writeJSON(w, http.StatusOK, dlqRetryResponse{Entry: entry.ID, JobID: job.ID})
}

func (s *Server) handleDLQIgnore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.store.Ignore(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "dead letter entry not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	processType := r.URL.Query().Get("process_type")
	if processType == "" {
		http.Error(w, "process_type is required", http.StatusBadRequest)
		return
	}
	status, err := s.limiter.StatusFor(r.Context(), processType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type rateCheckRequest struct {
	ProcessType     string `json:"process_type"`
	EstimatedTokens int    `json:"estimated_tokens"`
	InputText       string `json:"input_text"`
}

type rateCheckResponse struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	RetryAfterMS int64 `json:"retry_after_ms"`
}

func (s *Server) handleRateCheck(w http.ResponseWriter, r *http.Request) {
	var req rateCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ProcessType == "" {
		http.Error(w, "process_type is required", http.StatusBadRequest)
		return
	}
	tokens := req.EstimatedTokens
	if tokens == 0 {
		tokens = ratelimit.EstimateTokens(req.InputText)
	}

	decision, err := s.limiter.Check(r.Context(), req.ProcessType, tokens)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !decision.Allowed {
		telemetry.RateLimitDenied.WithLabelValues(req.ProcessType).Inc()
	}
	writeJSON(w, http.StatusOK, rateCheckResponse{
		Allowed:      decision.Allowed,
		Remaining:    decision.Remaining,
		RetryAfterMS: decision.RetryAfter.Milliseconds(),
	})
}

type rateRecordRequest struct {
	ProcessType     string `json:"process_type"`
	Model           string `json:"model"`
	EstimatedTokens int    `json:"estimated_tokens"`
	InputText       string `json:"input_text"`
}

func (s *Server) handleRateRecord(w http.ResponseWriter, r *http.Request) {
	var req rateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ProcessType == "" {
		http.Error(w, "process_type is required", http.StatusBadRequest)
		return
	}
	tokens := req.EstimatedTokens
	if tokens == 0 {
		tokens = ratelimit.EstimateTokens(req.InputText)
	}

	rec, err := s.limiter.Record(r.Context(), req.ProcessType, req.Model, tokens)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type rateReportRequest struct {
	UsageID      string `json:"usage_id"`
	ActualTokens int    `json:"actual_tokens"`
}

func (s *Server) handleRateReport(w http.ResponseWriter, r *http.Request) {
	var req rateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UsageID == "" {
		http.Error(w, "usage_id is required", http.StatusBadRequest)
		return
	}

	if err := s.limiter.UpdateActual(r.Context(), req.UsageID, req.ActualTokens); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "usage record not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
