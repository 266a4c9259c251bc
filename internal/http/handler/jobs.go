package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tiernaugh/MF252-sub001/internal/auth"
	"github.com/tiernaugh/MF252-sub001/internal/jobs"
)

type JobHandler struct {
	Scheduler *jobs.Scheduler
	Repo      *jobs.Repo
	Validate  *Validator
	Log       *zap.Logger
	Now       func() time.Time
}

type createJobReq struct {
	SubscriptionID      string         `json:"subscription_id" validate:"required,max=128"`
	Plan                string         `json:"plan" validate:"max=64"`
	TargetDeliveryTime  time.Time      `json:"target_delivery_time" validate:"required"`
	GenerationStartTime *time.Time     `json:"generation_start_time"`
	Priority            *int           `json:"priority" validate:"omitempty,min=-1000,max=1000"`
	MaxAttempts         int            `json:"max_attempts" validate:"min=0,max=20"`
	Context             map[string]any `json:"context"`
}

type jobResponse struct {
	Status string            `json:"status"`
	Job    *jobs.ScheduleJob `json:"job"`
}

// Create enqueues one delivery. A second request for the same subscription
// and period returns the existing job with status "already_scheduled".
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if err := h.Validate.Validate(req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	sr := jobs.ScheduleRequest{
		SubscriptionID:     req.SubscriptionID,
		Plan:               req.Plan,
		TargetDeliveryTime: req.TargetDeliveryTime,
		Priority:           req.Priority,
		MaxAttempts:        req.MaxAttempts,
		Context:            req.Context,
	}
	if req.GenerationStartTime != nil {
		sr.GenerationStartTime = *req.GenerationStartTime
	}

	job, err := h.Scheduler.Schedule(r.Context(), sr)
	if errors.Is(err, jobs.ErrDuplicateJob) {
		key := jobs.IdempotencyKey(req.SubscriptionID, req.TargetDeliveryTime, h.Scheduler.Period)
		existing, ferr := h.Repo.FindByIdempotencyKey(r.Context(), key)
		if ferr != nil {
			writeError(w, h.Log, ferr)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{Status: "already_scheduled", Job: existing})
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	h.Log.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("subscription_id", job.SubscriptionID),
		zap.String("idempotency_key", job.IdempotencyKey),
		zap.String("operator", auth.Operator(r.Context())),
	)
	writeJSON(w, http.StatusCreated, jobResponse{Status: "scheduled", Job: job})
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.ListFilter{SubscriptionID: strings.TrimSpace(q.Get("subscription_id"))}

	if s := strings.TrimSpace(q.Get("status")); s != "" {
		st, ok := jobs.ParseStatus(strings.ToLower(s))
		if !ok {
			writeError(w, h.Log, &ValidationError{Field: "status", Message: "unknown status"})
			return
		}
		f.Status = st
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, h.Log, &ValidationError{Field: name, Message: "must be a non-negative integer"})
			return
		}
		*dst = n
	}

	out, err := h.Repo.List(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.Repo.Cancel(r.Context(), chi.URLParam(r, "id"), h.Now())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Log.Info("job cancelled",
		zap.String("job_id", job.ID),
		zap.String("operator", auth.Operator(r.Context())),
	)
	writeJSON(w, http.StatusOK, jobResponse{Status: string(job.Status), Job: job})
}
