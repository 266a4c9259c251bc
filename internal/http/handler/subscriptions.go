package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tiernaugh/MF252-sub001/internal/auth"
	"github.com/tiernaugh/MF252-sub001/internal/jobs"
	"github.com/tiernaugh/MF252-sub001/internal/money"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

type SubscriptionHandler struct {
	Repo     *jobs.Repo
	Governor *spend.Governor
	Log      *zap.Logger
	Now      func() time.Time
}

type spendDTO struct {
	SubscriptionID string `json:"subscription_id"`
	Day            string `json:"day"`
	Currency       string `json:"currency"`
	Total          string `json:"total"`
	DailyLimit     string `json:"daily_limit"`
	PerJobLimit    string `json:"per_job_limit"`
	Remaining      string `json:"remaining"`
}

// Pause cancels every live job of the subscription.
func (h *SubscriptionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	sub := chi.URLParam(r, "id")
	n, err := h.Repo.CancelSubscription(r.Context(), sub, h.Now())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Log.Info("subscription paused",
		zap.String("subscription_id", sub),
		zap.Int64("cancelled", n),
		zap.String("operator", auth.Operator(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]any{"subscription_id": sub, "cancelled": n})
}

func (h *SubscriptionHandler) Spend(w http.ResponseWriter, r *http.Request) {
	sub := chi.URLParam(r, "id")
	day, err := h.day(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	total, err := h.Governor.DailyTotal(r.Context(), sub, day)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.spendDTO(sub, day, total))
}

// Reconcile rebuilds the day's aggregate from the ledger.
func (h *SubscriptionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	sub := chi.URLParam(r, "id")
	day, err := h.day(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	drift, err := h.Governor.Reconcile(r.Context(), sub, day)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	total, err := h.Governor.DailyTotal(r.Context(), sub, day)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	c := h.Governor.Currency()
	writeJSON(w, http.StatusOK, map[string]any{
		"spend": h.spendDTO(sub, day, total),
		"drift": drift.Format(c),
	})
}

func (h *SubscriptionHandler) day(r *http.Request) (time.Time, error) {
	s := strings.TrimSpace(r.URL.Query().Get("day"))
	if s == "" {
		return h.Now().UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "day", Message: "must be YYYY-MM-DD"}
	}
	return d, nil
}

func (h *SubscriptionHandler) spendDTO(sub string, day time.Time, total money.Amount) spendDTO {
	c := h.Governor.Currency()
	limits := h.Governor.Limits()
	remaining := limits.Daily - total
	if remaining < 0 {
		remaining = 0
	}
	return spendDTO{
		SubscriptionID: sub,
		Day:            spend.Day(day),
		Currency:       string(c),
		Total:          total.Format(c),
		DailyLimit:     limits.Daily.Format(c),
		PerJobLimit:    limits.PerJob.Format(c),
		Remaining:      remaining.Format(c),
	}
}
