package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tiernaugh/MF252-sub001/internal/auth"
	"github.com/tiernaugh/MF252-sub001/internal/config"
	"github.com/tiernaugh/MF252-sub001/internal/http/handler"
	mw "github.com/tiernaugh/MF252-sub001/internal/http/middleware"
	"github.com/tiernaugh/MF252-sub001/internal/jobs"
	"github.com/tiernaugh/MF252-sub001/internal/spend"
)

type Deps struct {
	Config    config.Config
	DB        *gorm.DB
	JWT       *auth.JWT
	Scheduler *jobs.Scheduler
	Repo      *jobs.Repo
	Governor  *spend.Governor
	Log       *zap.Logger
	Now       func() time.Time
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)

	if len(d.Config.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(d.Config.CORSAllowedOrigins, d.Config.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := d.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	v := handler.NewValidator()
	jh := &handler.JobHandler{Scheduler: d.Scheduler, Repo: d.Repo, Validate: v, Log: d.Log, Now: d.Now}
	sh := &handler.SubscriptionHandler{Repo: d.Repo, Governor: d.Governor, Log: d.Log, Now: d.Now}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Post("/jobs", jh.Create)
		r.Get("/jobs", jh.List)
		r.Get("/jobs/{id}", jh.Get)
		r.Post("/jobs/{id}/cancel", jh.Cancel)

		r.Post("/subscriptions/{id}/pause", sh.Pause)
		r.Get("/subscriptions/{id}/spend", sh.Spend)
		r.Post("/subscriptions/{id}/spend/reconcile", sh.Reconcile)
	})

	return r
}
