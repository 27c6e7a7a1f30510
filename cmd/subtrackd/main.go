package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/subtrack/subtrackd/internal/config"
	"github.com/subtrack/subtrackd/internal/handlers"
	"github.com/subtrack/subtrackd/internal/notify"
	"github.com/subtrack/subtrackd/internal/reminder"
	"github.com/subtrack/subtrackd/internal/store"
)

func main() {
	log := logrus.New()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Infof("starting subtrackd on %s", cfg.Server.Address)

	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN())
	if err != nil {
		log.Fatalf("can't connect to db: %v", err)
	}
	defer db.Close()

	// run simple migration on startup
	if err := store.EnsureMigrations(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	repo := store.NewPostgresRepository(db, log)
	disp := notify.NewCronDispatcher(repo, log)
	lc := reminder.NewLifecycle(repo, disp, log)
	disp.SetHandler(lc)

	// the sweep delivers reminders persisted before the last shutdown too,
	// past-due ones on the first pass
	if err := disp.Start(cfg.Reminders.SweepSchedule); err != nil {
		log.Fatalf("failed to start reminder sweep: %v", err)
	}
	defer disp.Stop()

	h := handlers.NewHandler(repo, lc, log, cfg.Reminders.DefaultLeadDays)

	r := chi.NewRouter()
	// middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(log))

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/upcoming", h.Upcoming)
		r.Get("/aggregate", h.Aggregate)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/payments", h.Payments)
		r.Get("/{id}/reminders", h.Reminders)
	})

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}
	log.Info("server stopped")
}

func loggingMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := middleware.GetReqID(r.Context())
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"req_id": rid,
				"method": r.Method,
				"path":   r.URL.Path,
				"dur_ms": time.Since(start).Milliseconds(),
			}).Info("handled request")
		})
	}
}
