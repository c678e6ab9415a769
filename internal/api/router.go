package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apihandler "github.com/maraichr/gdr/internal/api/handler"
	apimw "github.com/maraichr/gdr/internal/api/middleware"
	"github.com/maraichr/gdr/internal/auth"
	"github.com/maraichr/gdr/internal/store"
)

// RouterDeps holds the pipeline components served over HTTP.
type RouterDeps struct {
	Store      *store.Store
	Queue      apihandler.Pinger
	Metrics    http.Handler
	Events     apihandler.EventRouter
	Manifests  apihandler.ManifestProcessor
	Dispatcher apihandler.ValidationDispatcher
	Transfers  apihandler.Transferer
	Cleaner    apihandler.Cleaner
	Reporter   apihandler.StoreReporter
	Locker     apihandler.FolderLocker
	// Auth authenticates /api/v1. Nil means dev mode.
	Auth auth.RequestVerifier
}

func NewRouter(logger *slog.Logger, deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.Logger(logger))
	r.Use(chimw.Recoverer)

	var records apihandler.Pinger
	if deps.Store != nil {
		records = deps.Store
	}
	health := apihandler.NewHealthHandler(records, deps.Queue)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(auth.RequireAuth(deps.Auth, logger))
		} else {
			r.Use(auth.DevModeMiddleware(logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeEvents))
			events := apihandler.NewEventHandler(logger, deps.Events)
			r.Post("/events/s3", events.S3)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeTrigger))
			triggers := apihandler.NewTriggerHandler(logger, deps.Manifests, deps.Dispatcher, deps.Transfers, deps.Cleaner, deps.Reporter)
			r.Post("/manifests/process", triggers.Manifest)
			r.Post("/validations", triggers.Validation)
			r.Post("/transfers", triggers.Transfer)
			r.Post("/cleanups", triggers.Cleanup)
			r.Post("/reports", triggers.Report)

			if deps.Store != nil {
				submissions := apihandler.NewSubmissionHandler(logger, deps.Store)
				r.Get("/submissions/{flagship}/{submission}", submissions.Status)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeLock))
			locks := apihandler.NewLockHandler(logger, deps.Locker)
			r.Get("/locks", locks.List)
			r.Post("/locks", locks.Lock)
			r.Delete("/locks", locks.Unlock)
		})
	})

	return r
}
