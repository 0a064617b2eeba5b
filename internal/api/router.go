package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the dashboard router. Everything under /api is
// read-only; there is deliberately no mutation endpoint.
func NewRouter(handler *DashboardHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs/{runID}", handler.GetRun)
		r.Get("/accounts/{accountID}/runs", handler.ListAccountRuns)
		r.Get("/accounts/{accountID}/backlog", handler.GetAccountBacklog)
		r.Get("/failures", handler.ListFailures)
		r.Get("/queues/health", handler.GetQueueHealth)
	})

	return r
}
