package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/groenwerk/fieldsync/internal/api/handler"
	apimw "github.com/groenwerk/fieldsync/internal/api/middleware"
	"github.com/groenwerk/fieldsync/internal/engine"
	"github.com/groenwerk/fieldsync/internal/netmon"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the control surface.
func NewRouter(
	eng *engine.Engine,
	mon *netmon.Monitor,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	qh := handler.NewQueueHandler(eng, logger)
	nh := handler.NewNetHandler(mon)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Queue — literal routes before /{id} so chi does not treat
		// "sync", "stats" or "completed" as item ids.
		r.Post("/queue/sync", qh.SyncNow)
		r.Get("/queue/stats", qh.Stats)
		r.Delete("/queue/completed", qh.ClearCompleted)
		r.Get("/queue", qh.List)
		r.Post("/queue", qh.Add)
		r.Delete("/queue/{id}", qh.Remove)
		r.Post("/queue/{id}/retry", qh.Retry)

		// Connectivity
		r.Get("/connectivity", nh.Status)
		r.Post("/connectivity", nh.Push)
	})

	return r
}
