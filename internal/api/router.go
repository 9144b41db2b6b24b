package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/metrics"
	"github.com/lalithlochan/pricewatch/internal/redis"
)

// NewRouter mounts the API under /v1 behind the rate limiter, plus the
// unauthenticated /health and /metrics endpoints. limiter may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, UserKeyFunc))

		r.Post("/runs", h.TriggerRun)

		r.Post("/subscriptions", h.CreateSubscription)
		r.Get("/subscriptions", h.ListSubscriptions)
		r.Delete("/subscriptions/{productID}", h.DeleteSubscription)

		r.Get("/alerts", h.ListAlerts)
		r.Post("/alerts/{id}/viewed", h.MarkAlertViewed)
		r.Post("/alerts/{id}/clicked", h.MarkAlertClicked)

		r.Get("/products/{id}/history", h.ProductHistory)
		r.Get("/products/{id}/rollup", h.ProductRollup)

		r.Get("/usage", h.GetUsage)

		r.Get("/ops/circuits", h.ListCircuits)
		r.Post("/ops/circuits/{name}/reset", h.ResetCircuit)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
