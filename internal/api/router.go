// Package api provides the HTTP layer over the coherence engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"storyloom/internal/coherence"
	"storyloom/internal/config"
	"storyloom/internal/logging"
)

// Router wires the coherence engine behind a chi mux
type Router struct {
	config    *config.Config
	mux       *chi.Mux
	validator *coherence.CoherenceValidator
	logger    logging.Logger
	version   string
}

// NewRouter creates the API router with middleware and routes
func NewRouter(cfg *config.Config, validator *coherence.CoherenceValidator, logger logging.Logger) *Router {
	r := &Router{
		config:    cfg,
		mux:       chi.NewRouter(),
		validator: validator,
		logger:    logger.WithComponent("api"),
		version:   "1.0.0",
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.Timeout(30 * time.Second))
	r.mux.Use(chimiddleware.RequestSize(1 * 1024 * 1024))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
	r.mux.Use(r.requestLogging)
}

// requestLogging logs each request with its trace ID
func (r *Router) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ctx := logging.WithTraceID(req.Context(), chimiddleware.GetReqID(req.Context()))
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req.WithContext(ctx))
		r.logger.InfoContext(ctx, "request handled",
			"method", req.Method, "path", req.URL.Path,
			"status", ww.Status(), "duration", time.Since(start).String())
	})
}

func (r *Router) setupRoutes() {
	r.mux.Get("/v1/healthz", r.handleHealth)

	r.mux.Route("/v1/sessions/{sessionID}", func(rtr chi.Router) {
		rtr.Post("/lore", r.handlePutLore)
		rtr.Post("/content", r.handlePutContent)
		rtr.Post("/threads", r.handlePutThread)

		rtr.Post("/validate", r.handleValidate)
		rtr.Post("/resolve", r.handleResolve)
		rtr.Get("/convergence", r.handleConvergence)

		rtr.Post("/changes", r.handleCommitChanges)
		rtr.Post("/changes/{changeID}/reverse", r.handleReverseChange)
	})
}
