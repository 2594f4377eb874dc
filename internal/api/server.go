// Package api is the HTTP/WS boundary: vendor webhooks, the live turn
// socket, and the operator endpoints for seeding, finalizing, and reading
// call records.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetvoice/dispatchd/internal/reconcile"
	"github.com/fleetvoice/dispatchd/internal/store"
	"github.com/fleetvoice/dispatchd/internal/vendor"
)

// Reconciler is the slice of the reconciliation service the handlers use.
// Implemented by *reconcile.Service.
type Reconciler interface {
	Seed(ctx context.Context, req reconcile.SeedRequest) (already bool, err error)
	Started(ctx context.Context, providerCallID, vendorCallID, loadNumber string) (bool, error)
	Ended(ctx context.Context, req reconcile.EndedRequest) error
	Finalize(ctx context.Context, req reconcile.FinalizeRequest) (reconcile.Resolution, error)
	MergeEvent(ctx context.Context, providerCallID, eventType string, data map[string]any) (bool, error)
}

// MetricsSource serves the aggregate call metrics view.
type MetricsSource interface {
	CallMetrics(ctx context.Context) (store.Metrics, error)
}

type Server struct {
	router *chi.Mux
	port   int
	logger *slog.Logger

	rec           Reconciler
	metrics       MetricsSource
	vendors       map[string]vendor.Vendor
	defaultVendor string
	webhookSecret string
}

type Options struct {
	Port          int
	Logger        *slog.Logger
	Reconciler    Reconciler
	Metrics       MetricsSource
	Vendors       map[string]vendor.Vendor
	DefaultVendor string
	WebhookSecret string
}

func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:        router,
		port:          opts.Port,
		logger:        opts.Logger,
		rec:           opts.Reconciler,
		metrics:       opts.Metrics,
		vendors:       opts.Vendors,
		defaultVendor: opts.DefaultVendor,
		webhookSecret: opts.WebhookSecret,
	}

	router.Get("/health", s.health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/voice/start", s.voiceStart)
		r.Post("/vendor/webhook", s.vendorWebhook)

		r.Get("/llm/ws/{callID}", s.liveTurns)
		r.Post("/llm/reply", s.turnReply)

		r.Post("/calls/seed", s.seedCall)
		r.Post("/calls/finalize", s.finalizeCall)
		r.Post("/calls/event", s.callEvent)

		r.Get("/metrics", s.callMetrics)
	})

	return s
}

// Handler exposes the router for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeBody(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) callMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.metrics.CallMetrics(r.Context())
	if err != nil {
		s.logger.Error("metrics query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeBody(w, http.StatusOK, m)
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeBody(w, status, map[string]string{"error": msg})
}
