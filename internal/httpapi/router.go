// Package httpapi exposes the orchestrator's HTTP ingress: execution
// submission, status polling, provider webhooks, cancellation, and health
// checks, built on chi.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/pkg/asyncwait"
	"github.com/synthome-dev/mediaforge/pkg/orchestrator"
	"github.com/synthome-dev/mediaforge/pkg/store"
)

// queuePinger is satisfied by *pkg/queue.Queue; narrowed to the one method
// the readiness probe needs so this package doesn't import queue's full
// surface.
type queuePinger interface {
	Ping(ctx context.Context) error
}

// Server wires the orchestrator's dependencies into an HTTP router.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	asyncwait    *asyncwait.Coordinator
	store        store.Store
	queue        queuePinger
	auth         *APIKeyAuthenticator
	validate     *validator.Validate
	log          *zap.Logger
}

// NewServer builds a Server. Call Router to obtain the http.Handler.
func NewServer(orch *orchestrator.Orchestrator, aw *asyncwait.Coordinator, st store.Store, q queuePinger, auth *APIKeyAuthenticator, log *zap.Logger) *Server {
	return &Server{
		orchestrator: orch,
		asyncwait:    aw,
		store:        st,
		queue:        q,
		auth:         auth,
		validate:     validator.New(),
		log:          log,
	}
}

// Router assembles the chi router and middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhooks are unauthenticated (providers can't hold a tenant
	// API key) but are narrowly scoped to one job record id.
	r.Post("/webhook/job/{jobRecordId}", s.handleProviderWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/execute", s.handleCreateExecution)
		r.Get("/execute/{id}/status", s.handleExecutionStatus)
		r.Post("/execute/{id}/cancel", s.handleCancelExecution)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz probes every dependency the ingress path touches directly:
// the store (Postgres) and the queue (Redis). A provider outage does not
// affect readiness — that's what the circuit breaker in pkg/provider is for.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := s.store.GetUsageLimits(ctx, "__readyz_probe__"); err != nil && !isNotFound(err) {
		writeNotReady(w, "store unreachable")
		return
	}
	if err := s.queue.Ping(ctx); err != nil {
		writeNotReady(w, "queue unreachable")
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func writeNotReady(w http.ResponseWriter, reason string) {
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"status":"not ready","reason":"` + reason + `"}`))
}
