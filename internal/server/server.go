// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/itzam-ai/itzam/internal/auth"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/ledger"
	"github.com/itzam-ai/itzam/internal/logging"
	"github.com/itzam-ai/itzam/internal/metrics"
	"github.com/itzam-ai/itzam/internal/pipeline"
	"github.com/itzam-ai/itzam/internal/store"
)

// maxBodyBytes bounds request bodies; inline attachments are the large case.
const maxBodyBytes = 20 << 20

// ModelLister lists the models callers may pick.
type ModelLister interface {
	Available() []domain.Model
}

// ClientInvalidator forgets provider clients built for a key.
type ClientInvalidator interface {
	InvalidateClient(providerName, apiKey string)
}

// Check is one readiness check reported by /health.
type Check func(ctx context.Context) error

// Deps are the collaborators handlers need.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Auth         *auth.Authenticator
	Ledger       *ledger.Ledger
	Models       ModelLister
	Clients      ClientInvalidator
	ProviderKeys store.ProviderKeyReadWriter
	Workflows    store.WorkflowStore
	Threads      store.ThreadStore
	Runs         store.RunStore
	Checks       map[string]Check
	Log          zerolog.Logger
}

// Server holds the HTTP router and its dependencies.
type Server struct {
	router   chi.Router
	deps     Deps
	log      zerolog.Logger
	validate *validator.Validate
}

// New creates a Server with routes and middleware wired, ready to use as
// an http.Handler.
func New(d Deps) *Server {
	s := &Server{
		deps:     d,
		log:      d.Log.With().Str("component", "server").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog(s.deps.Log))
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.With(s.requireSession).Post("/playground", s.handlePlayground)

		r.Route("/v1", func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Post("/generate", s.handleGenerate(shapeAny))
			r.Post("/generate/text", s.handleGenerate(shapeText))
			r.Post("/generate/object", s.handleGenerate(shapeObject))
			r.Post("/stream", s.handleStream(shapeAny))
			r.Post("/stream/text", s.handleStream(shapeText))
			r.Post("/stream/object", s.handleStream(shapeObject))

			r.Get("/models", s.handleModels)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Post("/threads", s.handleCreateThread)
			r.Get("/threads/{id}", s.handleGetThread)
			r.Get("/threads/{id}/runs", s.handleThreadRuns)

			r.Get("/provider-keys", s.handleListProviderKeys)
			r.Put("/provider-keys/{provider}", s.handlePutProviderKey)
			r.Delete("/provider-keys/{provider}", s.handleDeleteProviderKey)
		})
	})

	s.router = r
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Auth middleware
// ---------------------------------------------------------------------------

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.deps.Auth.APIKey(r.Context(), r)
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), owner)))
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.deps.Auth.Session(r)
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), user)))
	})
}
