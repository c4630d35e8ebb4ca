package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ascendore/ascendore-crm/internal/apperr"
	"github.com/ascendore/ascendore-crm/internal/auth"
	"github.com/ascendore/ascendore-crm/internal/config"
	"github.com/ascendore/ascendore-crm/internal/metrics"
	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/ratelimit"
	"github.com/ascendore/ascendore-crm/internal/service"
	"github.com/ascendore/ascendore-crm/internal/validation"
)

// AuthService is what the HTTP layer needs from the auth service
type AuthService interface {
	Register(ctx context.Context, in service.RegisterInput) (*service.AuthResult, error)
	Authenticate(ctx context.Context, email, password string) (*service.AuthResult, error)
	VerifyToken(token string) (*auth.Claims, error)
	ResolveSession(ctx context.Context, userID uuid.UUID) (*service.Session, error)
	UpdatePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error
	SwitchOrganization(ctx context.Context, userID, tenantID uuid.UUID) (*models.OrganizationMembership, error)
	RecordLogout(ctx context.Context, userID, tenantID uuid.UUID)
	Ping(ctx context.Context) error
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	auth      AuthService
	events    service.ActivityPublisher
	limiter   *ratelimit.LoginLimiter
	metrics   *metrics.Metrics
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
	now       func() time.Time
}

// Option configures optional collaborators
type Option func(*RESTServer)

// WithLoginLimiter throttles POST /auth/login
func WithLoginLimiter(l *ratelimit.LoginLimiter) Option {
	return func(s *RESTServer) { s.limiter = l }
}

// WithMetrics records request metrics and serves /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RESTServer) { s.metrics = m }
}

// WithActivityPublisher records CRM activities for audited routes
func WithActivityPublisher(p service.ActivityPublisher) Option {
	return func(s *RESTServer) { s.events = p }
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, authService AuthService, opts ...Option) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		auth:      authService,
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures middleware and mounts all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Organization-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.HandleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, apperr.NotFound("Route not found"))
	})
}

// Handler returns the root handler, mainly for tests
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
