package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/agent"
	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/deploy"
	"github.com/platform-io/platform/internal/notification"
	"github.com/platform-io/platform/internal/otlp"
	"github.com/platform-io/platform/internal/repositories"
	"github.com/platform-io/platform/internal/secrets"
	"github.com/platform-io/platform/internal/stream"
)

// RouterConfig holds every dependency the router needs. It is populated in
// main.go after all components are initialized and passed to NewRouter as a
// single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Authenticator *auth.Authenticator
	Engine        *authz.Engine
	Secrets       *secrets.Engine
	Controller    *agent.Controller
	Deployments   *deploy.Service
	Notifications *notification.Service
	Ingestor      *otlp.Ingestor
	Hub           *stream.Hub
	Logger        *zap.Logger

	// Repositories used directly by handlers that need no service layer.
	Users    repositories.UserRepository
	Projects repositories.ProjectRepository
	Roles    repositories.RoleRepository
	Webhooks repositories.WebhookRepository

	// GitRoot is the directory bare project repositories live under. New
	// projects get their RepoPath anchored here.
	GitRoot string

	// CORSOrigins lists allowed browser origins. Empty disables CORS headers.
	CORSOrigins []string

	// Secure controls the Secure flag on auth cookies. True in production.
	Secure bool

	// TrustProxy enables X-Forwarded-For / X-Real-IP handling. Only set it
	// when a trusted reverse proxy strips client-supplied values.
	TrustProxy bool
}

// NewRouter builds the fully configured chi router. The API lives under
// /api/v1; OTLP ingest keeps the standard /v1/* paths so stock exporters
// work unmodified.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	authHandler := NewAuthHandler(cfg.Authenticator, cfg.Logger, cfg.Secure)
	projectHandler := NewProjectHandler(cfg.Projects, cfg.Engine, cfg.GitRoot, cfg.Logger)
	secretHandler := NewSecretHandler(cfg.Secrets, cfg.Engine, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Controller, cfg.Hub, cfg.Logger)
	deploymentHandler := NewDeploymentHandler(cfg.Deployments, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Engine, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Authenticator, cfg.Engine, cfg.Logger)
	roleHandler := NewRoleHandler(cfg.Roles, cfg.Engine, cfg.Logger)
	otlpHandler := NewOTLPHandler(cfg.Ingestor, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// OTLP/HTTP ingest. Unauthenticated; correlation attributes decide what
	// the rows attach to.
	r.Post("/v1/traces", otlpHandler.Traces)
	r.Post("/v1/logs", otlpHandler.Logs)
	r.Post("/v1/metrics", otlpHandler.Metrics)

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
		})

		// Authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Authenticator))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.Me)
			r.Post("/auth/tokens", authHandler.CreateToken)
			r.Get("/auth/tokens", authHandler.ListTokens)
			r.Delete("/auth/tokens/{id}", authHandler.RevokeToken)

			// Projects
			r.Get("/projects", projectHandler.List)
			r.Post("/projects", projectHandler.Create)
			r.Get("/projects/{id}", projectHandler.Get)
			r.Patch("/projects/{id}", projectHandler.Update)
			r.Delete("/projects/{id}", projectHandler.Delete)

			// Project secrets and the global scope
			r.Get("/projects/{id}/secrets", secretHandler.List)
			r.Put("/projects/{id}/secrets/{name}", secretHandler.Upsert)
			r.Delete("/projects/{id}/secrets/{name}", secretHandler.Delete)
			r.Get("/secrets", secretHandler.List)
			r.Put("/secrets/{name}", secretHandler.Upsert)
			r.Delete("/secrets/{name}", secretHandler.Delete)

			// Agent sessions
			r.Post("/projects/{id}/sessions", sessionHandler.Create)
			r.Get("/projects/{id}/sessions", sessionHandler.ListByProject)
			r.Get("/sessions/{id}", sessionHandler.Get)
			r.Post("/sessions/{id}/stop", sessionHandler.Stop)
			r.Get("/sessions/{id}/events", sessionHandler.Events)

			// Deployments and previews
			r.Post("/projects/{id}/deployments", deploymentHandler.Deploy)
			r.Get("/projects/{id}/deployments", deploymentHandler.List)
			r.Get("/deployments/{id}", deploymentHandler.Get)
			r.Post("/deployments/{id}/stop", deploymentHandler.Stop)
			r.Post("/deployments/{id}/rollback", deploymentHandler.Rollback)
			r.Get("/deployments/{id}/history", deploymentHandler.History)
			r.Post("/projects/{id}/previews", deploymentHandler.CreatePreview)
			r.Get("/projects/{id}/previews", deploymentHandler.ListPreviews)
			r.Delete("/previews/{id}", deploymentHandler.StopPreview)
			r.Post("/projects/{id}/merge", deploymentHandler.Merge)

			// Webhooks
			r.Post("/projects/{id}/webhooks", webhookHandler.Create)
			r.Get("/projects/{id}/webhooks", webhookHandler.List)
			r.Patch("/webhooks/{id}", webhookHandler.Update)
			r.Delete("/webhooks/{id}", webhookHandler.Delete)

			// Notifications
			r.Get("/notifications", notificationHandler.List)
			r.Get("/notifications/unread-count", notificationHandler.UnreadCount)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkRead)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllRead)

			// Delegations
			r.Post("/delegations", roleHandler.Delegate)
			r.Delete("/delegations/{id}", roleHandler.RevokeDelegation)

			// Admin surfaces. Per-permission checks happen in the handlers so
			// failures map through the engine's concealment rules.
			r.Get("/users", userHandler.List)
			r.Post("/users", userHandler.Create)
			r.Get("/users/{id}", userHandler.Get)
			r.Post("/users/{id}/deactivate", userHandler.Deactivate)

			r.Get("/roles", roleHandler.List)
			r.Post("/roles", roleHandler.Create)
			r.Delete("/roles/{id}", roleHandler.Delete)
			r.Post("/roles/{id}/assignments", roleHandler.Assign)
			r.Delete("/roles/{id}/assignments", roleHandler.Unassign)
		})
	})

	return r
}
