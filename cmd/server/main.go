// Package main implements the platform server binary. It wires the database,
// cache, permission engine, secret engine, agent controller, deployment
// reconciler and HTTP API together and runs them until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/platform-io/platform/internal/agent"
	"github.com/platform-io/platform/internal/api"
	"github.com/platform-io/platform/internal/auth"
	"github.com/platform-io/platform/internal/authz"
	"github.com/platform-io/platform/internal/bootstrap"
	"github.com/platform-io/platform/internal/cache"
	"github.com/platform-io/platform/internal/config"
	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/deploy"
	"github.com/platform-io/platform/internal/notification"
	"github.com/platform-io/platform/internal/objectstore"
	"github.com/platform-io/platform/internal/otlp"
	"github.com/platform-io/platform/internal/repositories"
	"github.com/platform-io/platform/internal/secrets"
	"github.com/platform-io/platform/internal/stream"
	"github.com/platform-io/platform/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:   "platform-server",
		Short: "Platform server, the internal developer platform control plane",
		Long: `Platform server hosts projects, secrets, agent sessions, deployments
and telemetry behind one REST API. It reconciles declared deployment state
against the cluster and streams agent progress to connected clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.HTTPAddr, "http-addr", envOrDefault("PLATFORM_HTTP_ADDR", ":8080"), "HTTP API listen address")
	f.StringVar(&cfg.DBDriver, "db-driver", envOrDefault("PLATFORM_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.DBDSN, "db-dsn", envOrDefault("PLATFORM_DB_DSN", "./platform.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("PLATFORM_REDIS_ADDR", ""), "Redis address for caching and pub/sub (empty disables)")
	f.StringVar(&cfg.RedisPassword, "redis-password", envOrDefault("PLATFORM_REDIS_PASSWORD", ""), "Redis password")
	f.StringVar(&cfg.ObjectStoreDir, "object-store-dir", envOrDefault("PLATFORM_OBJECT_STORE_DIR", "./data/objects"), "Directory for session logs and artifacts")
	f.StringVar(&cfg.MasterKeyHex, "master-key", envOrDefault("PLATFORM_MASTER_KEY", ""), "Hex-encoded 32-byte master key for the secret engine")
	f.StringVar(&cfg.GitRoot, "git-root", envOrDefault("PLATFORM_GIT_ROOT", "./data/git"), "Directory holding bare project repositories")
	f.StringVar(&cfg.OpsRoot, "ops-root", envOrDefault("PLATFORM_OPS_ROOT", "./data/ops"), "Directory holding operations repositories")
	f.StringVar(&cfg.SMTPHost, "smtp-host", envOrDefault("PLATFORM_SMTP_HOST", ""), "SMTP relay host for notification email (empty disables)")
	f.IntVar(&cfg.SMTPPort, "smtp-port", envIntOrDefault("PLATFORM_SMTP_PORT", 587), "SMTP relay port")
	f.StringVar(&cfg.SMTPFrom, "smtp-from", envOrDefault("PLATFORM_SMTP_FROM", ""), "From address for notification email")
	f.StringVar(&cfg.SMTPUsername, "smtp-username", envOrDefault("PLATFORM_SMTP_USERNAME", ""), "SMTP auth username")
	f.StringVar(&cfg.SMTPPassword, "smtp-password", envOrDefault("PLATFORM_SMTP_PASSWORD", ""), "SMTP auth password")
	f.StringVar(&cfg.AdminPassword, "admin-password", envOrDefault("PLATFORM_ADMIN_PASSWORD", ""), "Password for the seeded admin user (empty skips seeding)")
	f.StringVar(&cfg.PipelineNamespace, "pipeline-namespace", envOrDefault("PLATFORM_PIPELINE_NAMESPACE", "platform-pipelines"), "Cluster namespace for pipeline workloads")
	f.StringVar(&cfg.AgentNamespace, "agent-namespace", envOrDefault("PLATFORM_AGENT_NAMESPACE", "platform-agents"), "Cluster namespace for agent session pods")
	f.StringVar(&cfg.DeployNamespace, "deploy-namespace", envOrDefault("PLATFORM_DEPLOY_NAMESPACE", "platform-apps"), "Cluster namespace for application deployments")
	f.StringVar(&cfg.RegistryURL, "registry-url", envOrDefault("PLATFORM_REGISTRY_URL", ""), "Container registry base URL")
	f.StringVar(&cfg.PlatformURL, "platform-url", envOrDefault("PLATFORM_URL", "http://localhost:8080"), "Externally reachable base URL of this server")
	f.BoolVar(&cfg.SecureCookies, "secure-cookies", envBoolOrDefault("PLATFORM_SECURE_COOKIES", false), "Set the Secure flag on auth cookies")
	f.StringVar(&cfg.CORSOrigins, "cors-origins", envOrDefault("PLATFORM_CORS_ORIGINS", ""), "Comma-separated list of allowed CORS origins")
	f.BoolVar(&cfg.TrustProxyHeaders, "trust-proxy-headers", envBoolOrDefault("PLATFORM_TRUST_PROXY_HEADERS", false), "Trust X-Forwarded-For / X-Real-IP from the reverse proxy")
	f.StringVar(&cfg.WebAuthnRPID, "webauthn-rp-id", envOrDefault("PLATFORM_WEBAUTHN_RP_ID", ""), "WebAuthn relying party id for the SPA login flow")
	f.StringVar(&cfg.WebAuthnOrigin, "webauthn-origin", envOrDefault("PLATFORM_WEBAUTHN_ORIGIN", ""), "WebAuthn origin for the SPA login flow")
	f.StringVar(&cfg.WebAuthnRPName, "webauthn-rp-name", envOrDefault("PLATFORM_WEBAUTHN_RP_NAME", "Platform"), "WebAuthn relying party display name")
	f.BoolVar(&cfg.DevMode, "dev", envBoolOrDefault("PLATFORM_DEV_MODE", false), "Development mode: derived master key, debug logging")
	f.StringVar(&cfg.AgentImage, "agent-image", envOrDefault("PLATFORM_AGENT_IMAGE", "ghcr.io/platform-io/agent-runner:latest"), "Container image for agent session pods")
	f.StringVar(&cfg.AgentModel, "agent-model", envOrDefault("PLATFORM_AGENT_MODEL", "sonnet"), "Default model for agent sessions")
	f.IntVar(&cfg.AgentMaxTurns, "agent-max-turns", envIntOrDefault("PLATFORM_AGENT_MAX_TURNS", 40), "Maximum agent turns per session")
	f.StringVar(&cfg.ProviderKeySecret, "provider-key-secret", envOrDefault("PLATFORM_PROVIDER_KEY_SECRET", "provider-api-key"), "Cluster Secret holding the AI provider API key")
	f.StringVar(&cfg.LogLevel, "log-level", envOrDefault("PLATFORM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("platform-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel, cfg.DevMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	if err := db.InitEncryption(masterKey); err != nil {
		return err
	}

	logger.Info("starting platform server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database.
	gormLevel := gormlogger.Warn
	if cfg.DevMode {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}

	// Cache. Optional: without Redis every permission check hits the
	// database and cross-instance invalidation is unavailable.
	var c *cache.Cache
	if cfg.RedisAddr != "" {
		c, err = cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("running without redis, permission caching and event fan-out across instances are disabled")
	}

	// Repositories.
	users := repositories.NewUserRepository(database)
	authSessions := repositories.NewAuthSessionRepository(database)
	apiTokens := repositories.NewApiTokenRepository(database)
	roles := repositories.NewRoleRepository(database)
	delegations := repositories.NewDelegationRepository(database)
	projects := repositories.NewProjectRepository(database)
	secretRepo := repositories.NewSecretRepository(database)
	agentSessions := repositories.NewAgentSessionRepository(database)
	deployments := repositories.NewDeploymentRepository(database)
	previews := repositories.NewPreviewRepository(database)
	webhooks := repositories.NewWebhookRepository(database)
	notifications := repositories.NewNotificationRepository(database)
	telemetry := repositories.NewTelemetryRepository(database)

	// Identity and permissions. The authenticator and engine reference each
	// other, so the permission source is attached after construction.
	authenticator := auth.New(users, authSessions, apiTokens, nil, logger)
	engine := authz.NewEngine(roles, delegations, projects, c, logger)
	authenticator.SetPermissionSource(engine)

	secretEngine, err := secrets.NewEngine(secretRepo, masterKey, logger)
	if err != nil {
		return err
	}

	store, err := objectstore.NewFilesystem(cfg.ObjectStoreDir)
	if err != nil {
		return err
	}

	clients, err := newKubernetesClients()
	if err != nil {
		return err
	}

	hub := stream.NewHub()
	go hub.Run(ctx)

	dispatcher := webhook.NewDispatcher(webhooks, logger)

	controller := agent.NewController(
		agentSessions, users, apiTokens, roles, projects,
		engine, clients, c, store,
		agent.Config{
			Namespace:         cfg.AgentNamespace,
			Image:             cfg.AgentImage,
			Model:             cfg.AgentModel,
			MaxTurns:          cfg.AgentMaxTurns,
			PlatformURL:       cfg.PlatformURL,
			ProviderKeySecret: cfg.ProviderKeySecret,
		},
		logger,
	)

	deployService := deploy.NewService(deployments, previews, projects, engine, dispatcher, cfg.RegistryURL, logger)
	reconciler := deploy.NewReconciler(deployments, previews, projects, clients, cfg.DeployNamespace, dispatcher, logger)

	notifyService := notification.NewService(notification.Config{
		Notifications: notifications,
		Users:         users,
		Hub:           hub,
		Logger:        logger,
		SMTPHost:      cfg.SMTPHost,
		SMTPPort:      cfg.SMTPPort,
		SMTPFrom:      cfg.SMTPFrom,
		SMTPUsername:  cfg.SMTPUsername,
		SMTPPassword:  cfg.SMTPPassword,
	})

	ingestor := otlp.NewIngestor(telemetry, agentSessions, logger)

	if err := bootstrap.NewSeeder(users, roles, logger).Run(ctx, cfg.AdminPassword); err != nil {
		return err
	}

	// Background consumers. Both exit when ctx is cancelled.
	if c != nil {
		go func() {
			if err := engine.RunInvalidationListener(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("invalidation listener stopped", zap.Error(err))
			}
		}()
		go stream.RunBridge(ctx, c, hub, logger)
	}

	scheduler, err := newScheduler(ctx, schedulerDeps{
		reconciler:    reconciler,
		controller:    controller,
		authenticator: authenticator,
		logger:        logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start()

	router := api.NewRouter(api.RouterConfig{
		Authenticator: authenticator,
		Engine:        engine,
		Secrets:       secretEngine,
		Controller:    controller,
		Deployments:   deployService,
		Notifications: notifyService,
		Ingestor:      ingestor,
		Hub:           hub,
		Logger:        logger,
		Users:         users,
		Projects:      projects,
		Roles:         roles,
		Webhooks:      webhooks,
		GitRoot:       cfg.GitRoot,
		CORSOrigins:   cfg.CORSOriginList(),
		Secure:        cfg.SecureCookies,
		TrustProxy:    cfg.TrustProxyHeaders,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down platform server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown error", zap.Error(err))
	}
	return nil
}

type schedulerDeps struct {
	reconciler    *deploy.Reconciler
	controller    *agent.Controller
	authenticator *auth.Authenticator
	logger        *zap.Logger
}

// newScheduler registers the periodic maintenance work: deployment
// reconciliation, preview expiry, agent session reaping and auth session
// purging. Singleton mode keeps slow passes from stacking up.
func newScheduler(ctx context.Context, deps schedulerDeps) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"reconcile", 5 * time.Second, deps.reconciler.Tick},
		{"sweep-previews", time.Minute, deps.reconciler.SweepExpiredPreviews},
		{"reap-sessions", 15 * time.Second, deps.controller.ReapPass},
		{"purge-auth-sessions", time.Hour, deps.authenticator.PurgeExpiredSessions},
	}

	for _, job := range jobs {
		name, fn := job.name, job.fn
		_, err := s.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func() {
				if err := fn(ctx); err != nil {
					deps.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
				}
			}),
			gocron.WithTags(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return s, nil
}

// newKubernetesClients prefers the in-cluster service account and falls back
// to the local kubeconfig for development.
func newKubernetesClients() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildLogger(level string, dev bool) (*zap.Logger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
