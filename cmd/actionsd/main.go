// Actionsd is the binding service: it manages actions (bundles of callable
// functions plus connection metadata for a remote domain) and keeps agents'
// encoded action and tool references in sync as actions are created, edited,
// deleted, attached, and detached.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/strandhq/toolbind/pkg/auth"
	"github.com/strandhq/toolbind/pkg/binding"
	"github.com/strandhq/toolbind/pkg/config"
	"github.com/strandhq/toolbind/pkg/domains"
	"github.com/strandhq/toolbind/pkg/metadata"
	tbOtel "github.com/strandhq/toolbind/pkg/otel"
	"github.com/strandhq/toolbind/pkg/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelShutdown, err := tbOtel.Setup(ctx, tbOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "actionsd"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsEnabled: true,
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Postgres ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, buildPostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, store.Schema); err != nil {
		log.Error("schema apply failed", "error", err)
		os.Exit(1)
	}

	// ── Dependencies ─────────────────────────────────────────────────────
	crypto, err := metadata.NewCrypto(os.Getenv("METADATA_KEY"))
	if err != nil {
		log.Error("metadata key invalid", "error", err)
		os.Exit(1)
	}

	var validator domains.Validator
	if policyURL := os.Getenv("DOMAIN_POLICY_URL"); policyURL != "" {
		validator = domains.NewHTTPValidator(policyURL)
	} else {
		validator = domains.NewAllowlistValidator(os.Getenv("DOMAIN_ALLOWLIST"))
	}

	actionStore := store.NewActionStore(pool)
	agentStore := store.NewAgentStore(pool)
	keyStore := auth.NewKeyStore(os.Getenv("API_KEYS"))

	synchronizer := binding.New(binding.Config{
		Log:          log,
		Actions:      actionStore,
		Agents:       agentStore,
		Crypto:       crypto,
		Validator:    validator,
		Parser:       domains.NormalizeParser{},
		CascadeLimit: config.EnvOrInt("CASCADE_PARALLELISM", 8),
	})

	srv := &Server{
		log:          log,
		binding:      synchronizer,
		agents:       agentStore,
		rateLimiters: make(map[string]*rate.Limiter),
		perUserLimit: config.EnvOrInt("RATE_LIMIT_PER_IDENTITY", 100),
	}

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(config.EnvOrDuration("REQUEST_TIMEOUT", 30*time.Second)))
	r.Use(middleware.Logger)
	r.Use(auth.Middleware(keyStore))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/v1/actions", srv.HandleListActions)
	r.Put("/v1/actions/{action_id}", srv.HandleUpdateAction)
	r.Delete("/v1/actions/{action_id}", srv.HandleDeleteAction)
	r.Post("/v1/agents", srv.HandleCreateAgent)
	r.Post("/v1/agents/{agent_id}/actions", srv.HandleCreateAction)
	r.Put("/v1/agents/{agent_id}/actions/{action_id}", srv.HandleBindAction)
	r.Delete("/v1/agents/{agent_id}/actions/{action_id}", srv.HandleUnbindAction)
	r.Post("/v1/agents/{agent_id}/reconcile", srv.HandleReconcileAgent)

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("ACTIONSD_ADDR", ":8080")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("actionsd starting", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down actionsd")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

func buildPostgresDSN() string {
	sslmode := config.EnvOr("POSTGRES_SSLMODE", "disable")
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.EnvOr("POSTGRES_USER", "toolbind"), config.EnvOr("POSTGRES_PASSWORD", "changeme")),
		Host:     net.JoinHostPort(config.EnvOr("POSTGRES_HOST", "localhost"), config.EnvOr("POSTGRES_PORT", "5432")),
		Path:     config.EnvOr("POSTGRES_DB", "toolbind"),
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}
