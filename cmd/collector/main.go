// Command collector runs the C8 tracking-event ingress pipeline: the
// validation/dedup/rate-limit Collector, its outbox drainer, and the HTTP
// surface for ingestion and admin lookups.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/campaignforge/sagaflow/infrastructure/logging"
	"github.com/campaignforge/sagaflow/infrastructure/middleware"
	"github.com/campaignforge/sagaflow/internal/app/httpserver"
	"github.com/campaignforge/sagaflow/internal/app/system"
	"github.com/campaignforge/sagaflow/internal/collector"
	"github.com/campaignforge/sagaflow/internal/config"
	"github.com/campaignforge/sagaflow/internal/eventbus"
	"github.com/campaignforge/sagaflow/internal/outbox"
	"github.com/campaignforge/sagaflow/internal/platform/database"
	"github.com/campaignforge/sagaflow/internal/platform/migrations"
	"github.com/campaignforge/sagaflow/pkg/metrics"
	"github.com/campaignforge/sagaflow/pkg/version"
)

const outboxServiceName = "collector"

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLog := logging.New("collector", cfg.LogLevel, cfg.LogFormat)
	rootCtx := context.Background()

	dsnVal := *dsn
	if dsnVal == "" {
		dsnVal = os.Getenv("DATABASE_URL")
	}
	if dsnVal == "" {
		dsnVal = cfg.Database.DSN
	}
	if dsnVal == "" {
		dsnVal = cfg.Database.ConnectionString()
	}

	db, err := database.Open(rootCtx, dsnVal)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	busDSN := dsnVal
	if cfg.EventBus.BrokerURL != "" {
		busDSN = cfg.EventBus.BrokerURL
	}
	bus, err := eventbus.New(db, busDSN, cfg.EventBus, appLog.WithContext(rootCtx))
	if err != nil {
		log.Fatalf("start event bus: %v", err)
	}
	defer bus.Close()

	publish := func(ctx context.Context, topic, partitionKey string, payload interface{}, properties map[string]string) error {
		_, err := bus.Publish(ctx, topic, partitionKey, payload, properties)
		return err
	}

	var store collector.Store
	if cfg.Collector.UseRedis {
		store = collector.NewRedisStore(cfg.Collector.RedisAddr())
	} else {
		store = collector.NewMemoryStore()
	}

	outboxStore := outbox.NewStore(db)
	coll := collector.New(db, store, outboxStore, cfg.Collector, appLog.WithContext(rootCtx))
	handler := collector.NewHandler(coll)
	drainer := outbox.NewDrainer(outboxServiceName, outboxStore, publish, cfg.Outbox, appLog.WithContext(rootCtx))

	router := handler.Router()
	registerHealthRoute(router, db)
	if cfg.MetricsEnabled {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", cfg.CollectorPort)
	}
	handlerChain, stopRateLimiterCleanup := wireMiddleware(router, appLog)
	httpSvc := httpserver.New("collector-http", listenAddr, handlerChain, appLog.Logger)

	mgr := system.NewManager()
	for _, svc := range []system.Service{drainer, httpSvc} {
		if err := mgr.Register(svc); err != nil {
			log.Fatalf("register %s: %v", svc.Name(), err)
		}
	}

	if err := mgr.Start(rootCtx); err != nil {
		log.Fatalf("start collector: %v", err)
	}
	log.Printf("collector listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopRateLimiterCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// registerHealthRoute exposes liveness at /health with a Postgres ping as
// the collector's readiness dependency.
func registerHealthRoute(r *mux.Router, db *sql.DB) {
	checker := middleware.NewHealthChecker(version.Version)
	checker.RegisterCheck("postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
	r.HandleFunc("/health", checker.Handler()).Methods(http.MethodGet)
}

// wireMiddleware layers recovery, a per-client IP rate limit (the ingestion
// endpoint is internet-facing and unauthenticated), CORS for browser
// trackers, body/timeout limits, logging, and metrics around the
// collector's router. The returned stop func must be called on shutdown to
// halt the rate limiter's background cleanup goroutine.
func wireMiddleware(r *mux.Router, appLog *logging.Logger) (http.Handler, func()) {
	rlCfg := middleware.DefaultRateLimiterConfig(appLog)
	limiter := middleware.NewRateLimiterFromConfig(rlCfg)
	stop := middleware.StartCleanupFromConfig(limiter, rlCfg)

	var h http.Handler = r
	h = middleware.NewTimeoutMiddleware(30 * time.Second).Handler(h)
	h = middleware.NewBodyLimitMiddleware(0).Handler(h)
	h = limiter.Handler(h)
	h = middleware.NewValidationMiddleware(middleware.DefaultValidationConfig()).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler(h)
	h = middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: []string{"*"}}).Handler(h)
	h = metrics.InstrumentHandler(h)
	h = middleware.NewTracingMiddleware(appLog).Handler(h)
	h = middleware.NewRecoveryMiddleware(appLog).Handler(h)
	return h, stop
}
