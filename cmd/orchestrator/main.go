// Command orchestrator runs the saga engine, its outbox drainer, the
// saga-events and payments-events consumers, the timeout sweeper, and the
// control-plane HTTP surface behind a single lifecycle manager.
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
	"github.com/campaignforge/sagaflow/internal/config"
	"github.com/campaignforge/sagaflow/internal/control"
	"github.com/campaignforge/sagaflow/internal/eventbus"
	"github.com/campaignforge/sagaflow/internal/inbox"
	"github.com/campaignforge/sagaflow/internal/outbox"
	"github.com/campaignforge/sagaflow/internal/participants"
	"github.com/campaignforge/sagaflow/internal/platform/database"
	"github.com/campaignforge/sagaflow/internal/platform/migrations"
	"github.com/campaignforge/sagaflow/internal/reporting"
	"github.com/campaignforge/sagaflow/internal/saga"
	"github.com/campaignforge/sagaflow/pkg/metrics"
	"github.com/campaignforge/sagaflow/pkg/version"
)

const outboxServiceName = "orchestrator"

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

	appLog := logging.New("orchestrator", cfg.LogLevel, cfg.LogFormat)

	dsnVal := resolveDSN(*dsn, cfg)
	rootCtx := context.Background()

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

	sagaStore := saga.NewStore(db)
	outboxStore := outbox.NewStore(db)
	inboxStore := inbox.NewStore(db)
	reportingStore := reporting.NewStore(db)

	participantRegistry := participants.NewRegistry(cfg.Participants, reportingStore, appLog.WithContext(rootCtx))
	engine := saga.NewEngine(sagaStore, outboxStore, participantRegistry, appLog.WithContext(rootCtx))

	drainer := outbox.NewDrainer(outboxServiceName, outboxStore, publish, cfg.Outbox, appLog.WithContext(rootCtx))
	eventConsumer := saga.NewConsumer(engine, bus, appLog.WithContext(rootCtx))
	paymentConsumer := saga.NewPaymentConsumer(engine, inboxStore, db, bus, appLog.WithContext(rootCtx))
	sweeper := saga.NewSweeper(engine, sagaStore, cfg.Saga, appLog.WithContext(rootCtx))

	controlHandler := control.NewHandler(engine, sagaStore, reportingStore, appLog.WithContext(rootCtx)).
		WithOutboxStats(outboxStore)
	router := controlHandler.Router()
	registerHealthRoute(router, db)
	if cfg.MetricsEnabled {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	httpSvc := httpserver.New("control", listenAddr(*addr, cfg.OrchestratorPort), wireMiddleware(router, appLog), appLog.Logger)

	mgr := system.NewManager()
	for _, svc := range []system.Service{drainer, eventConsumer, paymentConsumer, sweeper, httpSvc} {
		if err := mgr.Register(svc); err != nil {
			log.Fatalf("register %s: %v", svc.Name(), err)
		}
	}

	if err := mgr.Start(rootCtx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}
	log.Printf("orchestrator listening on %s", httpSvc.Name())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if flagDSN != "" {
		return flagDSN
	}
	if envDSN := os.Getenv("DATABASE_URL"); envDSN != "" {
		return envDSN
	}
	if cfg.Database.DSN != "" {
		return cfg.Database.DSN
	}
	return cfg.Database.ConnectionString()
}

func listenAddr(flagAddr string, port int) string {
	if flagAddr != "" {
		return flagAddr
	}
	return fmt.Sprintf(":%d", port)
}

// registerHealthRoute exposes liveness at /health and wires a Postgres ping
// as the sole readiness dependency the orchestrator has.
func registerHealthRoute(r *mux.Router, db *sql.DB) {
	checker := middleware.NewHealthChecker(version.Version)
	checker.RegisterCheck("postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
	r.HandleFunc("/health", checker.Handler()).Methods(http.MethodGet)
}

// wireMiddleware layers recovery, security headers, CORS, body/timeout
// limits, logging, and metrics around the control surface's router,
// matching the order the HTTP API service uses: recovery outermost so a
// panic anywhere downstream is always caught.
func wireMiddleware(r *mux.Router, appLog *logging.Logger) http.Handler {
	var h http.Handler = r
	h = middleware.NewTimeoutMiddleware(30 * time.Second).Handler(h)
	h = middleware.NewBodyLimitMiddleware(0).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler(h)
	h = middleware.NewValidationMiddleware(middleware.DefaultValidationConfig()).Handler(h)
	h = middleware.NewCORSMiddleware(nil).Handler(h)
	h = metrics.InstrumentHandler(h)
	h = middleware.NewTracingMiddleware(appLog).Handler(h)
	h = middleware.NewRecoveryMiddleware(appLog).Handler(h)
	return h
}
