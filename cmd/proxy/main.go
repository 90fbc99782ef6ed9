// Command proxy runs the C7 failover reverse proxy: a health prober
// choosing between a primary and standby campaign service, and the HTTP
// surface forwarding /api/campaigns traffic to whichever is active.
package main

import (
	"context"
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
	"github.com/campaignforge/sagaflow/internal/proxy"
	"github.com/campaignforge/sagaflow/pkg/metrics"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	appLog := logging.New("proxy", cfg.LogLevel, cfg.LogFormat)
	rootCtx := context.Background()

	prober := proxy.NewProber(cfg.Proxy, appLog.WithContext(rootCtx))
	handler := proxy.NewHandler(prober, appLog.WithContext(rootCtx))
	router := handler.Router()
	if cfg.MetricsEnabled {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = cfg.Proxy.ListenAddr
	}
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", cfg.ProxyPort)
	}
	httpSvc := httpserver.New("proxy-http", listenAddr, wireMiddleware(router, appLog), appLog.Logger)

	mgr := system.NewManager()
	for _, svc := range []system.Service{prober, httpSvc} {
		if err := mgr.Register(svc); err != nil {
			log.Fatalf("register %s: %v", svc.Name(), err)
		}
	}

	if err := mgr.Start(rootCtx); err != nil {
		log.Fatalf("start proxy: %v", err)
	}
	log.Printf("proxy listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// wireMiddleware layers recovery, security headers, CORS, body/timeout
// limits, logging, and metrics around the proxy's router.
func wireMiddleware(r *mux.Router, appLog *logging.Logger) http.Handler {
	var h http.Handler = r
	h = middleware.NewTimeoutMiddleware(30 * time.Second).Handler(h)
	h = middleware.NewBodyLimitMiddleware(0).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler(h)
	h = middleware.NewCORSMiddleware(nil).Handler(h)
	h = metrics.InstrumentHandler(h)
	h = middleware.NewTracingMiddleware(appLog).Handler(h)
	h = middleware.NewRecoveryMiddleware(appLog).Handler(h)
	return h
}
