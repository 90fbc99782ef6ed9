// Package httpserver adapts a plain http.Handler into a system.Service so
// every binary's HTTP surface starts and stops under the same lifecycle
// manager as its background consumers and drainers.
package httpserver

import (
	"context"
	"net/http"
	"time"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/pkg/logger"
)

// Service wraps an http.Server behind the system.Service lifecycle.
type Service struct {
	name    string
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logger.Logger
}

// New builds a named Service listening on addr once started.
func New(name, addr string, handler http.Handler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault(name)
	}
	return &Service{name: name, addr: addr, handler: handler, log: log}
}

// Name identifies this service to the system lifecycle manager.
func (s *Service) Name() string { return s.name }

// Descriptor advertises this service's placement to documentation/ops tooling.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: s.name, Domain: s.name, Layer: core.LayerIngress, Capabilities: []string{"http"}}
}

// Start launches the listener in the background and returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("%s: listen: %v", s.name, err)
		}
	}()
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
