package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/config"
)

// Sweeper is a system.Service that periodically scans for non-terminal
// sagas whose deadline has passed, marks them TIMED_OUT, and runs their
// compensation chain if any step had already succeeded. It runs its sweep
// on a cron schedule rather than a bare ticker so the cadence can be
// expressed the same way any other scheduled job in the fleet is.
type Sweeper struct {
	engine *Engine
	store  *Store
	cfg    config.SagaConfig
	log    *logrus.Entry
	hooks  core.ObservationHooks

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper constructs the timeout sweeper.
func NewSweeper(engine *Engine, store *Store, cfg config.SagaConfig, log *logrus.Entry) *Sweeper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sweeper{engine: engine, store: store, cfg: cfg, log: log.WithField("component", "saga.sweeper")}
}

// Name identifies this service instance to the system lifecycle manager.
func (s *Sweeper) Name() string { return "saga-sweeper" }

// Descriptor advertises this sweeper's placement to documentation/ops tooling.
func (s *Sweeper) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "saga",
		Layer:        core.LayerEngine,
		Capabilities: []string{"timeout-detection", "compensation-trigger"},
	}
}

// Start schedules the sweep on its cron cadence and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.sweepOnce(ctx); err != nil {
			s.log.WithError(err).Warn("saga: sweep cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("saga: schedule sweeper: %w", err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	return nil
}

// Stop halts the cron schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	complete := core.StartObservation(ctx, s.hooks, map[string]string{"resource": "saga", "op": "sweep"})
	var err error
	defer func() { complete(err) }()

	pending, listErr := s.store.ListPending(ctx)
	if listErr != nil {
		err = listErr
		return err
	}

	now := time.Now().UTC()
	for _, instance := range pending {
		deadline := instance.StartedAt.Add(time.Duration(instance.TimeoutMinutes) * time.Minute)
		if now.Before(deadline) {
			continue
		}
		if handleErr := s.engine.HandleTimeout(ctx, instance); handleErr != nil {
			s.log.WithError(handleErr).WithField("saga_id", instance.ID).Warn("saga: timeout handling failed")
		}
	}
	return nil
}
