package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/config"
	"github.com/campaignforge/sagaflow/internal/eventbus"
)

// Drainer is a system.Service that repeatedly selects pending outbox rows
// for one service, publishes them via the event bus, and marks them
// processed. It backs off on consecutive empty cycles so an idle service
// does not hammer the database.
type Drainer struct {
	name    string
	store   *Store
	publish func(ctx context.Context, topic, partitionKey string, payload interface{}, properties map[string]string) error
	cfg     config.OutboxConfig
	log     *logrus.Entry
	hooks   core.ObservationHooks

	mu      sync.Mutex
	stopped chan struct{}
	cancel  context.CancelFunc
}

// PublishFunc adapts any publisher (typically *eventbus.Bus.Publish) to the
// signature the drainer uses internally, decoupling this package from the
// concrete return type of Publish.
type PublishFunc func(ctx context.Context, topic, partitionKey string, payload interface{}, properties map[string]string) error

// NewDrainer constructs a drainer for the named service.
func NewDrainer(serviceName string, store *Store, publish PublishFunc, cfg config.OutboxConfig, log *logrus.Entry) *Drainer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Drainer{
		name:    serviceName,
		store:   store,
		publish: publish,
		cfg:     cfg,
		log:     log.WithField("component", "outbox.drainer").WithField("service", serviceName),
	}
}

// Name identifies this service instance to the system lifecycle manager.
func (d *Drainer) Name() string { return "outbox-drainer-" + d.name }

// Descriptor advertises this drainer's placement to documentation/ops tooling.
func (d *Drainer) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         d.Name(),
		Domain:       "outbox",
		Layer:        core.LayerEngine,
		Capabilities: []string{"drain", "publish"},
	}
}

// Start launches the drain loop in the background and returns immediately.
func (d *Drainer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.stopped = make(chan struct{})
	d.mu.Unlock()

	go d.run(runCtx)
	return nil
}

// Stop signals the drain loop to exit and waits for it to finish its
// current cycle.
func (d *Drainer) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	stopped := d.stopped
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Drainer) run(ctx context.Context) {
	defer close(d.stopped)

	interval := d.cfg.DrainInterval
	if interval <= 0 {
		interval = time.Second
	}
	maxBackoff := d.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	backoff := interval
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		published, err := d.drainOnce(ctx)
		switch {
		case err != nil:
			d.log.WithError(err).Warn("outbox: drain cycle failed")
			backoff = interval
		case published == 0:
			backoff = nextBackoff(backoff, maxBackoff)
		default:
			backoff = interval
		}
		timer.Reset(backoff)
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}

func (d *Drainer) drainOnce(ctx context.Context) (int, error) {
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	rows, err := d.store.SelectPendingBatch(ctx, d.name, batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		complete := core.StartObservation(ctx, d.hooks, map[string]string{"resource": "outbox", "kind": row.Kind})
		envelope := eventbus.Envelope{
			SchemaVersion: eventbus.SchemaVersion,
			EventType:     row.Kind,
			EventID:       row.ID.String(),
			Timestamp:     row.CreatedAt,
			Data:          row.Payload,
		}
		err := d.publish(ctx, row.Topic, row.PartitionKey, envelope, map[string]string{
			"event_kind": row.Kind,
			"service":    d.name,
		})
		complete(err)
		if err != nil {
			d.log.WithError(err).WithField("outbox_id", row.ID).Warn("outbox: publish failed, will retry next cycle")
			continue
		}
		if err := d.store.MarkProcessed(ctx, row.ID); err != nil {
			d.log.WithError(err).WithField("outbox_id", row.ID).Warn("outbox: mark processed failed")
			continue
		}
		published++
	}
	return published, nil
}
