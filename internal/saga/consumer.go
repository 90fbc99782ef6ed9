package saga

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/eventbus"
)

// subscriptionName is the engine's own subscription on the saga-events
// topic. SagaStarted kicks off the first step; SagaAdvance re-enters the
// engine after each subsequent step. Every other event type on this topic
// is a record of past progress the engine itself has no further work to do
// for, so it is acked and ignored.
const subscriptionName = "saga-engine"

// advanceTriggers are the event types that cause this consumer to call
// Engine.Advance: SagaStarted drives the first step, SagaAdvance every
// step after.
var advanceTriggers = map[string]bool{
	"SagaStarted": true,
	"SagaAdvance": true,
}

// Consumer subscribes the engine to its own saga-events topic, turning each
// SagaStarted/SagaAdvance delivery into a call to Engine.Advance. This is
// the event-driven replacement for an in-process step loop: a step's
// completion writes a SagaAdvance event to the outbox, the drainer
// publishes it, and this consumer's delivery re-enters Advance for the
// next step.
type Consumer struct {
	engine *Engine
	bus    *eventbus.Bus
	log    *logrus.Entry
	sub    *eventbus.Subscription
}

// NewConsumer wires a Consumer over a running Engine and Bus.
func NewConsumer(engine *Engine, bus *eventbus.Bus, log *logrus.Entry) *Consumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Consumer{engine: engine, bus: bus, log: log.WithField("component", "saga.consumer")}
}

// Name identifies this service to the system lifecycle manager.
func (c *Consumer) Name() string { return "saga-consumer" }

// Descriptor advertises this consumer's placement to documentation/ops tooling.
func (c *Consumer) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   c.Name(),
		Domain: "saga",
		Layer:  core.LayerEngine,
	}.WithCapabilities("advance")
}

// Start registers the subscription. The bus owns the poller goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, Topic, subscriptionName, eventbus.Shared, c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop closes the subscription, waiting for any in-flight delivery.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.sub != nil {
		c.sub.Close()
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg eventbus.Message) (eventbus.Result, error) {
	if !advanceTriggers[msg.EventType] {
		return eventbus.ResultAck, nil
	}

	var data struct {
		SagaID uuid.UUID `json:"saga_id"`
	}
	if err := json.Unmarshal(msg.Payload, &data); err != nil {
		c.log.WithError(err).WithField("event_type", msg.EventType).Warn("saga: malformed payload, dead-lettering")
		return eventbus.ResultNack, err
	}

	if err := c.engine.Advance(ctx, data.SagaID); err != nil {
		c.log.WithError(err).WithField("saga_id", data.SagaID).Warn("saga: advance failed, will retry")
		return eventbus.ResultNack, err
	}
	return eventbus.ResultAck, nil
}
