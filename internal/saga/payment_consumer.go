package saga

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/sirupsen/logrus"

	core "github.com/campaignforge/sagaflow/internal/app/core/service"
	"github.com/campaignforge/sagaflow/internal/eventbus"
	"github.com/campaignforge/sagaflow/internal/inbox"
)

// paymentConsumerName identifies this consumer in the inbox so a redelivered
// PaymentCompleted/PaymentFailed resolves a step exactly once.
const paymentConsumerName = "saga-payment-resolver"

// PaymentConsumer resolves the single asynchronous step in the topology:
// PROCESS_PAYMENT returns ok-pending immediately, and this consumer flips it
// to success or failure once the payment service's own event arrives.
type PaymentConsumer struct {
	engine *Engine
	inbox  *inbox.Store
	db     *sql.DB
	bus    *eventbus.Bus
	log    *logrus.Entry
	sub    *eventbus.Subscription
}

// NewPaymentConsumer wires a PaymentConsumer over a running Engine and Bus.
func NewPaymentConsumer(engine *Engine, inboxStore *inbox.Store, db *sql.DB, bus *eventbus.Bus, log *logrus.Entry) *PaymentConsumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PaymentConsumer{
		engine: engine,
		inbox:  inboxStore,
		db:     db,
		bus:    bus,
		log:    log.WithField("component", "saga.payment_consumer"),
	}
}

// Name identifies this service to the system lifecycle manager.
func (c *PaymentConsumer) Name() string { return "saga-payment-consumer" }

// Descriptor advertises this consumer's placement to documentation/ops tooling.
func (c *PaymentConsumer) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         c.Name(),
		Domain:       "saga",
		Layer:        core.LayerEngine,
		Capabilities: []string{"resolve-payment"},
	}
}

// Start registers the subscription on the payments topic.
func (c *PaymentConsumer) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, PaymentTopic, paymentConsumerName, eventbus.Shared, c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop closes the subscription.
func (c *PaymentConsumer) Stop(ctx context.Context) error {
	if c.sub != nil {
		c.sub.Close()
	}
	return nil
}

func (c *PaymentConsumer) handle(ctx context.Context, msg eventbus.Message) (eventbus.Result, error) {
	if msg.EventType != "PaymentCompleted" && msg.EventType != "PaymentFailed" {
		return eventbus.ResultAck, nil
	}

	var data PaymentResolvedData
	if err := json.Unmarshal(msg.Payload, &data); err != nil {
		c.log.WithError(err).WithField("event_type", msg.EventType).Warn("saga: malformed payment payload, dead-lettering")
		return eventbus.ResultNack, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eventbus.ResultNack, err
	}
	defer tx.Rollback()

	outcome, err := c.inbox.SeenOrMark(ctx, tx, paymentConsumerName, msg.ID, msg.EventType, msg.Payload)
	if err != nil {
		return eventbus.ResultNack, err
	}
	if outcome == inbox.Duplicate {
		return eventbus.ResultAck, nil
	}
	if err := tx.Commit(); err != nil {
		return eventbus.ResultNack, err
	}

	success := msg.EventType == "PaymentCompleted"
	if err := c.engine.ResolvePayment(ctx, data.PaymentID, success, data.Result, data.Error); err != nil {
		c.log.WithError(err).WithField("payment_id", data.PaymentID).Warn("saga: resolve payment failed, will retry")
		return eventbus.ResultNack, err
	}
	return eventbus.ResultAck, nil
}
