package saga

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"

	"github.com/campaignforge/sagaflow/internal/eventbus"
	"github.com/campaignforge/sagaflow/internal/inbox"
)

func newTestPaymentConsumer(t *testing.T) (*PaymentConsumer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PaymentConsumer{
		inbox: inbox.NewStore(db),
		db:    db,
		log:   logrus.NewEntry(logrus.StandardLogger()),
	}, mock
}

func TestPaymentConsumerIgnoresUnrelatedEventTypes(t *testing.T) {
	c, _ := newTestPaymentConsumer(t)
	result, err := c.handle(context.Background(), eventbus.Message{EventType: "PaymentPending"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != eventbus.ResultAck {
		t.Fatalf("result = %v, want ResultAck", result)
	}
}

func TestPaymentConsumerNacksMalformedPayload(t *testing.T) {
	c, _ := newTestPaymentConsumer(t)

	result, err := c.handle(context.Background(), eventbus.Message{EventType: "PaymentCompleted", Payload: []byte("not json")})
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if result != eventbus.ResultNack {
		t.Fatalf("result = %v, want ResultNack", result)
	}
}

func TestPaymentConsumerAcksDuplicateWithoutResolving(t *testing.T) {
	c, mock := newTestPaymentConsumer(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inbox").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	result, err := c.handle(context.Background(), eventbus.Message{
		EventType: "PaymentCompleted",
		Payload:   []byte(`{"payment_id":"pay-1"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != eventbus.ResultAck {
		t.Fatalf("result = %v, want ResultAck", result)
	}
}
