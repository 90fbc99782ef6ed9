package saga

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/campaignforge/sagaflow/internal/eventbus"
)

func newTestConsumer() *Consumer {
	return &Consumer{log: logrus.NewEntry(logrus.StandardLogger())}
}

func TestHandleIgnoresNonAdvanceEventTypes(t *testing.T) {
	c := newTestConsumer()
	for _, eventType := range []string{"SagaStepExecuted", "SagaCompleted", "SagaFailed", "SagaCompensated", "SagaTimedOut"} {
		result, err := c.handle(context.Background(), eventbus.Message{EventType: eventType})
		if err != nil {
			t.Fatalf("handle(%s): unexpected error %v", eventType, err)
		}
		if result != eventbus.ResultAck {
			t.Fatalf("handle(%s) = %v, want ResultAck", eventType, result)
		}
	}
}

func TestHandleNacksMalformedAdvancePayload(t *testing.T) {
	c := newTestConsumer()
	result, err := c.handle(context.Background(), eventbus.Message{EventType: "SagaAdvance", Payload: []byte("not json")})
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if result != eventbus.ResultNack {
		t.Fatalf("result = %v, want ResultNack", result)
	}
}

func TestAdvanceTriggersCoversStartAndAdvance(t *testing.T) {
	if !advanceTriggers["SagaStarted"] || !advanceTriggers["SagaAdvance"] {
		t.Fatal("expected SagaStarted and SagaAdvance to trigger Advance")
	}
	if advanceTriggers["SagaCompleted"] {
		t.Fatal("terminal events should not trigger Advance")
	}
}
