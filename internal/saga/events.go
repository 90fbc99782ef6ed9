package saga

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Topic is the broker topic carrying every saga lifecycle and progress
// event. Partition key is always the saga ID, preserving per-saga order.
const Topic = "saga-events"

// PaymentTopic carries the payment service's own lifecycle events,
// partitioned by payment ID. The engine only cares about the terminal two;
// PaymentPending is published for observability and ignored here.
const PaymentTopic = "payments-events"

// PaymentResolvedData is the payload of PaymentCompleted/PaymentFailed.
type PaymentResolvedData struct {
	PaymentID string          `json:"payment_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SagaStartedData is the payload of a SagaStarted event.
type SagaStartedData struct {
	SagaID uuid.UUID `json:"saga_id"`
	Type   string    `json:"type"`
}

// SagaAdvanceData requests the consumer re-evaluate a saga's next step. It
// is the engine's internal self-loop signal, standing in for "the event is
// redelivered" in the event-driven step-execution loop.
type SagaAdvanceData struct {
	SagaID uuid.UUID `json:"saga_id"`
}

// SagaStepExecutedData reports one step's outcome.
type SagaStepExecutedData struct {
	SagaID  uuid.UUID `json:"saga_id"`
	StepID  uuid.UUID `json:"step_id"`
	Kind    string    `json:"kind"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// SagaCompensationExecutedData reports one compensation's outcome.
type SagaCompensationExecutedData struct {
	SagaID  uuid.UUID `json:"saga_id"`
	StepID  uuid.UUID `json:"step_id"`
	Kind    string    `json:"kind"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// SagaTerminalData is the payload shared by SagaCompleted, SagaFailed,
// SagaCompensated, and SagaTimedOut.
type SagaTerminalData struct {
	SagaID uuid.UUID `json:"saga_id"`
	State  State     `json:"state"`
	Error  string    `json:"error,omitempty"`
}
