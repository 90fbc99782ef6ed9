// Package saga implements the saga log store (C4) and saga engine (C5): a
// durable state machine executing the forward steps of a business
// transaction and, on failure, its compensating actions in reverse order.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a saga's lifecycle state. Besides the fixed STARTED/COMPLETED/
// FAILED/COMPENSATING/COMPENSATED/TIMED_OUT states, StepOK(n) produces one
// intermediate STEP_OK_<n> state per completed step.
type State string

const (
	StateStarted      State = "STARTED"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateTimedOut     State = "TIMED_OUT"
)

// StepOK returns the intermediate state entered after step index n
// completes successfully.
func StepOK(n int) State {
	return State(fmt.Sprintf("STEP_OK_%d", n))
}

// Terminal reports whether a saga in this state will never transition
// again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated, StateTimedOut:
		return true
	default:
		return false
	}
}

// Saga is one durable instance of a saga topology in flight.
type Saga struct {
	ID             uuid.UUID
	Type           string
	State          State
	InitialPayload json.RawMessage
	StartedAt      time.Time
	EndedAt        *time.Time
	ErrorMessage   string
	TimeoutMinutes int
	Version        int64

	Steps         []Step
	Compensations []Compensation
}

// Step is one forward step within a saga. Once Success is true, neither
// Success nor Result may change again (append-only).
type Step struct {
	ID         uuid.UUID
	SagaID     uuid.UUID
	Sequence   int
	Kind       string
	Input      json.RawMessage
	Result     json.RawMessage
	Success    bool
	Error      string
	ExecutedAt *time.Time

	// PendingRef holds an external correlation ID (e.g. payment ID) for
	// steps whose adapter returned ok-pending; the step is resolved later
	// by an asynchronous event rather than a second invocation.
	PendingRef *string
}

// Waiting reports whether this step has been invoked and is waiting on an
// asynchronous outcome rather than ready to be (re-)invoked.
func (s Step) Waiting() bool {
	return !s.Success && s.Error == "" && s.PendingRef != nil
}

// Pending reports whether this step has neither succeeded, failed, nor been
// handed off to an asynchronous wait — i.e. it is next to invoke.
func (s Step) Pending() bool {
	return !s.Success && s.Error == "" && s.PendingRef == nil
}

// Compensation is the semantic undo of a previously successful step. At
// most one exists per step.
type Compensation struct {
	ID         uuid.UUID
	SagaID     uuid.UUID
	StepID     uuid.UUID
	Kind       string
	Input      json.RawMessage
	Result     json.RawMessage
	Success    bool
	Error      string
	ExecutedAt *time.Time
}

// StepStatus is the outcome reported by a participant adapter invocation.
type StepStatus int

const (
	// StatusOK means the adapter completed synchronously and successfully.
	StatusOK StepStatus = iota
	// StatusOKPending means the adapter accepted the request but the
	// outcome will arrive later via an asynchronous event (PROCESS_PAYMENT).
	StatusOKPending
	// StatusErrRetriable means a transport-level failure (timeout, 5xx,
	// broker unavailable); the engine does not retry synchronously —
	// redelivery of the triggering event drives the next attempt.
	StatusErrRetriable
	// StatusErrNonRetriable means a business failure (4xx); it triggers
	// the compensation chain.
	StatusErrNonRetriable
)

// StepOutcome is returned by a participant adapter's Invoke call.
type StepOutcome struct {
	Status     StepStatus
	Result     json.RawMessage
	PendingRef string
	Error      string
}

// Invoker executes one step or compensation kind against its participant
// service. Implemented by participants.Registry; declared here so this
// package depends on no concrete transport.
type Invoker interface {
	Invoke(ctx context.Context, kind string, input json.RawMessage) (StepOutcome, error)
}
