package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/campaignforge/sagaflow/internal/outbox"
)

// outboxService is the service name under which the engine files its own
// outbox rows, distinguishing them from participant services' outboxes.
const outboxService = "orchestrator"

// Engine drives the saga state machine: scheduling the next step, invoking
// the matching participant adapter, recording the result, and triggering
// the compensation chain on failure.
type Engine struct {
	store   *Store
	outbox  *outbox.Store
	invoker Invoker
	log     *logrus.Entry
}

// NewEngine wires a saga store, the orchestrator's own outbox, and the
// participant adapter registry.
func NewEngine(store *Store, outboxStore *outbox.Store, invoker Invoker, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{store: store, outbox: outboxStore, invoker: invoker, log: log.WithField("component", "saga.engine")}
}

// pendingEvent is one outbox row the engine still needs to write, queued up
// while a transition is computed and flushed inside the same transaction as
// the saga write that produced it.
type pendingEvent struct {
	kind string
	data interface{}
}

// Start persists a new saga with its steps pre-enumerated from the
// registered topology and emits SagaStarted from the same transaction.
func (e *Engine) Start(ctx context.Context, sagaType string, stepInputs map[string]json.RawMessage, initialPayload json.RawMessage, timeoutMinutes int) (*Saga, error) {
	def, ok := Lookup(sagaType)
	if !ok {
		return nil, fmt.Errorf("saga: unknown saga type %q", sagaType)
	}
	if timeoutMinutes <= 0 {
		timeoutMinutes = 30
	}

	instance := &Saga{
		ID:             uuid.New(),
		Type:           sagaType,
		State:          StateStarted,
		InitialPayload: initialPayload,
		TimeoutMinutes: timeoutMinutes,
	}
	for i, kind := range def.Steps {
		instance.Steps = append(instance.Steps, Step{
			ID:       uuid.New(),
			SagaID:   instance.ID,
			Sequence: i,
			Kind:     kind,
			Input:    stepInputs[kind],
		})
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("saga: start begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.Create(ctx, tx, instance); err != nil {
		return nil, err
	}
	if err := e.writeEvent(ctx, tx, instance.ID, "SagaStarted", SagaStartedData{SagaID: instance.ID, Type: sagaType}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("saga: start commit: %w", err)
	}
	return instance, nil
}

// Advance loads the saga, performs at most one state transition (invoking
// the next pending step's participant adapter, completing the saga, or
// doing nothing while a step awaits an asynchronous outcome), and persists
// the result along with whatever follow-up events it produces. It is safe
// to call repeatedly; per-saga ordering comes from the subscription
// delivering saga-events in partition-key order, not from locking here.
func (e *Engine) Advance(ctx context.Context, sagaID uuid.UUID) error {
	instance, err := e.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return nil
	}

	idx, step := firstIncompleteStep(instance)
	if step == nil {
		return e.complete(ctx, instance)
	}
	if step.Waiting() {
		return nil
	}

	outcome, invokeErr := e.invoker.Invoke(ctx, step.Kind, step.Input)
	return e.applyStepOutcome(ctx, instance, idx, outcome, invokeErr)
}

func firstIncompleteStep(s *Saga) (int, *Step) {
	for i := range s.Steps {
		if !s.Steps[i].Success && s.Steps[i].Error == "" {
			return i, &s.Steps[i]
		}
	}
	return -1, nil
}

func (e *Engine) applyStepOutcome(ctx context.Context, instance *Saga, idx int, outcome StepOutcome, invokeErr error) error {
	now := time.Now().UTC()
	step := &instance.Steps[idx]

	switch outcome.Status {
	case StatusOK:
		step.Success = true
		step.Result = outcome.Result
		step.ExecutedAt = &now
		instance.State = StepOK(idx)
		return e.persist(ctx, instance,
			pendingEvent{"SagaStepExecuted", SagaStepExecutedData{SagaID: instance.ID, StepID: step.ID, Kind: step.Kind, Success: true}},
			pendingEvent{"SagaAdvance", SagaAdvanceData{SagaID: instance.ID}},
		)

	case StatusOKPending:
		ref := outcome.PendingRef
		step.PendingRef = &ref
		return e.persist(ctx, instance)

	case StatusErrRetriable:
		if invokeErr == nil {
			invokeErr = fmt.Errorf("saga: retriable failure invoking %s: %s", step.Kind, outcome.Error)
		}
		return invokeErr

	default: // StatusErrNonRetriable
		step.Error = outcome.Error
		if step.Error == "" {
			step.Error = "participant rejected request"
		}
		step.ExecutedAt = &now
		return e.failStep(ctx, instance, step)
	}
}

// ResolvePayment is called by the payment-events consumer when a
// PaymentCompleted/PaymentFailed event arrives for a step currently waiting
// in StatusOKPending.
func (e *Engine) ResolvePayment(ctx context.Context, paymentID string, success bool, result json.RawMessage, errMsg string) error {
	sagaID, stepID, err := e.findPendingStep(ctx, "PROCESS_PAYMENT", paymentID)
	if err != nil {
		return err
	}

	instance, err := e.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if instance.State.Terminal() {
		return nil
	}

	idx := -1
	for i := range instance.Steps {
		if instance.Steps[i].ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("saga: step %s not found on saga %s", stepID, sagaID)
	}

	outcome := StepOutcome{Status: StatusOK, Result: result}
	if !success {
		outcome.Status = StatusErrNonRetriable
		outcome.Error = errMsg
	}
	instance.Steps[idx].PendingRef = nil
	return e.applyStepOutcome(ctx, instance, idx, outcome, nil)
}

func (e *Engine) findPendingStep(ctx context.Context, kind, ref string) (sagaID, stepID uuid.UUID, err error) {
	const q = `SELECT saga_id, id FROM saga_steps WHERE kind = $1 AND pending_ref = $2`
	row := e.store.DB().QueryRowContext(ctx, q, kind, ref)
	if scanErr := row.Scan(&sagaID, &stepID); scanErr != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("saga: find pending step %s/%s: %w", kind, ref, scanErr)
	}
	return sagaID, stepID, nil
}

// failStep marks the triggering step failed. If no earlier step in this saga
// ever succeeded there is nothing to undo, so the saga goes straight to
// FAILED; otherwise it enters COMPENSATING and the compensation chain runs
// immediately.
func (e *Engine) failStep(ctx context.Context, instance *Saga, failed *Step) error {
	anyPriorSuccess := false
	for i := range instance.Steps {
		if instance.Steps[i].ID == failed.ID {
			break
		}
		if instance.Steps[i].Success {
			anyPriorSuccess = true
		}
	}

	stepEvent := pendingEvent{"SagaStepExecuted", SagaStepExecutedData{
		SagaID: instance.ID, StepID: failed.ID, Kind: failed.Kind, Success: false, Error: failed.Error,
	}}

	if !anyPriorSuccess {
		now := time.Now().UTC()
		instance.State = StateFailed
		instance.EndedAt = &now
		instance.ErrorMessage = failed.Error
		return e.persist(ctx, instance, stepEvent,
			pendingEvent{"SagaFailed", SagaTerminalData{SagaID: instance.ID, State: StateFailed, Error: failed.Error}},
		)
	}

	instance.State = StateCompensating
	instance.ErrorMessage = failed.Error
	if err := e.persist(ctx, instance, stepEvent,
		pendingEvent{"SagaFailed", SagaTerminalData{SagaID: instance.ID, State: StateCompensating, Error: failed.Error}},
	); err != nil {
		return err
	}
	return e.runCompensations(ctx, instance)
}

// runCompensations walks successfully completed steps in reverse order,
// invoking each one's compensation adapter. A compensation failure is
// recorded but does not abort the walk or get retried; the saga always ends
// in COMPENSATED once every eligible step has been visited.
func (e *Engine) runCompensations(ctx context.Context, instance *Saga) error {
	def, ok := Lookup(instance.Type)
	if !ok {
		return fmt.Errorf("saga: unknown saga type %q", instance.Type)
	}

	already := make(map[uuid.UUID]bool, len(instance.Compensations))
	for _, c := range instance.Compensations {
		already[c.StepID] = true
	}

	for i := len(instance.Steps) - 1; i >= 0; i-- {
		step := instance.Steps[i]
		if !step.Success || already[step.ID] {
			continue
		}
		compKind, ok := def.CompensationFor(step.Kind)
		if !ok {
			continue
		}

		outcome, invokeErr := e.invoker.Invoke(ctx, compKind, step.Result)
		now := time.Now().UTC()
		comp := Compensation{
			ID:         uuid.New(),
			SagaID:     instance.ID,
			StepID:     step.ID,
			Kind:       compKind,
			Input:      step.Result,
			ExecutedAt: &now,
		}
		if invokeErr == nil && outcome.Status == StatusOK {
			comp.Success = true
			comp.Result = outcome.Result
		} else {
			comp.Success = false
			comp.Error = outcome.Error
			if comp.Error == "" && invokeErr != nil {
				comp.Error = invokeErr.Error()
			}
			e.log.WithFields(logrus.Fields{"saga_id": instance.ID, "step_kind": step.Kind}).
				Warn("saga: compensation failed, continuing chain")
		}
		instance.Compensations = append(instance.Compensations, comp)

		if err := e.persist(ctx, instance, pendingEvent{"SagaCompensationExecuted", SagaCompensationExecutedData{
			SagaID: instance.ID, StepID: step.ID, Kind: compKind, Success: comp.Success, Error: comp.Error,
		}}); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	instance.State = StateCompensated
	instance.EndedAt = &now
	return e.persist(ctx, instance, pendingEvent{"SagaCompensated", SagaTerminalData{SagaID: instance.ID, State: StateCompensated}})
}

func (e *Engine) complete(ctx context.Context, instance *Saga) error {
	now := time.Now().UTC()
	instance.State = StateCompleted
	instance.EndedAt = &now
	return e.persist(ctx, instance, pendingEvent{"SagaCompleted", SagaTerminalData{SagaID: instance.ID, State: StateCompleted}})
}

// HandleTimeout marks instance TIMED_OUT and, if any step had already
// succeeded, immediately walks the compensation chain.
func (e *Engine) HandleTimeout(ctx context.Context, instance *Saga) error {
	now := time.Now().UTC()
	instance.State = StateTimedOut
	instance.EndedAt = &now
	instance.ErrorMessage = "saga timed out"
	if err := e.persist(ctx, instance, pendingEvent{"SagaTimedOut", SagaTerminalData{SagaID: instance.ID, State: StateTimedOut}}); err != nil {
		return err
	}

	anySuccess := false
	for _, st := range instance.Steps {
		if st.Success {
			anySuccess = true
			break
		}
	}
	if !anySuccess {
		return nil
	}

	instance.State = StateCompensating
	if err := e.persist(ctx, instance); err != nil {
		return err
	}
	return e.runCompensations(ctx, instance)
}

// persist writes instance via Update using its current Version as the
// expected value, then writes every pending event to the orchestrator's own
// outbox in the same transaction, so a commit never leaves a state change
// unaccompanied by its event (or vice versa).
func (e *Engine) persist(ctx context.Context, instance *Saga, events ...pendingEvent) error {
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saga: persist begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.Update(ctx, tx, instance, instance.Version); err != nil {
		return err
	}
	for _, ev := range events {
		if err := e.writeEvent(ctx, tx, instance.ID, ev.kind, ev.data); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saga: persist commit: %w", err)
	}
	return nil
}

func (e *Engine) writeEvent(ctx context.Context, tx *sql.Tx, sagaID uuid.UUID, eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("saga: marshal %s payload: %w", eventType, err)
	}
	return e.outbox.Insert(ctx, tx, outbox.Row{
		Service:      outboxService,
		Kind:         eventType,
		Payload:      payload,
		Topic:        Topic,
		PartitionKey: sagaID.String(),
	})
}
