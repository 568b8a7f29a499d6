package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// compensationTimeout bounds compensation, which runs even after the saga's
// own context is cancelled.
const compensationTimeout = 10 * time.Second

// StepError reports which step failed a saga.
type StepError struct {
	SagaID SagaID
	StepID StepID
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s: %v", e.SagaID, e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Manager manages saga execution and coordination
type Manager struct {
	logger      *zap.Logger
	instances   map[SagaID]*SagaInstance
	definitions map[string]SagaDefinition
	observers   []func(SagaEvent)
	mu          sync.RWMutex
}

// NewManager creates a new saga manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger,
		instances:   make(map[SagaID]*SagaInstance),
		definitions: make(map[string]SagaDefinition),
	}
}

// RegisterDefinition registers a saga definition
func (m *Manager) RegisterDefinition(def SagaDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID()] = def
	m.logger.Info("Saga definition registered", zap.String("id", def.ID()))
}

// Observe registers fn to receive every saga event. fn must not block.
func (m *Manager) Observe(fn func(SagaEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Run executes a saga to completion on the calling goroutine. When a step
// fails, the completed steps are compensated in reverse order and the
// step's error is returned wrapped in a *StepError.
func (m *Manager) Run(ctx context.Context, definitionID string, data SagaData) (SagaID, error) {
	m.mu.Lock()
	def, exists := m.definitions[definitionID]
	if !exists {
		m.mu.Unlock()
		return "", fmt.Errorf("saga definition not found: %s", definitionID)
	}

	sagaID := SagaID(fmt.Sprintf("%s_%s", definitionID, uuid.New().String()))
	steps := def.Steps()

	stepExecs := make([]StepExecution, len(steps))
	for i, step := range steps {
		stepExecs[i] = StepExecution{
			ID:    step.ID(),
			State: StepStatePending,
		}
	}

	instance := &SagaInstance{
		ID:         sagaID,
		Definition: definitionID,
		State:      SagaStateStarted,
		Data:       data,
		Steps:      stepExecs,
		StartedAt:  time.Now(),
	}
	m.instances[sagaID] = instance
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.instances, sagaID)
		m.mu.Unlock()
	}()

	m.emitEvent(SagaEvent{SagaID: sagaID, Type: EventSagaStarted, Timestamp: time.Now()})
	m.logger.Debug("Saga started", zap.String("sagaID", string(sagaID)), zap.String("definition", definitionID))

	return sagaID, m.executeSaga(ctx, instance, steps, def.Timeout())
}

// GetSaga returns a copy of a running saga instance by ID
func (m *Manager) GetSaga(sagaID SagaID) (SagaInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, exists := m.instances[sagaID]
	if !exists {
		return SagaInstance{}, false
	}
	out := *instance
	out.Steps = append([]StepExecution(nil), instance.Steps...)
	return out, true
}

// Running reports how many sagas are executing.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

func (m *Manager) executeSaga(ctx context.Context, instance *SagaInstance, steps []Step, timeout time.Duration) error {
	m.updateSagaState(instance, SagaStateRunning, "")

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lastCompletedStep := -1
	for i, step := range steps {
		if err := m.executeStep(ctx, instance, i, step); err != nil {
			m.logger.Warn("Step failed",
				zap.String("sagaID", string(instance.ID)),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))

			m.compensateSaga(ctx, instance, steps, lastCompletedStep, err)
			return &StepError{SagaID: instance.ID, StepID: step.ID(), Err: err}
		}
		lastCompletedStep = i
	}

	m.completeSaga(instance)
	return nil
}

func (m *Manager) executeStep(ctx context.Context, instance *SagaInstance, stepIndex int, step Step) error {
	now := time.Now()
	m.updateStep(instance, stepIndex, func(s *StepExecution) {
		s.State = StepStateRunning
		s.StartedAt = &now
	})
	m.emitEvent(SagaEvent{SagaID: instance.ID, StepID: step.ID(), Type: EventStepStarted, Timestamp: now})

	var result StepResult
	if err := ctx.Err(); err != nil {
		result = Fail(err)
	} else {
		result = step.Execute(ctx, instance.Data)
	}
	if result.Success {
		if err := ctx.Err(); err != nil {
			result = Fail(err)
		}
	}

	now = time.Now()
	if result.Success {
		m.updateStep(instance, stepIndex, func(s *StepExecution) {
			s.State = StepStateCompleted
			s.CompletedAt = &now
		})
		m.emitEvent(SagaEvent{SagaID: instance.ID, StepID: step.ID(), Type: EventStepCompleted, Timestamp: now})

		m.logger.Debug("Step completed",
			zap.String("sagaID", string(instance.ID)),
			zap.String("stepID", string(step.ID())))
		return nil
	}

	err := result.Error
	if err == nil {
		err = fmt.Errorf("step %s failed", step.ID())
	}
	m.updateStep(instance, stepIndex, func(s *StepExecution) {
		s.State = StepStateFailed
		s.CompletedAt = &now
		s.Error = err.Error()
	})
	m.emitEvent(SagaEvent{SagaID: instance.ID, StepID: step.ID(), Type: EventStepFailed, Timestamp: now, Error: err.Error()})
	return err
}

// compensateSaga runs compensation for completed steps in reverse order
func (m *Manager) compensateSaga(ctx context.Context, instance *SagaInstance, steps []Step, lastCompletedStep int, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for i := lastCompletedStep; i >= 0; i-- {
		step := steps[i]

		m.logger.Debug("Compensating step",
			zap.String("sagaID", string(instance.ID)),
			zap.String("stepID", string(step.ID())))

		if err := step.Compensate(ctx, instance.Data); err != nil {
			m.logger.Error("Compensation failed",
				zap.String("sagaID", string(instance.ID)),
				zap.String("stepID", string(step.ID())),
				zap.Error(err))
			continue
		}
		m.updateStep(instance, i, func(s *StepExecution) { s.State = StepStateCompensated })
		m.emitEvent(SagaEvent{SagaID: instance.ID, StepID: step.ID(), Type: EventStepCompensated, Timestamp: time.Now()})
	}

	m.updateSagaState(instance, SagaStateCompensated, cause.Error())
	m.emitEvent(SagaEvent{SagaID: instance.ID, Type: EventSagaCompensated, Timestamp: time.Now(), Error: cause.Error()})

	m.logger.Info("Saga compensated", zap.String("sagaID", string(instance.ID)), zap.Error(cause))
}

func (m *Manager) completeSaga(instance *SagaInstance) {
	m.updateSagaState(instance, SagaStateCompleted, "")
	m.emitEvent(SagaEvent{SagaID: instance.ID, Type: EventSagaCompleted, Timestamp: time.Now()})

	m.logger.Info("Saga completed", zap.String("sagaID", string(instance.ID)))
}

func (m *Manager) updateSagaState(instance *SagaInstance, state SagaState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance.State = state
	if errMsg != "" {
		instance.Error = errMsg
	}
	if state == SagaStateCompleted || state == SagaStateCompensated {
		now := time.Now()
		instance.CompletedAt = &now
	}
}

func (m *Manager) updateStep(instance *SagaInstance, stepIndex int, fn func(*StepExecution)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stepIndex < len(instance.Steps) {
		fn(&instance.Steps[stepIndex])
	}
}

func (m *Manager) emitEvent(event SagaEvent) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}
