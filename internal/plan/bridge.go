package plan

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Sentinel errors returned by the registry and bridge. The gateway maps
// ErrNotFound to 404 and the guard errors to 409.
var (
	ErrNotFound          = errors.New("plan not found")
	ErrIllegalTransition = errors.New("illegal plan state transition")
	ErrNotHalted         = errors.New("control loop is not halted")
	ErrAlreadyExecuting  = errors.New("another plan is already executing")
)

// GuardView is the slice of orchestrator state the bridge needs to validate
// an approval. The orchestrator provides it; the bridge never reaches into
// loop internals.
type GuardView struct {
	Halted     bool
	HaltReason string
}

// Bridge is the only component permitted to move a plan out of pending and
// into execution. Every edge it flips is guard-checked against the control
// loop first.
type Bridge struct {
	registry *Registry
	logger   *zap.Logger
}

// NewBridge returns a bridge over the given registry.
func NewBridge(registry *Registry, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{registry: registry, logger: logger}
}

// Approve records a human approval of a pending plan. The control loop must
// be halted awaiting a decision; approving a plan while the loop is running
// would race the loop's own reads of the registry.
func (b *Bridge) Approve(view GuardView, planID string) error {
	if !view.Halted {
		return fmt.Errorf("approve plan %s: %w", planID, ErrNotHalted)
	}
	p, ok := b.registry.Get(planID)
	if !ok {
		return fmt.Errorf("approve plan %s: %w", planID, ErrNotFound)
	}
	if p.State != StatePending {
		return fmt.Errorf("approve plan %s in state %s: %w", planID, p.State, ErrIllegalTransition)
	}
	if err := b.registry.Transition(planID, StateApproved); err != nil {
		return err
	}
	b.logger.Info("plan approved", zap.String("plan_id", planID), zap.String("halt_reason", view.HaltReason))
	return nil
}

// Reject records a human rejection of a pending plan.
func (b *Bridge) Reject(view GuardView, planID string) error {
	if !view.Halted {
		return fmt.Errorf("reject plan %s: %w", planID, ErrNotHalted)
	}
	p, ok := b.registry.Get(planID)
	if !ok {
		return fmt.Errorf("reject plan %s: %w", planID, ErrNotFound)
	}
	if p.State != StatePending {
		return fmt.Errorf("reject plan %s in state %s: %w", planID, p.State, ErrIllegalTransition)
	}
	return b.registry.Transition(planID, StateRejected)
}

// BeginExecution moves an approved plan into the executing state. At most
// one plan may execute at a time.
func (b *Bridge) BeginExecution(planID string) error {
	if executing, ok := b.registry.Executing(); ok {
		return fmt.Errorf("begin execution of plan %s while %s executes: %w", planID, executing, ErrAlreadyExecuting)
	}
	p, ok := b.registry.Get(planID)
	if !ok {
		return fmt.Errorf("begin execution of plan %s: %w", planID, ErrNotFound)
	}
	if p.State != StateApproved {
		return fmt.Errorf("begin execution of plan %s in state %s: %w", planID, p.State, ErrIllegalTransition)
	}
	return b.registry.Transition(planID, StateExecuting)
}
