package autoflow

import (
	"fmt"
	"log/slog"
	"sync"
)

// WorkflowRegistry owns the set of registered workflow definitions and
// keeps their trigger registrations in sync. Registration is
// transactional with respect to triggers: if any enabled trigger fails
// to register, the ones already registered are rolled back and the
// workflow is not stored.
type WorkflowRegistry struct {
	mutex     sync.RWMutex
	workflows map[string]*Definition
	handlers  map[TriggerType]TriggerHandler
	logger    *slog.Logger

	// CancelRunning is invoked on unregister so in-flight executions of
	// the removed workflow get cancelled. The engine wires it.
	CancelRunning func(workflowID string)
}

// NewWorkflowRegistry creates a registry dispatching to the given
// trigger handlers.
func NewWorkflowRegistry(handlers map[TriggerType]TriggerHandler, logger *slog.Logger) *WorkflowRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowRegistry{
		workflows: map[string]*Definition{},
		handlers:  handlers,
		logger:    logger,
	}
}

// Register validates the definition, stores it, and registers every
// enabled trigger with its handler. Re-registering an existing ID
// replaces the stored definition after unregistering the old triggers;
// a failed replacement restores the previous trigger registrations.
func (r *WorkflowRegistry) Register(def *Definition) error {
	if def == nil {
		return NewValidationError("workflow", "definition is required")
	}
	if result := def.Validate(); !result.Valid {
		return NewValidationErrors(result.Errors)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	previous := r.workflows[def.ID]
	if previous != nil {
		r.unregisterTriggersLocked(previous)
	}

	var registered []*TriggerConfig
	for _, trigger := range def.Triggers {
		if !trigger.Enabled {
			continue
		}
		handler, ok := r.handlers[trigger.Type]
		if !ok {
			r.rollbackLocked(def.ID, registered)
			r.restoreLocked(previous)
			return NewTriggerError(
				fmt.Sprintf("no handler for trigger type %q", trigger.Type), nil)
		}
		if err := handler.Register(def.ID, trigger); err != nil {
			r.rollbackLocked(def.ID, registered)
			r.restoreLocked(previous)
			return NewTriggerError(
				fmt.Sprintf("failed to register %s trigger for workflow %q", trigger.Type, def.ID), err)
		}
		registered = append(registered, trigger)
	}

	r.workflows[def.ID] = def
	r.logger.Info("workflow registered",
		"workflow_id", def.ID, "name", def.Name, "triggers", len(registered))
	return nil
}

// Unregister removes the workflow, unregisters its triggers, and cancels
// any in-flight executions of it.
func (r *WorkflowRegistry) Unregister(workflowID string) error {
	r.mutex.Lock()
	def, ok := r.workflows[workflowID]
	if !ok {
		r.mutex.Unlock()
		return NewWorkflowError(ErrCodeWorkflowNotFound,
			fmt.Sprintf("workflow %q is not registered", workflowID))
	}
	r.unregisterTriggersLocked(def)
	delete(r.workflows, workflowID)
	cancel := r.CancelRunning
	r.mutex.Unlock()

	if cancel != nil {
		cancel(workflowID)
	}
	r.logger.Info("workflow unregistered", "workflow_id", workflowID)
	return nil
}

// Update replaces the definition of an already-registered workflow. The
// new definition is validated but trigger registrations are left as they
// are; callers that changed triggers should Unregister and Register.
func (r *WorkflowRegistry) Update(def *Definition) error {
	if def == nil {
		return NewValidationError("workflow", "definition is required")
	}
	if result := def.Validate(); !result.Valid {
		return NewValidationErrors(result.Errors)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.workflows[def.ID]; !ok {
		return NewWorkflowError(ErrCodeWorkflowNotFound,
			fmt.Sprintf("workflow %q is not registered", def.ID))
	}
	def.Version++
	r.workflows[def.ID] = def
	r.logger.Info("workflow updated", "workflow_id", def.ID, "version", def.Version)
	return nil
}

// Get returns the definition for a workflow ID.
func (r *WorkflowRegistry) Get(workflowID string) (*Definition, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	def, ok := r.workflows[workflowID]
	return def, ok
}

// List returns all registered definitions.
func (r *WorkflowRegistry) List() []*Definition {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	defs := make([]*Definition, 0, len(r.workflows))
	for _, def := range r.workflows {
		defs = append(defs, def)
	}
	return defs
}

func (r *WorkflowRegistry) unregisterTriggersLocked(def *Definition) {
	for _, trigger := range def.Triggers {
		if !trigger.Enabled {
			continue
		}
		handler, ok := r.handlers[trigger.Type]
		if !ok {
			continue
		}
		if err := handler.Unregister(def.ID); err != nil {
			r.logger.Warn("failed to unregister trigger",
				"workflow_id", def.ID, "type", trigger.Type, "error", err)
		}
	}
}

// restoreLocked re-registers the triggers of a definition whose
// replacement failed partway, so the old registration keeps working. If
// a trigger cannot be restored, the stale definition is removed rather
// than left registered with inert triggers.
func (r *WorkflowRegistry) restoreLocked(previous *Definition) {
	if previous == nil {
		return
	}
	for _, trigger := range previous.Triggers {
		if !trigger.Enabled {
			continue
		}
		handler, ok := r.handlers[trigger.Type]
		if !ok {
			continue
		}
		if err := handler.Register(previous.ID, trigger); err != nil {
			r.logger.Warn("failed to restore trigger after aborted replacement",
				"workflow_id", previous.ID, "type", trigger.Type, "error", err)
			r.unregisterTriggersLocked(previous)
			delete(r.workflows, previous.ID)
			return
		}
	}
}

func (r *WorkflowRegistry) rollbackLocked(workflowID string, registered []*TriggerConfig) {
	for _, trigger := range registered {
		handler, ok := r.handlers[trigger.Type]
		if !ok {
			continue
		}
		if err := handler.Unregister(workflowID); err != nil {
			r.logger.Warn("failed to roll back trigger registration",
				"workflow_id", workflowID, "type", trigger.Type, "error", err)
		}
	}
}
