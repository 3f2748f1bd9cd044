package autoflow

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManualTriggerHandler fires workflows on explicit user request. It
// enriches the caller's payload with fire metadata and enforces the
// optional allowed-roles list from the trigger config.
type ManualTriggerHandler struct {
	mutex   sync.RWMutex
	execute ExecuteFunc
	configs map[string]*ManualConfig
	paused  map[string]bool
	logger  *slog.Logger
}

// NewManualTriggerHandler creates a manual trigger handler that invokes
// execute for each fire.
func NewManualTriggerHandler(execute ExecuteFunc, logger *slog.Logger) *ManualTriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManualTriggerHandler{
		execute: execute,
		configs: map[string]*ManualConfig{},
		paused:  map[string]bool{},
		logger:  logger,
	}
}

func (h *ManualTriggerHandler) Type() TriggerType {
	return TriggerTypeManual
}

func (h *ManualTriggerHandler) Register(workflowID string, config *TriggerConfig) error {
	if config == nil || config.Type != TriggerTypeManual {
		return NewTriggerError("manual trigger config is required", nil)
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	manual := config.Manual
	if manual == nil {
		manual = &ManualConfig{}
	}
	h.configs[workflowID] = manual
	delete(h.paused, workflowID)
	return nil
}

func (h *ManualTriggerHandler) Unregister(workflowID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.configs, workflowID)
	delete(h.paused, workflowID)
	return nil
}

func (h *ManualTriggerHandler) Update(workflowID string, config *TriggerConfig) error {
	if err := h.Unregister(workflowID); err != nil {
		return err
	}
	return h.Register(workflowID, config)
}

func (h *ManualTriggerHandler) IsActive(workflowID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.configs[workflowID]
	return ok && !h.paused[workflowID]
}

func (h *ManualTriggerHandler) Pause(workflowID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.configs[workflowID]; !ok {
		return NewTriggerError(fmt.Sprintf("workflow %q has no manual trigger", workflowID), nil)
	}
	h.paused[workflowID] = true
	return nil
}

func (h *ManualTriggerHandler) Resume(workflowID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.configs[workflowID]; !ok {
		return NewTriggerError(fmt.Sprintf("workflow %q has no manual trigger", workflowID), nil)
	}
	delete(h.paused, workflowID)
	return nil
}

// Execute fires the workflow on behalf of userID with the given payload.
// The payload is enriched with a unique fire ID and trigger metadata
// before it reaches the execution data bag.
func (h *ManualTriggerHandler) Execute(workflowID string, data map[string]any, userID string, roles ...string) error {
	h.mutex.RLock()
	config, ok := h.configs[workflowID]
	paused := h.paused[workflowID]
	h.mutex.RUnlock()

	if !ok {
		return NewTriggerError(fmt.Sprintf("workflow %q has no manual trigger registered", workflowID), nil)
	}
	if paused {
		return NewTriggerError(fmt.Sprintf("manual trigger for workflow %q is paused", workflowID), nil)
	}
	if userID == "" {
		return NewTriggerError(
			fmt.Sprintf("a user is required to trigger workflow %q manually", workflowID), nil)
	}
	if config.RequireConfirmation {
		if confirmed, _ := data["confirmed"].(bool); !confirmed {
			return NewTriggerError(
				fmt.Sprintf("workflow %q requires confirmation to trigger", workflowID), nil)
		}
	}
	if len(config.AllowedRoles) > 0 {
		allowed := false
		for _, role := range roles {
			if slices.Contains(config.AllowedRoles, role) {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewTriggerError(
				fmt.Sprintf("user %q is not permitted to trigger workflow %q", userID, workflowID), nil)
		}
	}

	enriched := map[string]any{
		"trigger_type": string(TriggerTypeManual),
		"trigger_id":   uuid.NewString(),
		"triggered_by": userID,
		"triggered_at": time.Now().Format(time.RFC3339Nano),
	}
	for k, v := range data {
		enriched[k] = v
	}

	h.logger.Info("manual trigger fired", "workflow_id", workflowID, "user_id", userID)
	return h.execute(workflowID, enriched, userID)
}
