package autoflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/inovacode/autoflow/script"
)

type scheduleEntry struct {
	workflowID string
	config     *ScheduleConfig
	spec       *ScheduleSpec
	timer      *time.Timer
	executions int
	paused     bool
	done       bool
}

// ScheduleTriggerHandler fires workflows on parsed time expressions. One
// timer per registered workflow; each fire re-arms the timer for the
// next occurrence until the schedule is exhausted, its end date passes,
// or MaxExecutions is reached.
type ScheduleTriggerHandler struct {
	mutex    sync.Mutex
	execute  ExecuteFunc
	entries  map[string]*scheduleEntry
	compiler script.Compiler
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduleTriggerHandler creates a schedule handler. compiler is used
// for predicate conditions and may be nil when no workflow uses them.
func NewScheduleTriggerHandler(execute ExecuteFunc, compiler script.Compiler, logger *slog.Logger) *ScheduleTriggerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleTriggerHandler{
		execute:  execute,
		entries:  map[string]*scheduleEntry{},
		compiler: compiler,
		logger:   logger,
		now:      time.Now,
	}
}

func (h *ScheduleTriggerHandler) Type() TriggerType {
	return TriggerTypeSchedule
}

func (h *ScheduleTriggerHandler) Register(workflowID string, config *TriggerConfig) error {
	if config == nil || config.Type != TriggerTypeSchedule || config.Schedule == nil {
		return NewTriggerError("schedule trigger config is required", nil)
	}
	sc := config.Schedule
	spec, err := ParseScheduleExpression(sc.Expression, sc.Timezone)
	if err != nil {
		return NewTriggerError(fmt.Sprintf("invalid schedule for workflow %q", workflowID), err)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.entries[workflowID]; ok {
		return NewTriggerError(fmt.Sprintf("workflow %q already has a schedule trigger", workflowID), nil)
	}
	entry := &scheduleEntry{workflowID: workflowID, config: sc, spec: spec}
	h.entries[workflowID] = entry
	h.armLocked(entry)
	if entry.done {
		delete(h.entries, workflowID)
		return NewTriggerError(fmt.Sprintf("schedule for workflow %q has no future firings", workflowID), nil)
	}
	h.logger.Info("schedule trigger registered",
		"workflow_id", workflowID, "expression", sc.Expression)
	return nil
}

func (h *ScheduleTriggerHandler) Unregister(workflowID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	entry, ok := h.entries[workflowID]
	if !ok {
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.done = true
	delete(h.entries, workflowID)
	return nil
}

func (h *ScheduleTriggerHandler) Update(workflowID string, config *TriggerConfig) error {
	if err := h.Unregister(workflowID); err != nil {
		return err
	}
	return h.Register(workflowID, config)
}

func (h *ScheduleTriggerHandler) IsActive(workflowID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	entry, ok := h.entries[workflowID]
	return ok && !entry.paused && !entry.done
}

func (h *ScheduleTriggerHandler) Pause(workflowID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	entry, ok := h.entries[workflowID]
	if !ok {
		return NewTriggerError(fmt.Sprintf("workflow %q has no schedule trigger", workflowID), nil)
	}
	entry.paused = true
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	return nil
}

func (h *ScheduleTriggerHandler) Resume(workflowID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	entry, ok := h.entries[workflowID]
	if !ok {
		return NewTriggerError(fmt.Sprintf("workflow %q has no schedule trigger", workflowID), nil)
	}
	if !entry.paused {
		return nil
	}
	entry.paused = false
	h.armLocked(entry)
	return nil
}

// armLocked schedules the entry's next firing. Marks the entry done when
// the schedule has no future occurrence inside its date bounds.
func (h *ScheduleTriggerHandler) armLocked(entry *scheduleEntry) {
	now := h.now()
	next := entry.spec.Next(now)
	if sd := entry.config.StartDate; sd != nil && next.Before(*sd) {
		// first firing at or after the start date
		next = entry.spec.Next(sd.Add(-time.Nanosecond))
	}
	if next.IsZero() || (entry.config.EndDate != nil && next.After(*entry.config.EndDate)) {
		entry.done = true
		return
	}
	entry.timer = time.AfterFunc(next.Sub(now), func() {
		h.fire(entry.workflowID, next)
	})
}

// fire runs one scheduled occurrence: checks conditions, invokes the
// execute callback, and re-arms for the next occurrence.
func (h *ScheduleTriggerHandler) fire(workflowID string, at time.Time) {
	h.mutex.Lock()
	entry, ok := h.entries[workflowID]
	if !ok || entry.paused || entry.done {
		h.mutex.Unlock()
		return
	}
	config := entry.config
	spec := entry.spec
	h.mutex.Unlock()

	shouldRun := h.conditionsPass(config, at, spec.Location)

	if shouldRun {
		triggerData := map[string]any{
			"trigger_type": string(TriggerTypeSchedule),
			"scheduled_at": at.Format(time.RFC3339Nano),
			"expression":   config.Expression,
		}
		if err := h.execute(workflowID, triggerData, ""); err != nil {
			h.logger.Error("schedule trigger failed to enqueue",
				"workflow_id", workflowID, "error", err)
		}
	} else {
		h.logger.Info("schedule fire skipped by conditions", "workflow_id", workflowID)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	entry, ok = h.entries[workflowID]
	if !ok || entry.done {
		return
	}
	if shouldRun {
		entry.executions++
	}
	if config.MaxExecutions > 0 && entry.executions >= config.MaxExecutions {
		entry.done = true
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(h.entries, workflowID)
		h.logger.Info("schedule trigger exhausted",
			"workflow_id", workflowID, "executions", entry.executions)
		return
	}
	if spec.Kind == ScheduleOnce {
		entry.done = true
		delete(h.entries, workflowID)
		return
	}
	if !entry.paused {
		h.armLocked(entry)
		if entry.done {
			delete(h.entries, workflowID)
		}
	}
}

// conditionsPass evaluates all schedule conditions; every configured
// condition must pass for the fire to run.
func (h *ScheduleTriggerHandler) conditionsPass(config *ScheduleConfig, at time.Time, loc *time.Location) bool {
	local := at.In(loc)
	for _, cond := range config.Conditions {
		switch cond.Type {
		case ScheduleConditionDaysOfWeek:
			day := strings.ToLower(local.Weekday().String())
			if !slices.Contains(cond.Days, day) {
				return false
			}
		case ScheduleConditionDateRange:
			if cond.Start != nil && local.Before(*cond.Start) {
				return false
			}
			if cond.End != nil && local.After(*cond.End) {
				return false
			}
		case ScheduleConditionBusinessHours:
			hour := local.Hour()
			if hour < cond.OpenHour || hour >= cond.CloseHour {
				return false
			}
		case ScheduleConditionExcludeHolidays:
			date := local.Format("2006-01-02")
			if slices.Contains(cond.Dates, date) {
				return false
			}
		case ScheduleConditionPredicate:
			if !h.predicatePasses(cond.Script, local) {
				return false
			}
		default:
			// unknown condition types pass
		}
	}
	return true
}

func (h *ScheduleTriggerHandler) predicatePasses(code string, at time.Time) bool {
	if h.compiler == nil || code == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	compiled, err := h.compiler.Compile(ctx, code)
	if err != nil {
		h.logger.Warn("failed to compile schedule predicate", "error", err)
		return false
	}
	globals := map[string]any{
		"hour":    at.Hour(),
		"minute":  at.Minute(),
		"weekday": strings.ToLower(at.Weekday().String()),
		"day":     at.Day(),
		"month":   int(at.Month()),
	}
	value, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		h.logger.Warn("failed to evaluate schedule predicate", "error", err)
		return false
	}
	return value.IsTruthy()
}
