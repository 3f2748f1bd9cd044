package autoflow

import (
	"fmt"
	"time"
)

// TriggerType identifies one of the fixed trigger categories.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
)

// TriggerConfig configures one trigger of a workflow. Exactly one of the
// type-specific sub-configs should be set, matching Type.
type TriggerConfig struct {
	Type     TriggerType     `json:"type" yaml:"type"`
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Manual   *ManualConfig   `json:"manual,omitempty" yaml:"manual,omitempty"`
}

// AuthType selects the authentication scheme a webhook route enforces.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthSecret AuthType = "secret"
	AuthHMAC   AuthType = "hmac"
	AuthBasic  AuthType = "basic"
)

// WebhookAuth configures request authentication for a webhook trigger.
type WebhookAuth struct {
	Type     AuthType `json:"type" yaml:"type"`
	Secret   string   `json:"secret,omitempty" yaml:"secret,omitempty"`
	Header   string   `json:"header,omitempty" yaml:"header,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
}

// FilterOperator is one of the declarative webhook filter operators.
type FilterOperator string

const (
	FilterEquals      FilterOperator = "equals"
	FilterNotEquals   FilterOperator = "not_equals"
	FilterContains    FilterOperator = "contains"
	FilterNotContains FilterOperator = "not_contains"
	FilterGreaterThan FilterOperator = "greater_than"
	FilterLessThan    FilterOperator = "less_than"
	FilterExists      FilterOperator = "exists"
	FilterNotExists   FilterOperator = "not_exists"
	FilterRegex       FilterOperator = "regex"
)

// WebhookFilter is a declarative predicate evaluated against the request
// payload before a webhook fires its workflow.
type WebhookFilter struct {
	Field    string         `json:"field" yaml:"field"`
	Operator FilterOperator `json:"operator" yaml:"operator"`
	Value    any            `json:"value,omitempty" yaml:"value,omitempty"`
}

// WebhookConfig configures an inbound HTTP trigger.
type WebhookConfig struct {
	Method         string           `json:"method" yaml:"method"`
	Path           string           `json:"path" yaml:"path"`
	Authentication *WebhookAuth     `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	AllowedIPs     []string         `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	RateLimit      float64          `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	RateBurst      int              `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty"`
	RequiredFields []string         `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	Filters        []*WebhookFilter `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// ScheduleConditionType identifies one of the schedule gating conditions.
type ScheduleConditionType string

const (
	ScheduleConditionDaysOfWeek      ScheduleConditionType = "days_of_week"
	ScheduleConditionDateRange       ScheduleConditionType = "date_range"
	ScheduleConditionBusinessHours   ScheduleConditionType = "business_hours"
	ScheduleConditionExcludeHolidays ScheduleConditionType = "exclude_holidays"
	ScheduleConditionPredicate       ScheduleConditionType = "predicate"
)

// ScheduleCondition gates a schedule fire. All configured conditions must
// pass, evaluated in order.
type ScheduleCondition struct {
	Type ScheduleConditionType `json:"type" yaml:"type"`

	// days_of_week: lowercase weekday names ("monday", ...)
	Days []string `json:"days,omitempty" yaml:"days,omitempty"`

	// date_range
	Start *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End   *time.Time `json:"end,omitempty" yaml:"end,omitempty"`

	// business_hours: [OpenHour, CloseHour) in the schedule's timezone
	OpenHour  int `json:"open_hour,omitempty" yaml:"open_hour,omitempty"`
	CloseHour int `json:"close_hour,omitempty" yaml:"close_hour,omitempty"`

	// exclude_holidays: dates in YYYY-MM-DD form
	Dates []string `json:"dates,omitempty" yaml:"dates,omitempty"`

	// predicate: a script returning a truthy value
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
}

// ScheduleConfig configures a time-based trigger. Expression forms:
// "every N seconds|minutes|hours|days", "once at <RFC3339>", and
// "daily at HH:MM", interpreted in Timezone (IANA name, default UTC).
type ScheduleConfig struct {
	Expression    string               `json:"expression" yaml:"expression"`
	Timezone      string               `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	StartDate     *time.Time           `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate       *time.Time           `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	MaxExecutions int                  `json:"max_executions,omitempty" yaml:"max_executions,omitempty"`
	Conditions    []*ScheduleCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ManualConfig configures user-initiated execution.
type ManualConfig struct {
	RequireConfirmation bool     `json:"require_confirmation,omitempty" yaml:"require_confirmation,omitempty"`
	AllowedRoles        []string `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
}

// ExecuteFunc is the shared callback every trigger handler invokes when
// it fires: it hands the workflow to the execution scheduler. userID may
// be empty for non-interactive triggers.
type ExecuteFunc func(workflowID string, triggerData map[string]any, userID string) error

// TriggerHandler is the common contract implemented by the manual,
// webhook and schedule handlers. The shared state machine is
// unregistered -> registered(enabled) <-> paused -> unregistered.
type TriggerHandler interface {
	// Type returns the trigger category this handler serves.
	Type() TriggerType

	// Register activates a workflow's trigger of this handler's type.
	Register(workflowID string, config *TriggerConfig) error

	// Unregister deactivates and forgets the workflow's trigger.
	Unregister(workflowID string) error

	// Update replaces the trigger configuration. It is implemented as
	// Unregister followed by Register with the new config.
	Update(workflowID string, config *TriggerConfig) error

	// IsActive reports whether the workflow's trigger is registered and
	// not paused.
	IsActive(workflowID string) bool

	// Pause stops firing without discarding configuration.
	Pause(workflowID string) error

	// Resume restarts a paused trigger.
	Resume(workflowID string) error
}

// validate checks the trigger's structural invariants, appending any
// violations found.
func (c *TriggerConfig) validate(index int, violations []string) []string {
	prefix := fmt.Sprintf("Trigger %d", index)
	switch c.Type {
	case TriggerTypeManual:
		// manual sub-config is optional
	case TriggerTypeWebhook:
		if c.Webhook == nil {
			violations = append(violations, prefix+": webhook config is required")
		} else if c.Webhook.Path == "" {
			violations = append(violations, prefix+": webhook path is required")
		}
	case TriggerTypeSchedule:
		if c.Schedule == nil {
			violations = append(violations, prefix+": schedule config is required")
		} else if c.Schedule.Expression == "" {
			violations = append(violations, prefix+": schedule expression is required")
		}
	default:
		violations = append(violations, fmt.Sprintf("%s: unknown trigger type %q", prefix, c.Type))
	}
	return violations
}
