package models

import (
	"time"

	"gorm.io/gorm"
)

// Event trigger types emitted by CRM mutation paths
const (
	TriggerEmailOpened        = "email.opened"
	TriggerEmailClicked       = "email.clicked"
	TriggerEmailReplied       = "email.replied"
	TriggerEmailBounced       = "email.bounced"
	TriggerPersonCreated      = "person.created"
	TriggerPersonStageChanged = "person.stage_changed"
	TriggerOpportunityStage   = "opportunity.stage_changed"
	TriggerSequenceCompleted  = "sequence.completed"
)

// Time-based trigger types polled by the batch driver
const (
	TriggerDueDateApproaching = "due_date_approaching"
	TriggerInactivity         = "inactivity"
)

// Execution statuses
const (
	ExecutionMatched    = "matched"
	ExecutionNotMatched = "not_matched"
	ExecutionError      = "error"
)

// Action types
const (
	ActionCreateTask  = "create_task"
	ActionSendEmail   = "send_email"
	ActionUpdateField = "update_field"
	ActionAddTag      = "add_tag"
	ActionWebhook     = "webhook"
	ActionWait        = "wait"
)

// ConditionNode is one node of an automation's condition tree. Exactly
// one of All, Any, Not or Field is set; a node with none of them set
// matches everything. Serialized as jsonb on the automation row.
type ConditionNode struct {
	All []ConditionNode `json:"all,omitempty"`
	Any []ConditionNode `json:"any,omitempty"`
	Not *ConditionNode  `json:"not,omitempty"`

	// Leaf: dotted field path, operator and comparison value
	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// IsLeaf reports whether the node is a field comparison.
func (n *ConditionNode) IsLeaf() bool {
	return n.Field != "" || n.Operator != ""
}

// AutomationAction is one entry of an automation's ordered action list.
type AutomationAction struct {
	Type string `json:"type"` // create_task, send_email, update_field, add_tag, webhook, wait

	// create_task
	TaskTitle       string `json:"task_title,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	TaskDueInDays   int    `json:"task_due_in_days,omitempty"`

	// send_email
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// update_field
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`

	// add_tag
	Tag string `json:"tag,omitempty"`

	// webhook
	URL string `json:"url,omitempty"`
}

// TriggerConfig holds the parameters of a time-based trigger.
type TriggerConfig struct {
	EntityType string `json:"entity_type,omitempty"` // person, opportunity, rfp
	Days       int    `json:"days,omitempty"`        // window size
}

// Automation is a condition-plus-action rule scoped to a project.
type Automation struct {
	gorm.Model
	ProjectID uint `gorm:"not null;index" json:"project_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	TriggerType   string        `gorm:"not null;index" json:"trigger_type"`
	TriggerConfig TriggerConfig `gorm:"type:jsonb;serializer:json" json:"trigger_config"`

	Conditions ConditionNode      `gorm:"type:jsonb;serializer:json" json:"conditions"`
	Actions    []AutomationAction `gorm:"type:jsonb;serializer:json" json:"actions"`

	IsActive bool `gorm:"default:false;index" json:"is_active"`
}

// IsTimeTrigger reports whether the automation is driven by the
// periodic poll rather than by emitted events.
func (a *Automation) IsTimeTrigger() bool {
	return a.TriggerType == TriggerDueDateApproaching || a.TriggerType == TriggerInactivity
}

// ActionResult is the recorded outcome of one executed action.
type ActionResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AutomationExecution is the append-only audit record of one
// evaluation-and-optional-action-run for one (automation, entity)
// pair. Never mutated after creation.
type AutomationExecution struct {
	gorm.Model
	ProjectID    uint `gorm:"not null;index" json:"project_id"`
	AutomationID uint `gorm:"not null;index" json:"automation_id"`

	EntityType string `gorm:"not null;index" json:"entity_type"`
	EntityID   uint   `gorm:"not null;index" json:"entity_id"`

	// WindowKey deduplicates time-trigger firings while a matching
	// window stays open. Empty for event-triggered executions.
	WindowKey string `gorm:"index" json:"window_key,omitempty"`

	Status     string    `gorm:"not null" json:"status"` // matched, not_matched, error
	ExecutedAt time.Time `gorm:"not null" json:"executed_at"`

	EntitySnapshot map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"entity_snapshot"`
	ActionResults  []ActionResult         `gorm:"type:jsonb;serializer:json" json:"action_results,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`

	// Relations
	Automation Automation `json:"-"`
}
