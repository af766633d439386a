package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence statuses
const (
	SequenceDraft    = "draft"
	SequenceActive   = "active"
	SequencePaused   = "paused"
	SequenceArchived = "archived"
)

// Enrollment statuses. Completed, cancelled and failed are terminal.
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
	EnrollmentFailed    = "failed"
)

// Step types
const (
	StepEmail = "email"
	StepWait  = "wait"
	StepTask  = "task"
)

// Sequence represents an ordered outreach template scoped to a project.
// Steps are immutable once live enrollments reference them; edits go
// through duplication.
type Sequence struct {
	gorm.Model
	ProjectID uint `gorm:"not null;index" json:"project_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft'" json:"status"` // draft, active, paused, archived

	// Settings
	StopOnReply bool `gorm:"default:true" json:"stop_on_reply"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents one step of a sequence. StepNumber is 1-based
// and defines the total order. The delay is applied relative to the
// completion of the previous step (enrollment start for step 1).
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	StepType   string `gorm:"not null;default:'email'" json:"step_type"` // email, wait, task

	DelayDays  int `gorm:"default:0" json:"delay_days"`
	DelayHours int `gorm:"default:0" json:"delay_hours"`

	// Email step payload
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	// Task step payload
	TaskTitle string `json:"task_title"`
}

// Delay returns the step's offset relative to the previous step.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// SequenceEnrollment is the runtime state of one person's progress
// through one sequence. Owned by the sequence processor once started.
//
// Invariant: status active implies NextStepDueAt is set; any other
// status implies it is null.
type SequenceEnrollment struct {
	gorm.Model
	ProjectID  uint `gorm:"not null;index" json:"project_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	PersonID   uint `gorm:"not null;index" json:"person_id"`

	Status            string     `gorm:"default:'active';index" json:"status"`
	CurrentStepNumber int        `gorm:"default:1" json:"current_step_number"`
	NextStepDueAt     *time.Time `gorm:"index" json:"next_step_due_at"`

	EnrolledAt  time.Time  `json:"enrolled_at"`
	CompletedAt *time.Time `json:"completed_at"`

	LastError string `json:"last_error"`

	// Relations
	Sequence Sequence `json:"-"`
	Person   Person   `json:"-"`
}

// IsTerminal reports whether the enrollment can never run again.
func (e *SequenceEnrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentCompleted, EnrollmentCancelled, EnrollmentFailed:
		return true
	}
	return false
}

// SequenceActivity is the audit row written for every email step send,
// and the per-message tracking state (opens, clicks, replies) that
// feeds trigger events.
type SequenceActivity struct {
	gorm.Model
	ProjectID    uint `gorm:"not null;index" json:"project_id"`
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	PersonID     uint `gorm:"not null;index" json:"person_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	MessageID  string `gorm:"index" json:"message_id"`

	SentAt     *time.Time `json:"sent_at"`
	OpenedAt   *time.Time `json:"opened_at"`
	OpenCount  int        `gorm:"default:0" json:"open_count"`
	ClickedAt  *time.Time `json:"clicked_at"`
	ClickCount int        `gorm:"default:0" json:"click_count"`
	RepliedAt  *time.Time `json:"replied_at"`
	BouncedAt  *time.Time `json:"bounced_at"`

	// Relations
	Enrollment SequenceEnrollment `json:"-"`
	Person     Person             `json:"-"`
}
