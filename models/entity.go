package models

import (
	"time"

	"gorm.io/gorm"
)

// Entity type names used in automations, executions and tags.
const (
	EntityPerson       = "person"
	EntityOrganization = "organization"
	EntityOpportunity  = "opportunity"
	EntityRFP          = "rfp"
)

// Person represents a contact in the CRM
type Person struct {
	gorm.Model
	ProjectID      uint  `gorm:"not null;index" json:"project_id"`
	OrganizationID *uint `gorm:"index" json:"organization_id,omitempty"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Title     string `json:"title"`
	Phone     string `json:"phone"`

	// Pipeline
	Stage string `gorm:"default:'lead'" json:"stage"` // lead, contacted, qualified, customer

	// Status flags checked before any outreach
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastActivityAt *time.Time `json:"last_activity_at"`

	// Relations
	Organization *Organization `json:"organization,omitempty"`
}

// Organization represents a company/account
type Organization struct {
	gorm.Model
	ProjectID uint `gorm:"not null;index" json:"project_id"`

	Name     string `gorm:"not null" json:"name"`
	Domain   string `json:"domain"`
	Industry string `json:"industry"`
	Size     int    `json:"size"`
	Website  string `json:"website"`
}

// Opportunity represents a deal in the pipeline
type Opportunity struct {
	gorm.Model
	ProjectID      uint  `gorm:"not null;index" json:"project_id"`
	PersonID       *uint `gorm:"index" json:"person_id,omitempty"`
	OrganizationID *uint `gorm:"index" json:"organization_id,omitempty"`

	Name      string     `gorm:"not null" json:"name"`
	Stage     string     `gorm:"default:'open'" json:"stage"` // open, proposal, won, lost
	Amount    float64    `gorm:"default:0" json:"amount"`
	CloseDate *time.Time `json:"close_date"`

	// Relations
	Person       *Person       `json:"person,omitempty"`
	Organization *Organization `json:"organization,omitempty"`
}

// RFP represents a request-for-proposal being tracked
type RFP struct {
	gorm.Model
	ProjectID      uint  `gorm:"not null;index" json:"project_id"`
	OrganizationID *uint `gorm:"index" json:"organization_id,omitempty"`

	Title   string     `gorm:"not null" json:"title"`
	Status  string     `gorm:"default:'open'" json:"status"` // open, submitted, won, lost
	DueDate *time.Time `json:"due_date"`

	// Relations
	Organization *Organization `json:"organization,omitempty"`
}

// Task is a to-do created by sequence task steps and create_task actions
type Task struct {
	gorm.Model
	ProjectID uint  `gorm:"not null;index" json:"project_id"`
	PersonID  *uint `gorm:"index" json:"person_id,omitempty"`

	// Entity the task was created against (person, opportunity, ...)
	EntityType string `gorm:"index" json:"entity_type"`
	EntityID   uint   `gorm:"index" json:"entity_id"`

	Title       string     `gorm:"not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Status      string     `gorm:"default:'open'" json:"status"` // open, done
	DueAt       *time.Time `json:"due_at"`

	// Where the task came from
	Source       string `json:"source"` // sequence, automation, manual
	AutomationID *uint  `gorm:"index" json:"automation_id,omitempty"`
}

// EntityTag is a tag attached to any CRM entity (normalized)
type EntityTag struct {
	gorm.Model
	ProjectID  uint   `gorm:"not null;index" json:"project_id"`
	EntityType string `gorm:"not null;index" json:"entity_type"`
	EntityID   uint   `gorm:"not null;index" json:"entity_id"`
	Tag        string `gorm:"not null;index" json:"tag"`
}
