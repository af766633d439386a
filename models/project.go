package models

import "gorm.io/gorm"

// Project is the tenant scope. Every row the automation core touches
// carries a ProjectID and queries never cross projects.
type Project struct {
	gorm.Model
	Slug string `gorm:"not null;uniqueIndex" json:"slug"`
	Name string `gorm:"not null" json:"name"`

	// Settings
	Timezone string `gorm:"default:'UTC'" json:"timezone"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
}
