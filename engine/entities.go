package engine

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"relaycrm/models"
)

// LoadEntitySnapshot loads an entity by (type, id) within a project
// and flattens it into the map form the condition evaluator consumes.
// Tags are attached under "tags". Returns gorm.ErrRecordNotFound when
// the entity does not exist in the project.
func LoadEntitySnapshot(db *gorm.DB, projectID uint, entityType string, entityID uint) (map[string]interface{}, error) {
	var entity interface{}

	switch entityType {
	case models.EntityPerson:
		var person models.Person
		if err := db.Preload("Organization").
			Where("project_id = ?", projectID).
			First(&person, entityID).Error; err != nil {
			return nil, err
		}
		entity = person
	case models.EntityOrganization:
		var org models.Organization
		if err := db.Where("project_id = ?", projectID).First(&org, entityID).Error; err != nil {
			return nil, err
		}
		entity = org
	case models.EntityOpportunity:
		var opp models.Opportunity
		if err := db.Preload("Person").Preload("Organization").
			Where("project_id = ?", projectID).
			First(&opp, entityID).Error; err != nil {
			return nil, err
		}
		entity = opp
	case models.EntityRFP:
		var rfp models.RFP
		if err := db.Preload("Organization").
			Where("project_id = ?", projectID).
			First(&rfp, entityID).Error; err != nil {
			return nil, err
		}
		entity = rfp
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	snapshot, err := toSnapshot(entity)
	if err != nil {
		return nil, err
	}

	var tags []models.EntityTag
	if err := db.Where("project_id = ? AND entity_type = ? AND entity_id = ?", projectID, entityType, entityID).
		Find(&tags).Error; err != nil {
		return nil, err
	}
	tagNames := make([]interface{}, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Tag)
	}
	snapshot["tags"] = tagNames

	return snapshot, nil
}

// toSnapshot round-trips a model through JSON so dotted-path lookups
// see the same field names the API exposes.
func toSnapshot(entity interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("snapshotting entity: %w", err)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("snapshotting entity: %w", err)
	}
	return snapshot, nil
}

// Columns automations may write through update_field actions, per
// entity type. Anything else is rejected as a configuration error.
var updatableFields = map[string]map[string]bool{
	models.EntityPerson: {
		"stage":      true,
		"title":      true,
		"first_name": true,
		"last_name":  true,
		"phone":      true,
	},
	models.EntityOrganization: {
		"name":     true,
		"industry": true,
		"domain":   true,
		"website":  true,
	},
	models.EntityOpportunity: {
		"stage":  true,
		"name":   true,
		"amount": true,
	},
	models.EntityRFP: {
		"status": true,
		"title":  true,
	},
}

var entityTables = map[string]string{
	models.EntityPerson:       "people",
	models.EntityOrganization: "organizations",
	models.EntityOpportunity:  "opportunities",
	models.EntityRFP:          "rfps",
}
