package engine

import (
	"context"

	"relaycrm/models"
)

// ActionPreview describes what one action would do without doing it.
type ActionPreview struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// DryRunResult is the outcome of a side-effect-free evaluation.
type DryRunResult struct {
	Matched         bool             `json:"matched"`
	ActionsWouldRun []ActionPreview  `json:"actions_would_run"`
	ConditionTrace  []ConditionTrace `json:"condition_trace"`
}

// DryRun replays the engine's matching logic for one automation
// against one live entity without executing anything: no execution row
// is written (dry runs are not part of the audit trail) and no
// collaborator is invoked. Returns gorm.ErrRecordNotFound when the
// automation or entity is missing from the project.
func (ae *AutomationEngine) DryRun(ctx context.Context, projectID, automationID uint, entityType string, entityID uint) (*DryRunResult, error) {
	var automation models.Automation
	if err := ae.DB.WithContext(ctx).
		Where("project_id = ?", projectID).
		First(&automation, automationID).Error; err != nil {
		return nil, err
	}

	snapshot, err := LoadEntitySnapshot(ae.DB.WithContext(ctx), projectID, entityType, entityID)
	if err != nil {
		return nil, err
	}

	result := &DryRunResult{
		ActionsWouldRun: []ActionPreview{},
		ConditionTrace:  []ConditionTrace{},
	}
	result.Matched = EvaluateTrace(automation.Conditions, snapshot, &result.ConditionTrace)
	if !result.Matched {
		return result, nil
	}

	actx := ActionContext{
		ProjectID:    projectID,
		AutomationID: automation.ID,
		EntityType:   entityType,
		EntityID:     entityID,
		Snapshot:     snapshot,
	}
	for _, action := range automation.Actions {
		result.ActionsWouldRun = append(result.ActionsWouldRun, ActionPreview{
			Type:        action.Type,
			Description: ae.Actions.Describe(actx, action),
		})
		if action.Type == models.ActionWait {
			break
		}
	}

	return result, nil
}
