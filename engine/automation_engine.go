package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/models"
)

// AutomationReport aggregates one ProcessTimeTriggers invocation.
type AutomationReport struct {
	Processed int `json:"processed"`
	Matched   int `json:"matched"`
	Errors    int `json:"errors"`
}

// AutomationEngine evaluates automations against entities: event
// triggered rules synchronously via HandleEvent, time-based rules by
// the periodic ProcessTimeTriggers poll.
type AutomationEngine struct {
	DB      *gorm.DB
	Actions *ActionExecutor
	Logger  *logrus.Logger

	Now func() time.Time
}

func NewAutomationEngine(db *gorm.DB, actions *ActionExecutor, logger *logrus.Logger) *AutomationEngine {
	return &AutomationEngine{
		DB:      db,
		Actions: actions,
		Logger:  logger,
		Now:     time.Now,
	}
}

// HandleEvent evaluates every active automation in the event's project
// whose trigger type matches. Each automation is isolated: one failing
// evaluation or action list never affects the others. An execution row
// is written for every evaluation so "no match" is distinguishable
// from "never evaluated".
func (ae *AutomationEngine) HandleEvent(event TriggerEvent) error {
	var automations []models.Automation
	if err := ae.DB.
		Where("project_id = ? AND trigger_type = ? AND is_active = ?", event.ProjectID, event.TriggerType, true).
		Find(&automations).Error; err != nil {
		return fmt.Errorf("loading automations for %s: %w", event.TriggerType, err)
	}

	for i := range automations {
		automation := &automations[i]
		if _, err := ae.evaluateAndRun(automation, event.EntityType, event.EntityID, event.Data, ""); err != nil {
			ae.Logger.WithFields(logrus.Fields{
				"automation_id": automation.ID,
				"trigger_type":  event.TriggerType,
				"entity_type":   event.EntityType,
				"entity_id":     event.EntityID,
			}).WithError(err).Warn("automation evaluation failed")
		}
	}

	return nil
}

// ProcessTimeTriggers scans entities for active time-based automations
// and runs the evaluate-then-act flow on every candidate whose window
// is open. Re-derived from entity state each poll, so delivery is
// at-least-once; the window key recorded on the execution row stops
// the same (automation, entity, window) from firing twice.
func (ae *AutomationEngine) ProcessTimeTriggers(ctx context.Context, maxBatch int) (AutomationReport, error) {
	var report AutomationReport

	var automations []models.Automation
	if err := ae.DB.WithContext(ctx).
		Where("is_active = ? AND trigger_type IN ?", true,
			[]string{models.TriggerDueDateApproaching, models.TriggerInactivity}).
		Order("id ASC").
		Find(&automations).Error; err != nil {
		return report, fmt.Errorf("loading time-based automations: %w", err)
	}

	remaining := maxBatch
	for i := range automations {
		if remaining <= 0 {
			break
		}
		automation := &automations[i]

		candidates, err := ae.dueCandidates(ctx, automation, remaining)
		if err != nil {
			report.Errors++
			ae.Logger.WithField("automation_id", automation.ID).
				WithError(err).Warn("time trigger scan failed")
			continue
		}

		for _, cand := range candidates {
			report.Processed++
			remaining--

			// Idempotency: one firing per (automation, entity, window).
			// Error rows don't count as a firing, so a transient fault
			// leaves the pair eligible for the next poll.
			var prior int64
			if err := ae.DB.Model(&models.AutomationExecution{}).
				Where("automation_id = ? AND entity_type = ? AND entity_id = ? AND window_key = ? AND status <> ?",
					automation.ID, cand.entityType, cand.entityID, cand.windowKey, models.ExecutionError).
				Count(&prior).Error; err != nil {
				report.Errors++
				continue
			}
			if prior > 0 {
				continue
			}

			matched, err := ae.evaluateAndRun(automation, cand.entityType, cand.entityID, nil, cand.windowKey)
			if err != nil {
				report.Errors++
				continue
			}
			if matched {
				report.Matched++
			}
		}
	}

	return report, nil
}

// evaluateAndRun is the shared evaluate-then-act flow. It always
// records an AutomationExecution row; configuration and snapshot
// errors surface as status=error rows rather than crashing the batch.
func (ae *AutomationEngine) evaluateAndRun(automation *models.Automation, entityType string, entityID uint, snapshot map[string]interface{}, windowKey string) (bool, error) {
	now := ae.Now()

	execution := models.AutomationExecution{
		ProjectID:    automation.ProjectID,
		AutomationID: automation.ID,
		EntityType:   entityType,
		EntityID:     entityID,
		WindowKey:    windowKey,
		ExecutedAt:   now,
	}

	if snapshot == nil {
		loaded, err := LoadEntitySnapshot(ae.DB, automation.ProjectID, entityType, entityID)
		if err != nil {
			execution.Status = models.ExecutionError
			execution.ErrorMessage = err.Error()
			ae.recordExecution(&execution)
			return false, fmt.Errorf("loading %s %d: %w", entityType, entityID, err)
		}
		snapshot = loaded
	}
	execution.EntitySnapshot = snapshot

	matched := Evaluate(automation.Conditions, snapshot)
	if !matched {
		execution.Status = models.ExecutionNotMatched
		ae.recordExecution(&execution)
		return false, nil
	}

	execution.Status = models.ExecutionMatched
	execution.ActionResults = ae.Actions.ExecuteAll(ActionContext{
		ProjectID:    automation.ProjectID,
		AutomationID: automation.ID,
		EntityType:   entityType,
		EntityID:     entityID,
		Snapshot:     snapshot,
	}, automation.Actions)
	ae.recordExecution(&execution)

	return true, nil
}

func (ae *AutomationEngine) recordExecution(execution *models.AutomationExecution) {
	if err := ae.DB.Create(execution).Error; err != nil {
		ae.Logger.WithFields(logrus.Fields{
			"automation_id": execution.AutomationID,
			"entity_type":   execution.EntityType,
			"entity_id":     execution.EntityID,
		}).WithError(err).Error("failed to record automation execution")
	}
}

type timeTriggerCandidate struct {
	entityType string
	entityID   uint
	windowKey  string
}

// dueCandidates finds entities inside the automation's trigger window.
// The window key is derived from the anchor date so changing the
// anchor field (a new due date, fresh activity) re-opens eligibility.
func (ae *AutomationEngine) dueCandidates(ctx context.Context, automation *models.Automation, limit int) ([]timeTriggerCandidate, error) {
	now := ae.Now()
	days := automation.TriggerConfig.Days
	if days <= 0 {
		days = 7
	}

	switch automation.TriggerType {
	case models.TriggerDueDateApproaching:
		switch automation.TriggerConfig.EntityType {
		case models.EntityRFP:
			var rfps []models.RFP
			if err := ae.DB.WithContext(ctx).
				Where("project_id = ? AND due_date IS NOT NULL AND due_date >= ? AND due_date <= ?",
					automation.ProjectID, now, now.Add(time.Duration(days)*24*time.Hour)).
				Order("due_date ASC, id ASC").
				Limit(limit).
				Find(&rfps).Error; err != nil {
				return nil, err
			}
			candidates := make([]timeTriggerCandidate, 0, len(rfps))
			for _, rfp := range rfps {
				candidates = append(candidates, timeTriggerCandidate{
					entityType: models.EntityRFP,
					entityID:   rfp.ID,
					windowKey:  windowKey(automation.TriggerType, *rfp.DueDate),
				})
			}
			return candidates, nil
		case models.EntityOpportunity, "":
			var opps []models.Opportunity
			if err := ae.DB.WithContext(ctx).
				Where("project_id = ? AND close_date IS NOT NULL AND close_date >= ? AND close_date <= ?",
					automation.ProjectID, now, now.Add(time.Duration(days)*24*time.Hour)).
				Order("close_date ASC, id ASC").
				Limit(limit).
				Find(&opps).Error; err != nil {
				return nil, err
			}
			candidates := make([]timeTriggerCandidate, 0, len(opps))
			for _, opp := range opps {
				candidates = append(candidates, timeTriggerCandidate{
					entityType: models.EntityOpportunity,
					entityID:   opp.ID,
					windowKey:  windowKey(automation.TriggerType, *opp.CloseDate),
				})
			}
			return candidates, nil
		default:
			return nil, fmt.Errorf("due_date_approaching does not support entity type %q", automation.TriggerConfig.EntityType)
		}

	case models.TriggerInactivity:
		var people []models.Person
		if err := ae.DB.WithContext(ctx).
			Where("project_id = ? AND last_activity_at IS NOT NULL AND last_activity_at <= ?",
				automation.ProjectID, now.Add(-time.Duration(days)*24*time.Hour)).
			Order("last_activity_at ASC, id ASC").
			Limit(limit).
			Find(&people).Error; err != nil {
			return nil, err
		}
		candidates := make([]timeTriggerCandidate, 0, len(people))
		for _, person := range people {
			candidates = append(candidates, timeTriggerCandidate{
				entityType: models.EntityPerson,
				entityID:   person.ID,
				windowKey:  windowKey(automation.TriggerType, *person.LastActivityAt),
			})
		}
		return candidates, nil

	default:
		return nil, fmt.Errorf("unknown time trigger type %q", automation.TriggerType)
	}
}

func windowKey(triggerType string, anchor time.Time) string {
	return triggerType + ":" + anchor.UTC().Format("2006-01-02")
}
