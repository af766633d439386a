package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"relaycrm/models"
	"relaycrm/utils"
)

func newTestEngine(db *gorm.DB, mailer Mailer, now time.Time) *AutomationEngine {
	actions := NewActionExecutor(db, mailer, testLogger())
	actions.Now = func() time.Time { return now }
	ae := NewAutomationEngine(db, actions, testLogger())
	ae.Now = func() time.Time { return now }
	return ae
}

func seedAutomation(t *testing.T, db *gorm.DB, automation models.Automation) models.Automation {
	t.Helper()
	require.NoError(t, db.Create(&automation).Error)
	return automation
}

func executionsFor(t *testing.T, db *gorm.DB, automationID uint) []models.AutomationExecution {
	t.Helper()
	var executions []models.AutomationExecution
	require.NoError(t, db.Where("automation_id = ?", automationID).Order("id").Find(&executions).Error)
	return executions
}

func TestHandleEventMatchRunsActions(t *testing.T) {
	db := newTestDB(t)
	ae := newTestEngine(db, &fakeMailer{}, fixedNow())

	project := seedProject(t, db)
	person := seedPerson(t, db, project.ID, "jamie@acme.io")
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "Tag engaged leads",
		TriggerType: models.TriggerEmailOpened,
		Conditions:  models.ConditionNode{Field: "stage", Operator: OpEquals, Value: "lead"},
		Actions: []models.AutomationAction{
			{Type: models.ActionAddTag, Tag: "engaged"},
			{Type: models.ActionCreateTask, TaskTitle: "Follow up", TaskDueInDays: 2},
		},
		IsActive: true,
	})

	require.NoError(t, ae.HandleEvent(TriggerEvent{
		ProjectID:   project.ID,
		TriggerType: models.TriggerEmailOpened,
		EntityType:  models.EntityPerson,
		EntityID:    person.ID,
	}))

	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionMatched, executions[0].Status)
	require.Empty(t, executions[0].WindowKey)
	require.Len(t, executions[0].ActionResults, 2)
	require.True(t, executions[0].ActionResults[0].Success)
	require.True(t, executions[0].ActionResults[1].Success)

	var tag models.EntityTag
	require.NoError(t, db.Where("entity_id = ? AND tag = ?", person.ID, "engaged").First(&tag).Error)

	var task models.Task
	require.NoError(t, db.Where("source = ?", "automation").First(&task).Error)
	require.Equal(t, "Follow up", task.Title)
	require.Equal(t, &automation.ID, task.AutomationID)
}

func TestHandleEventNoMatchRecordsExecution(t *testing.T) {
	db := newTestDB(t)
	ae := newTestEngine(db, &fakeMailer{}, fixedNow())

	project := seedProject(t, db)
	person := seedPerson(t, db, project.ID, "jamie@acme.io")
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "Tag customers",
		TriggerType: models.TriggerEmailOpened,
		Conditions:  models.ConditionNode{Field: "stage", Operator: OpEquals, Value: "customer"},
		Actions:     []models.AutomationAction{{Type: models.ActionAddTag, Tag: "customer"}},
		IsActive:    true,
	})

	require.NoError(t, ae.HandleEvent(TriggerEvent{
		ProjectID:   project.ID,
		TriggerType: models.TriggerEmailOpened,
		EntityType:  models.EntityPerson,
		EntityID:    person.ID,
	}))

	// "no match" is recorded, distinguishable from "never evaluated"
	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionNotMatched, executions[0].Status)
	require.Empty(t, executions[0].ActionResults)

	var count int64
	require.NoError(t, db.Model(&models.EntityTag{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestHandleEventIgnoresInactiveAndOtherTriggers(t *testing.T) {
	db := newTestDB(t)
	ae := newTestEngine(db, &fakeMailer{}, fixedNow())

	project := seedProject(t, db)
	person := seedPerson(t, db, project.ID, "jamie@acme.io")
	inactive := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "Disabled",
		TriggerType: models.TriggerEmailOpened,
		Actions:     []models.AutomationAction{{Type: models.ActionAddTag, Tag: "x"}},
		IsActive:    false,
	})
	otherTrigger := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "On reply",
		TriggerType: models.TriggerEmailReplied,
		Actions:     []models.AutomationAction{{Type: models.ActionAddTag, Tag: "y"}},
		IsActive:    true,
	})

	require.NoError(t, ae.HandleEvent(TriggerEvent{
		ProjectID:   project.ID,
		TriggerType: models.TriggerEmailOpened,
		EntityType:  models.EntityPerson,
		EntityID:    person.ID,
	}))

	require.Empty(t, executionsFor(t, db, inactive.ID))
	require.Empty(t, executionsFor(t, db, otherTrigger.ID))
}

func TestHandleEventMissingEntityRecordsErrorExecution(t *testing.T) {
	db := newTestDB(t)
	ae := newTestEngine(db, &fakeMailer{}, fixedNow())

	project := seedProject(t, db)
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "On open",
		TriggerType: models.TriggerEmailOpened,
		Actions:     []models.AutomationAction{{Type: models.ActionAddTag, Tag: "x"}},
		IsActive:    true,
	})

	require.NoError(t, ae.HandleEvent(TriggerEvent{
		ProjectID:   project.ID,
		TriggerType: models.TriggerEmailOpened,
		EntityType:  models.EntityPerson,
		EntityID:    4242,
	}))

	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionError, executions[0].Status)
	require.NotEmpty(t, executions[0].ErrorMessage)
}

func TestProcessTimeTriggersDueDateWindow(t *testing.T) {
	db := newTestDB(t)
	now := fixedNow()
	ae := newTestEngine(db, &fakeMailer{}, now)

	project := seedProject(t, db)
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "RFP deadline reminder",
		TriggerType:   models.TriggerDueDateApproaching,
		TriggerConfig: models.TriggerConfig{EntityType: models.EntityRFP, Days: 7},
		Actions:       []models.AutomationAction{{Type: models.ActionCreateTask, TaskTitle: "Submit proposal"}},
		IsActive:      true,
	})

	inWindow := models.RFP{ProjectID: project.ID, Title: "City portal", DueDate: utils.Pointer(now.Add(3 * 24 * time.Hour))}
	tooFar := models.RFP{ProjectID: project.ID, Title: "State archive", DueDate: utils.Pointer(now.Add(30 * 24 * time.Hour))}
	past := models.RFP{ProjectID: project.ID, Title: "Old bid", DueDate: utils.Pointer(now.Add(-24 * time.Hour))}
	noDate := models.RFP{ProjectID: project.ID, Title: "Undated"}
	require.NoError(t, db.Create(&inWindow).Error)
	require.NoError(t, db.Create(&tooFar).Error)
	require.NoError(t, db.Create(&past).Error)
	require.NoError(t, db.Create(&noDate).Error)

	report, err := ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, AutomationReport{Processed: 1, Matched: 1}, report)

	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, models.EntityRFP, executions[0].EntityType)
	require.Equal(t, inWindow.ID, executions[0].EntityID)
	require.NotEmpty(t, executions[0].WindowKey)

	// Second poll inside the same window: the window key suppresses a
	// duplicate firing
	report, err = ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Zero(t, report.Matched)
	require.Len(t, executionsFor(t, db, automation.ID), 1)
}

func TestProcessTimeTriggersWindowReopensOnNewAnchor(t *testing.T) {
	db := newTestDB(t)
	now := fixedNow()
	ae := newTestEngine(db, &fakeMailer{}, now)

	project := seedProject(t, db)
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "Deal closing soon",
		TriggerType:   models.TriggerDueDateApproaching,
		TriggerConfig: models.TriggerConfig{EntityType: models.EntityOpportunity, Days: 7},
		Actions:       []models.AutomationAction{{Type: models.ActionAddTag, Tag: "closing"}},
		IsActive:      true,
	})

	opp := models.Opportunity{ProjectID: project.ID, Name: "Big deal", CloseDate: utils.Pointer(now.Add(2 * 24 * time.Hour))}
	require.NoError(t, db.Create(&opp).Error)

	report, err := ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, 1, report.Matched)

	// The close date moves: a new window key, so the rule fires again
	require.NoError(t, db.Model(&opp).Update("close_date", now.Add(5*24*time.Hour)).Error)

	report, err = ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, 1, report.Matched)
	require.Len(t, executionsFor(t, db, automation.ID), 2)
}

func TestProcessTimeTriggersTransientErrorStaysEligible(t *testing.T) {
	db := newTestDB(t)
	now := fixedNow()
	ae := newTestEngine(db, &fakeMailer{}, now)

	project := seedProject(t, db)
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "Deal closing soon",
		TriggerType:   models.TriggerDueDateApproaching,
		TriggerConfig: models.TriggerConfig{EntityType: models.EntityOpportunity, Days: 7},
		Actions:       []models.AutomationAction{{Type: models.ActionAddTag, Tag: "closing"}},
		IsActive:      true,
	})

	org := models.Organization{ProjectID: project.ID, Name: "Acme"}
	require.NoError(t, db.Create(&org).Error)
	opp := models.Opportunity{
		ProjectID:      project.ID,
		OrganizationID: &org.ID,
		Name:           "Big deal",
		CloseDate:      utils.Pointer(now.Add(2 * 24 * time.Hour)),
	}
	require.NoError(t, db.Create(&opp).Error)

	// The snapshot load preloads the organization; losing that table
	// mid-poll is a transient infrastructure fault
	require.NoError(t, db.Migrator().DropTable(&models.Organization{}))

	report, err := ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, AutomationReport{Processed: 1, Errors: 1}, report)

	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionError, executions[0].Status)
	require.NotEmpty(t, executions[0].WindowKey)

	// Fault clears: the error row must not count as a firing for the
	// still-open window
	require.NoError(t, db.AutoMigrate(&models.Organization{}))

	report, err = ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, AutomationReport{Processed: 1, Matched: 1}, report)

	executions = executionsFor(t, db, automation.ID)
	require.Len(t, executions, 2)
	require.Equal(t, models.ExecutionMatched, executions[1].Status)

	// The matched row now closes the window
	report, err = ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Zero(t, report.Matched)
	require.Len(t, executionsFor(t, db, automation.ID), 2)
}

func TestProcessTimeTriggersInactivity(t *testing.T) {
	db := newTestDB(t)
	now := fixedNow()
	ae := newTestEngine(db, &fakeMailer{}, now)

	project := seedProject(t, db)
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "Re-engage stale leads",
		TriggerType:   models.TriggerInactivity,
		TriggerConfig: models.TriggerConfig{Days: 14},
		Actions:       []models.AutomationAction{{Type: models.ActionAddTag, Tag: "stale"}},
		IsActive:      true,
	})

	stale := seedPerson(t, db, project.ID, "stale@acme.io")
	require.NoError(t, db.Model(&stale).Update("last_activity_at", now.Add(-20*24*time.Hour)).Error)
	fresh := seedPerson(t, db, project.ID, "fresh@acme.io")
	require.NoError(t, db.Model(&fresh).Update("last_activity_at", now.Add(-2*24*time.Hour)).Error)
	// No activity clock at all: never considered inactive
	seedPerson(t, db, project.ID, "unknown@acme.io")

	report, err := ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, AutomationReport{Processed: 1, Matched: 1}, report)

	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, stale.ID, executions[0].EntityID)
}

func TestProcessTimeTriggersErrorIsolation(t *testing.T) {
	db := newTestDB(t)
	now := fixedNow()
	ae := newTestEngine(db, &fakeMailer{}, now)

	project := seedProject(t, db)
	// Misconfigured automation: unsupported entity type for the trigger
	seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "Broken",
		TriggerType:   models.TriggerDueDateApproaching,
		TriggerConfig: models.TriggerConfig{EntityType: models.EntityOrganization, Days: 7},
		Actions:       []models.AutomationAction{{Type: models.ActionAddTag, Tag: "x"}},
		IsActive:      true,
	})
	healthy := seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "Works",
		TriggerType:   models.TriggerInactivity,
		TriggerConfig: models.TriggerConfig{Days: 7},
		Actions:       []models.AutomationAction{{Type: models.ActionAddTag, Tag: "stale"}},
		IsActive:      true,
	})

	person := seedPerson(t, db, project.ID, "jamie@acme.io")
	require.NoError(t, db.Model(&person).Update("last_activity_at", now.Add(-10*24*time.Hour)).Error)

	report, err := ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Equal(t, 1, report.Matched)
	require.Len(t, executionsFor(t, db, healthy.ID), 1)
}

func TestProcessTimeTriggersRespectsBudget(t *testing.T) {
	db := newTestDB(t)
	now := fixedNow()
	ae := newTestEngine(db, &fakeMailer{}, now)

	project := seedProject(t, db)
	seedAutomation(t, db, models.Automation{
		ProjectID:     project.ID,
		Name:          "Re-engage",
		TriggerType:   models.TriggerInactivity,
		TriggerConfig: models.TriggerConfig{Days: 7},
		Actions:       []models.AutomationAction{{Type: models.ActionAddTag, Tag: "stale"}},
		IsActive:      true,
	})

	for i := 0; i < 5; i++ {
		person := seedPerson(t, db, project.ID, "p@acme.io")
		require.NoError(t, db.Model(&person).Update("last_activity_at", now.Add(-30*24*time.Hour)).Error)
	}

	report, err := ae.ProcessTimeTriggers(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)

	// Remaining candidates drain on subsequent invocations
	report, err = ae.ProcessTimeTriggers(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, 3, report.Matched)
}

func TestActionFailureAbortsRemainingActions(t *testing.T) {
	db := newTestDB(t)
	ae := newTestEngine(db, &fakeMailer{failAll: true}, fixedNow())

	project := seedProject(t, db)
	person := seedPerson(t, db, project.ID, "jamie@acme.io")
	automation := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "Email then tag",
		TriggerType: models.TriggerEmailOpened,
		Actions: []models.AutomationAction{
			{Type: models.ActionSendEmail, Subject: "Hi", Body: "x"},
			{Type: models.ActionAddTag, Tag: "after"},
		},
		IsActive: true,
	})

	require.NoError(t, ae.HandleEvent(TriggerEvent{
		ProjectID:   project.ID,
		TriggerType: models.TriggerEmailOpened,
		EntityType:  models.EntityPerson,
		EntityID:    person.ID,
	}))

	executions := executionsFor(t, db, automation.ID)
	require.Len(t, executions, 1)
	require.Equal(t, models.ExecutionMatched, executions[0].Status)
	require.Len(t, executions[0].ActionResults, 1)
	require.False(t, executions[0].ActionResults[0].Success)

	var count int64
	require.NoError(t, db.Model(&models.EntityTag{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUpdateFieldActionWhitelist(t *testing.T) {
	db := newTestDB(t)
	ae := newTestEngine(db, &fakeMailer{}, fixedNow())

	project := seedProject(t, db)
	person := seedPerson(t, db, project.ID, "jamie@acme.io")

	good := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "Promote",
		TriggerType: models.TriggerEmailReplied,
		Actions:     []models.AutomationAction{{Type: models.ActionUpdateField, Field: "stage", Value: "qualified"}},
		IsActive:    true,
	})
	bad := seedAutomation(t, db, models.Automation{
		ProjectID:   project.ID,
		Name:        "Tamper",
		TriggerType: models.TriggerEmailReplied,
		Actions:     []models.AutomationAction{{Type: models.ActionUpdateField, Field: "is_unsubscribed", Value: true}},
		IsActive:    true,
	})

	require.NoError(t, ae.HandleEvent(TriggerEvent{
		ProjectID:   project.ID,
		TriggerType: models.TriggerEmailReplied,
		EntityType:  models.EntityPerson,
		EntityID:    person.ID,
	}))

	var reloaded models.Person
	require.NoError(t, db.First(&reloaded, person.ID).Error)
	require.Equal(t, "qualified", reloaded.Stage)
	require.False(t, reloaded.IsUnsubscribed)

	require.True(t, executionsFor(t, db, good.ID)[0].ActionResults[0].Success)
	require.False(t, executionsFor(t, db, bad.ID)[0].ActionResults[0].Success)
}
