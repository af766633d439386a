package controller

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"relaycrm/config"
	"relaycrm/models"
	"relaycrm/utils"
)

type trackingFixture struct {
	project    models.Project
	person     models.Person
	enrollment models.SequenceEnrollment
	activity   models.SequenceActivity
}

func seedTrackedSend(t *testing.T, db *gorm.DB, messageID string, stopOnReply bool) trackingFixture {
	t.Helper()

	project := seedTestProject(t, db)
	person := models.Person{ProjectID: project.ID, Email: "jamie@acme.io", Stage: "lead"}
	require.NoError(t, db.Create(&person).Error)

	sequence := models.Sequence{
		ProjectID:   project.ID,
		Name:        "Onboarding",
		Status:      models.SequenceActive,
		StopOnReply: stopOnReply,
		Steps: []models.SequenceStep{
			{StepNumber: 1, StepType: models.StepEmail, Subject: "Hi", Body: "x"},
			{StepNumber: 2, StepType: models.StepEmail, DelayDays: 3, Subject: "Again", Body: "y"},
		},
	}
	require.NoError(t, db.Create(&sequence).Error)

	enrollment := models.SequenceEnrollment{
		ProjectID:         project.ID,
		SequenceID:        sequence.ID,
		PersonID:          person.ID,
		Status:            models.EnrollmentActive,
		CurrentStepNumber: 2,
		NextStepDueAt:     utils.Pointer(time.Now().Add(72 * time.Hour)),
		EnrolledAt:        time.Now(),
	}
	require.NoError(t, db.Create(&enrollment).Error)

	activity := models.SequenceActivity{
		ProjectID:    project.ID,
		EnrollmentID: enrollment.ID,
		PersonID:     person.ID,
		StepNumber:   1,
		MessageID:    messageID,
		SentAt:       utils.Pointer(time.Now()),
	}
	require.NoError(t, db.Create(&activity).Error)

	return trackingFixture{project: project, person: person, enrollment: enrollment, activity: activity}
}

func TestHandleOpenTracking(t *testing.T) {
	env := setupTestEnv(t)
	fixture := seedTrackedSend(t, env.db, "msg-open-1", true)

	// Opens feed event-triggered automations through the bus
	automation := models.Automation{
		ProjectID:   fixture.project.ID,
		Name:        "Tag openers",
		TriggerType: models.TriggerEmailOpened,
		Actions:     []models.AutomationAction{{Type: models.ActionAddTag, Tag: "opened"}},
		IsActive:    true,
	}
	require.NoError(t, env.db.Create(&automation).Error)

	token := utils.TrackingToken(config.AppConfig.EncryptionKey, "msg-open-1")
	resp, err := env.app.Test(httptest.NewRequest("GET", "/track/open/msg-open-1/"+token, nil), 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "gif")

	var activity models.SequenceActivity
	require.NoError(t, env.db.First(&activity, fixture.activity.ID).Error)
	require.Equal(t, 1, activity.OpenCount)
	require.NotNil(t, activity.OpenedAt)

	var tag models.EntityTag
	require.NoError(t, env.db.Where("entity_id = ? AND tag = ?", fixture.person.ID, "opened").First(&tag).Error)

	// Second open bumps the counter but keeps the first-open timestamp
	firstOpened := *activity.OpenedAt
	resp, err = env.app.Test(httptest.NewRequest("GET", "/track/open/msg-open-1/"+token, nil), 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	require.NoError(t, env.db.First(&activity, fixture.activity.ID).Error)
	require.Equal(t, 2, activity.OpenCount)
	require.Equal(t, firstOpened.Unix(), activity.OpenedAt.Unix())
}

func TestHandleOpenTrackingRejectsForgedToken(t *testing.T) {
	env := setupTestEnv(t)
	seedTrackedSend(t, env.db, "msg-open-2", true)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/track/open/msg-open-2/forged", nil))
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

func TestHandleClickTracking(t *testing.T) {
	env := setupTestEnv(t)
	fixture := seedTrackedSend(t, env.db, "msg-click-1", true)

	token := utils.TrackingToken(config.AppConfig.EncryptionKey, "msg-click-1")
	target := "/track/click/msg-click-1/" + token + "?url=https%3A%2F%2Fexample.com%2Fpricing"
	resp, err := env.app.Test(httptest.NewRequest("GET", target, nil), 10000)
	require.NoError(t, err)
	require.Equal(t, 302, resp.StatusCode)
	require.Equal(t, "https://example.com/pricing", resp.Header.Get("Location"))

	var activity models.SequenceActivity
	require.NoError(t, env.db.First(&activity, fixture.activity.ID).Error)
	require.Equal(t, 1, activity.ClickCount)
	require.NotNil(t, activity.ClickedAt)
}

func TestHandleEmailWebhookReplyStopsEnrollment(t *testing.T) {
	env := setupTestEnv(t)
	fixture := seedTrackedSend(t, env.db, "msg-reply-1", true)

	payload := `{"event_type":"reply","message_id":"msg-reply-1"}`
	req := httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var activity models.SequenceActivity
	require.NoError(t, env.db.First(&activity, fixture.activity.ID).Error)
	require.NotNil(t, activity.RepliedAt)

	var enrollment models.SequenceEnrollment
	require.NoError(t, env.db.First(&enrollment, fixture.enrollment.ID).Error)
	require.Equal(t, models.EnrollmentCancelled, enrollment.Status)
	require.Nil(t, enrollment.NextStepDueAt)

	var person models.Person
	require.NoError(t, env.db.First(&person, fixture.person.ID).Error)
	require.NotNil(t, person.LastActivityAt)
}

func TestHandleEmailWebhookReplyKeepsEnrollmentWhenConfigured(t *testing.T) {
	env := setupTestEnv(t)
	fixture := seedTrackedSend(t, env.db, "msg-reply-2", false)

	payload := `{"event_type":"reply","message_id":"msg-reply-2"}`
	req := httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var enrollment models.SequenceEnrollment
	require.NoError(t, env.db.First(&enrollment, fixture.enrollment.ID).Error)
	require.Equal(t, models.EnrollmentActive, enrollment.Status)
	require.NotNil(t, enrollment.NextStepDueAt)
}

func TestHandleEmailWebhookBounce(t *testing.T) {
	env := setupTestEnv(t)
	fixture := seedTrackedSend(t, env.db, "msg-bounce-1", true)

	payload := `{"event_type":"bounce","message_id":"msg-bounce-1"}`
	req := httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req, 10000)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var activity models.SequenceActivity
	require.NoError(t, env.db.First(&activity, fixture.activity.ID).Error)
	require.NotNil(t, activity.BouncedAt)

	var person models.Person
	require.NoError(t, env.db.First(&person, fixture.person.ID).Error)
	require.True(t, person.IsBounced)

	var enrollment models.SequenceEnrollment
	require.NoError(t, env.db.First(&enrollment, fixture.enrollment.ID).Error)
	require.Equal(t, models.EnrollmentCancelled, enrollment.Status)
}

func TestHandleEmailWebhookValidation(t *testing.T) {
	env := setupTestEnv(t)

	req := httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(`{"event_type":"explode","message_id":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)

	req = httptest.NewRequest("POST", "/webhooks/email", strings.NewReader(`{"event_type":"reply","message_id":"unknown"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = env.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, false, body["success"])
}
