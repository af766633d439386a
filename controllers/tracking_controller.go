package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/config"
	"relaycrm/engine"
	"relaycrm/models"
	"relaycrm/utils"
)

// TrackingController handles the open/click tracking endpoints embedded
// in outgoing sequence emails, plus the provider webhook for events we
// cannot observe ourselves (replies, bounces).
type TrackingController struct {
	DB     *gorm.DB
	Bus    engine.EventBus
	Logger *logrus.Logger
}

func NewTrackingController(db *gorm.DB, bus engine.EventBus, logger *logrus.Logger) *TrackingController {
	return &TrackingController{
		DB:     db,
		Bus:    bus,
		Logger: logger,
	}
}

// HandleOpenTracking serves the tracking pixel and records the open.
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if !utils.ValidTrackingToken(config.AppConfig.EncryptionKey, messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	activity, found := tc.recordOpen(messageID)
	if found {
		tc.Bus.Emit(engine.TriggerEvent{
			ProjectID:   activity.ProjectID,
			TriggerType: models.TriggerEmailOpened,
			EntityType:  models.EntityPerson,
			EntityID:    activity.PersonID,
			Data: map[string]interface{}{
				"message_id":  messageID,
				"step_number": activity.StepNumber,
			},
		})
	}

	// Always serve the pixel; an unknown message ID is not the
	// recipient's problem
	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records the click and forwards to the original
// destination.
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidTrackingToken(config.AppConfig.EncryptionKey, messageID, token) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing url")
	}

	activity, found := tc.recordClick(messageID)
	if found {
		tc.Bus.Emit(engine.TriggerEvent{
			ProjectID:   activity.ProjectID,
			TriggerType: models.TriggerEmailClicked,
			EntityType:  models.EntityPerson,
			EntityID:    activity.PersonID,
			Data: map[string]interface{}{
				"message_id":  messageID,
				"step_number": activity.StepNumber,
				"url":         originalURL,
			},
		})
	}

	return c.Redirect(originalURL, fiber.StatusFound)
}

// HandleEmailWebhook processes delivery events reported by the email
// provider: opens and clicks from providers that track them for us,
// plus replies and bounces we cannot observe directly.
func (tc *TrackingController) HandleEmailWebhook(c *fiber.Ctx) error {
	var input struct {
		EventType string `json:"event_type" validate:"required,oneof=open click reply bounce"`
		MessageID string `json:"message_id" validate:"required"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	var activity models.SequenceActivity
	if err := tc.DB.Where("message_id = ?", input.MessageID).First(&activity).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Activity not found", nil)
	}

	eventTime := time.Now()
	if input.Timestamp > 0 {
		eventTime = time.Unix(input.Timestamp, 0)
	}

	switch input.EventType {
	case "open":
		tc.recordOpen(input.MessageID)
		tc.emit(models.TriggerEmailOpened, &activity, input.MessageID)
	case "click":
		tc.recordClick(input.MessageID)
		tc.emit(models.TriggerEmailClicked, &activity, input.MessageID)
	case "reply":
		if err := tc.recordReply(&activity, eventTime); err != nil {
			utils.LogError("webhook_reply_failed", err, map[string]interface{}{
				"message_id": input.MessageID,
			})
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record reply", nil)
		}
		tc.emit(models.TriggerEmailReplied, &activity, input.MessageID)
	case "bounce":
		if err := tc.recordBounce(&activity, eventTime); err != nil {
			utils.LogError("webhook_bounce_failed", err, map[string]interface{}{
				"message_id": input.MessageID,
			})
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record bounce", nil)
		}
		tc.emit(models.TriggerEmailBounced, &activity, input.MessageID)
	}

	return c.JSON(fiber.Map{"success": true})
}

func (tc *TrackingController) emit(triggerType string, activity *models.SequenceActivity, messageID string) {
	tc.Bus.Emit(engine.TriggerEvent{
		ProjectID:   activity.ProjectID,
		TriggerType: triggerType,
		EntityType:  models.EntityPerson,
		EntityID:    activity.PersonID,
		Data: map[string]interface{}{
			"message_id":  messageID,
			"step_number": activity.StepNumber,
		},
	})
}

func (tc *TrackingController) recordOpen(messageID string) (*models.SequenceActivity, bool) {
	var activity models.SequenceActivity
	if err := tc.DB.Where("message_id = ?", messageID).First(&activity).Error; err != nil {
		return nil, false
	}

	updates := map[string]interface{}{
		"open_count": gorm.Expr("open_count + 1"),
	}
	if activity.OpenedAt == nil {
		updates["opened_at"] = time.Now()
	}
	if err := tc.DB.Model(&activity).Updates(updates).Error; err != nil {
		tc.Logger.WithError(err).WithField("message_id", messageID).Warn("failed to record open")
	}
	return &activity, true
}

func (tc *TrackingController) recordClick(messageID string) (*models.SequenceActivity, bool) {
	var activity models.SequenceActivity
	if err := tc.DB.Where("message_id = ?", messageID).First(&activity).Error; err != nil {
		return nil, false
	}

	updates := map[string]interface{}{
		"click_count": gorm.Expr("click_count + 1"),
	}
	if activity.ClickedAt == nil {
		updates["clicked_at"] = time.Now()
	}
	if err := tc.DB.Model(&activity).Updates(updates).Error; err != nil {
		tc.Logger.WithError(err).WithField("message_id", messageID).Warn("failed to record click")
	}
	return &activity, true
}

// recordReply stamps the activity, refreshes the person's activity
// clock, and stops the enrollment when the sequence is configured to
// stand down once the person engages.
func (tc *TrackingController) recordReply(activity *models.SequenceActivity, at time.Time) error {
	if activity.RepliedAt == nil {
		if err := tc.DB.Model(activity).Update("replied_at", at).Error; err != nil {
			return err
		}
	}

	if err := tc.DB.Model(&models.Person{}).
		Where("id = ?", activity.PersonID).
		Update("last_activity_at", at).Error; err != nil {
		tc.Logger.WithError(err).WithField("person_id", activity.PersonID).
			Warn("failed to update person activity clock")
	}

	var enrollment models.SequenceEnrollment
	if err := tc.DB.First(&enrollment, activity.EnrollmentID).Error; err != nil {
		return err
	}
	if enrollment.IsTerminal() {
		return nil
	}

	var sequence models.Sequence
	if err := tc.DB.First(&sequence, enrollment.SequenceID).Error; err != nil {
		return err
	}
	if !sequence.StopOnReply {
		return nil
	}

	return tc.DB.Model(&enrollment).Updates(map[string]interface{}{
		"status":           models.EnrollmentCancelled,
		"completed_at":     at,
		"next_step_due_at": nil,
		"last_error":       "person replied",
	}).Error
}

// recordBounce stamps the activity, flags the person so no further
// sends target a dead address, and cancels the enrollment.
func (tc *TrackingController) recordBounce(activity *models.SequenceActivity, at time.Time) error {
	if activity.BouncedAt == nil {
		if err := tc.DB.Model(activity).Update("bounced_at", at).Error; err != nil {
			return err
		}
	}

	if err := tc.DB.Model(&models.Person{}).
		Where("id = ?", activity.PersonID).
		Update("is_bounced", true).Error; err != nil {
		return err
	}

	var enrollment models.SequenceEnrollment
	if err := tc.DB.First(&enrollment, activity.EnrollmentID).Error; err != nil {
		return err
	}
	if enrollment.IsTerminal() {
		return nil
	}

	return tc.DB.Model(&enrollment).Updates(map[string]interface{}{
		"status":           models.EnrollmentCancelled,
		"completed_at":     at,
		"next_step_due_at": nil,
		"last_error":       "email bounced",
	}).Error
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
