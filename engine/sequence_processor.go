package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/models"
	"relaycrm/utils"
)

// SequenceReport aggregates one ProcessSequences invocation.
type SequenceReport struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
}

// SequenceProcessor advances due sequence enrollments. It is the only
// writer of enrollment state once an enrollment is started.
type SequenceProcessor struct {
	DB      *gorm.DB
	Mailer  Mailer
	Bus     EventBus
	Logger  *logrus.Logger
	BaseURL string
	Secret  string // tracking token secret

	// Now is swappable for deterministic tests
	Now func() time.Time
}

func NewSequenceProcessor(db *gorm.DB, mailer Mailer, bus EventBus, logger *logrus.Logger, baseURL, secret string) *SequenceProcessor {
	return &SequenceProcessor{
		DB:      db,
		Mailer:  mailer,
		Bus:     bus,
		Logger:  logger,
		BaseURL: baseURL,
		Secret:  secret,
		Now:     time.Now,
	}
}

// ProcessSequences pulls up to maxBatch due enrollments (oldest due
// first, insertion order as tiebreak) and advances each one
// independently. A failing enrollment is counted and left due so the
// next invocation retries it; it never aborts the batch. Only a
// batch-level infrastructure failure returns an error.
func (sp *SequenceProcessor) ProcessSequences(ctx context.Context, maxBatch int) (SequenceReport, error) {
	now := sp.Now()
	var report SequenceReport

	var due []models.SequenceEnrollment
	if err := sp.DB.WithContext(ctx).
		Where("status = ? AND next_step_due_at <= ?", models.EnrollmentActive, now).
		Order("next_step_due_at ASC, id ASC").
		Limit(maxBatch).
		Find(&due).Error; err != nil {
		return report, fmt.Errorf("loading due enrollments: %w", err)
	}

	for i := range due {
		enrollment := &due[i]
		report.Processed++

		sent, completed, err := sp.processEnrollment(ctx, enrollment, now)
		if err != nil {
			report.Errors++
			sp.Logger.WithFields(logrus.Fields{
				"enrollment_id": enrollment.ID,
				"sequence_id":   enrollment.SequenceID,
				"step":          enrollment.CurrentStepNumber,
			}).WithError(err).Warn("enrollment processing failed")

			// Record the failure; due time stays untouched so the
			// enrollment is retried next invocation.
			sp.DB.Model(&models.SequenceEnrollment{}).
				Where("id = ?", enrollment.ID).
				Update("last_error", err.Error())
			continue
		}
		if sent {
			report.Sent++
		}
		if completed {
			report.Completed++
			if sp.Bus != nil {
				sp.Bus.Emit(TriggerEvent{
					ProjectID:   enrollment.ProjectID,
					TriggerType: models.TriggerSequenceCompleted,
					EntityType:  models.EntityPerson,
					EntityID:    enrollment.PersonID,
				})
			}
		}
	}

	return report, nil
}

// processEnrollment runs one due step. Panics are contained here so a
// single poisoned enrollment cannot take down the batch.
func (sp *SequenceProcessor) processEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment, now time.Time) (sent bool, completed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing enrollment %d: %v", enrollment.ID, r)
		}
	}()

	var sequence models.Sequence
	if err := sp.DB.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		First(&sequence, enrollment.SequenceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			sp.fail(enrollment, now, "sequence no longer exists")
			return false, false, fmt.Errorf("sequence %d not found", enrollment.SequenceID)
		}
		return false, false, fmt.Errorf("loading sequence %d: %w", enrollment.SequenceID, err)
	}

	// A paused or archived sequence parks its enrollments instead of
	// erroring them on every poll.
	if sequence.Status != models.SequenceActive {
		return false, false, sp.pause(enrollment)
	}

	step := stepByNumber(sequence.Steps, enrollment.CurrentStepNumber)
	if step == nil {
		sp.fail(enrollment, now, fmt.Sprintf("step %d not found", enrollment.CurrentStepNumber))
		return false, false, fmt.Errorf("sequence %d has no step %d", sequence.ID, enrollment.CurrentStepNumber)
	}

	switch step.StepType {
	case models.StepEmail:
		skip, err := sp.sendStepEmail(ctx, enrollment, step, now)
		if err != nil {
			return false, false, err
		}
		if skip {
			// Person opted out since enrollment; nothing more to do.
			return false, false, nil
		}
		sent = true
	case models.StepTask:
		if err := sp.createStepTask(ctx, enrollment, step, now); err != nil {
			return false, false, err
		}
	case models.StepWait:
		// Advancing below is the whole effect of a wait step
	default:
		sp.fail(enrollment, now, fmt.Sprintf("unknown step type %q", step.StepType))
		return false, false, fmt.Errorf("sequence %d step %d has unknown type %q", sequence.ID, step.StepNumber, step.StepType)
	}

	completed, err = sp.advance(enrollment, sequence.Steps, now)
	return sent, completed, err
}

// advance moves the enrollment to the next step, or completes it when
// the current step was the last one.
func (sp *SequenceProcessor) advance(enrollment *models.SequenceEnrollment, steps []models.SequenceStep, now time.Time) (bool, error) {
	next := stepByNumber(steps, enrollment.CurrentStepNumber+1)
	if next == nil {
		updates := map[string]interface{}{
			"status":           models.EnrollmentCompleted,
			"completed_at":     now,
			"next_step_due_at": nil,
			"last_error":       "",
		}
		if err := sp.DB.Model(enrollment).Updates(updates).Error; err != nil {
			return false, fmt.Errorf("completing enrollment %d: %w", enrollment.ID, err)
		}
		return true, nil
	}

	updates := map[string]interface{}{
		"current_step_number": next.StepNumber,
		"next_step_due_at":    now.Add(next.Delay()),
		"last_error":          "",
	}
	if err := sp.DB.Model(enrollment).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("advancing enrollment %d: %w", enrollment.ID, err)
	}
	return false, nil
}

// sendStepEmail renders and sends an email step, recording the
// activity row the tracking endpoints hang state off. Returns
// skip=true when the person can no longer be contacted; the
// enrollment is cancelled instead of erroring forever.
func (sp *SequenceProcessor) sendStepEmail(ctx context.Context, enrollment *models.SequenceEnrollment, step *models.SequenceStep, now time.Time) (skip bool, err error) {
	var person models.Person
	if err := sp.DB.WithContext(ctx).Preload("Organization").
		First(&person, enrollment.PersonID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			sp.fail(enrollment, now, "person no longer exists")
			return false, fmt.Errorf("person %d not found", enrollment.PersonID)
		}
		return false, fmt.Errorf("loading person %d: %w", enrollment.PersonID, err)
	}

	if person.IsUnsubscribed || person.IsBounced || person.IsDoNotContact {
		return true, sp.cancel(enrollment, now, "person is no longer contactable")
	}

	if err := checkmail.ValidateFormat(person.Email); err != nil {
		sp.fail(enrollment, now, fmt.Sprintf("invalid email %q", person.Email))
		return false, fmt.Errorf("person %d has invalid email %q", person.ID, person.Email)
	}

	fields := utils.MergeFields(&person)
	messageID := uuid.New().String()
	body := utils.RenderMerge(step.Body, fields)
	if sp.BaseURL != "" {
		body = utils.InjectTracking(body, sp.BaseURL, sp.Secret, messageID)
	}

	returnedID, err := sp.Mailer.Send(utils.Email{
		To:      person.Email,
		Subject: utils.RenderMerge(step.Subject, fields),
		Body:    body,
	})
	if err != nil {
		return false, fmt.Errorf("sending step %d email: %w", step.StepNumber, err)
	}
	if returnedID != "" {
		messageID = returnedID
	}

	activity := models.SequenceActivity{
		ProjectID:    enrollment.ProjectID,
		EnrollmentID: enrollment.ID,
		PersonID:     person.ID,
		StepNumber:   step.StepNumber,
		MessageID:    messageID,
		SentAt:       utils.Pointer(now),
	}
	if err := sp.DB.Create(&activity).Error; err != nil {
		// The mail is out; losing the audit row must not retry the send
		sp.Logger.WithError(err).WithField("enrollment_id", enrollment.ID).
			Error("failed to record sequence activity")
	}

	return false, nil
}

func (sp *SequenceProcessor) createStepTask(ctx context.Context, enrollment *models.SequenceEnrollment, step *models.SequenceStep, now time.Time) error {
	title := step.TaskTitle
	if title == "" {
		title = fmt.Sprintf("Follow up (sequence step %d)", step.StepNumber)
	}

	task := models.Task{
		ProjectID:  enrollment.ProjectID,
		PersonID:   utils.Pointer(enrollment.PersonID),
		EntityType: models.EntityPerson,
		EntityID:   enrollment.PersonID,
		Title:      title,
		Source:     "sequence",
		DueAt:      utils.Pointer(now),
	}
	if err := sp.DB.WithContext(ctx).Create(&task).Error; err != nil {
		return fmt.Errorf("creating step %d task: %w", step.StepNumber, err)
	}
	return nil
}

func (sp *SequenceProcessor) pause(enrollment *models.SequenceEnrollment) error {
	return sp.DB.Model(enrollment).Updates(map[string]interface{}{
		"status":           models.EnrollmentPaused,
		"next_step_due_at": nil,
	}).Error
}

func (sp *SequenceProcessor) cancel(enrollment *models.SequenceEnrollment, now time.Time, reason string) error {
	return sp.DB.Model(enrollment).Updates(map[string]interface{}{
		"status":           models.EnrollmentCancelled,
		"completed_at":     now,
		"next_step_due_at": nil,
		"last_error":       reason,
	}).Error
}

// fail is terminal: the enrollment will never be picked up again.
// Reserved for configuration errors that retrying cannot fix.
func (sp *SequenceProcessor) fail(enrollment *models.SequenceEnrollment, now time.Time, reason string) {
	if err := sp.DB.Model(enrollment).Updates(map[string]interface{}{
		"status":           models.EnrollmentFailed,
		"completed_at":     now,
		"next_step_due_at": nil,
		"last_error":       reason,
	}).Error; err != nil {
		sp.Logger.WithError(err).WithField("enrollment_id", enrollment.ID).
			Error("failed to mark enrollment failed")
	}
}

func stepByNumber(steps []models.SequenceStep, number int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepNumber == number {
			return &steps[i]
		}
	}
	return nil
}
