package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/config"
	"relaycrm/engine"
	"relaycrm/utils"
)

const cronLockKey = "cron:process-sequences"

// CronController exposes the batch drivers to the external scheduler.
type CronController struct {
	DB        *gorm.DB
	Processor *engine.SequenceProcessor
	Engine    *engine.AutomationEngine
	Lock      engine.BatchLock
	Logger    *logrus.Logger
}

func NewCronController(db *gorm.DB, processor *engine.SequenceProcessor, automationEngine *engine.AutomationEngine, lock engine.BatchLock, logger *logrus.Logger) *CronController {
	if lock == nil {
		lock = engine.NoopLock{}
	}
	return &CronController{
		DB:        db,
		Processor: processor,
		Engine:    automationEngine,
		Lock:      lock,
		Logger:    logger,
	}
}

// ProcessScheduled runs one bounded batch of due sequence steps and
// time-based automations. Driven by an external cron hitting this
// endpoint; batch caps keep one invocation inside request timeouts,
// with the backlog draining across subsequent calls.
func (cc *CronController) ProcessScheduled(c *fiber.Ctx) error {
	ctx := c.Context()

	acquired, err := cc.Lock.Acquire(ctx, cronLockKey, 10*time.Minute)
	if err != nil {
		// A broken lock backend should not stall outreach entirely
		cc.Logger.WithError(err).Warn("cron lock unavailable, proceeding without it")
		acquired = true
	} else if !acquired {
		return c.JSON(fiber.Map{
			"success": true,
			"skipped": true,
			"reason":  "previous invocation still running",
		})
	} else {
		defer func() {
			if err := cc.Lock.Release(ctx, cronLockKey); err != nil {
				cc.Logger.WithError(err).Warn("failed to release cron lock")
			}
		}()
	}

	sequences, err := cc.Processor.ProcessSequences(ctx, config.AppConfig.SequenceBatchSize)
	if err != nil {
		utils.LogError("cron_sequences_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to process sequences",
		})
	}

	automations, err := cc.Engine.ProcessTimeTriggers(ctx, config.AppConfig.AutomationBatchSize)
	if err != nil {
		utils.LogError("cron_automations_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to process time triggers",
			// Sequence work already happened; report it so the
			// scheduler's logs stay truthful
			"sequences": sequences,
		})
	}

	utils.LogEvent("cron_batch_completed", map[string]interface{}{
		"sequences_processed":   sequences.Processed,
		"sequences_sent":        sequences.Sent,
		"sequences_completed":   sequences.Completed,
		"sequences_errors":      sequences.Errors,
		"automations_processed": automations.Processed,
		"automations_matched":   automations.Matched,
		"automations_errors":    automations.Errors,
	})

	return c.JSON(fiber.Map{
		"success":     true,
		"sequences":   sequences,
		"automations": automations,
	})
}
