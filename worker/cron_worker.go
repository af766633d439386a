package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"relaycrm/engine"
)

// CronWorker is the in-process fallback scheduler for deployments that
// have no external cron hitting the batch endpoints. It drives the same
// batch functions on a fixed interval.
type CronWorker struct {
	Processor *engine.SequenceProcessor
	Engine    *engine.AutomationEngine
	Logger    *logrus.Logger

	Interval            time.Duration
	SequenceBatchSize   int
	AutomationBatchSize int
}

func NewCronWorker(processor *engine.SequenceProcessor, automationEngine *engine.AutomationEngine, logger *logrus.Logger, interval time.Duration, sequenceBatch, automationBatch int) *CronWorker {
	return &CronWorker{
		Processor:           processor,
		Engine:              automationEngine,
		Logger:              logger,
		Interval:            interval,
		SequenceBatchSize:   sequenceBatch,
		AutomationBatchSize: automationBatch,
	}
}

func (cw *CronWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	cw.Logger.WithField("interval", cw.Interval.String()).Info("Cron worker started")

	ticker := time.NewTicker(cw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.Logger.Info("Cron worker shutting down...")
			return
		case <-ticker.C:
			cw.runBatch(ctx)
		}
	}
}

func (cw *CronWorker) runBatch(ctx context.Context) {
	sequences, err := cw.Processor.ProcessSequences(ctx, cw.SequenceBatchSize)
	if err != nil {
		cw.Logger.WithError(err).Error("sequence batch failed")
	}

	automations, err := cw.Engine.ProcessTimeTriggers(ctx, cw.AutomationBatchSize)
	if err != nil {
		cw.Logger.WithError(err).Error("time trigger batch failed")
	}

	if sequences.Processed > 0 || automations.Processed > 0 {
		cw.Logger.WithFields(logrus.Fields{
			"sequences_processed":   sequences.Processed,
			"sequences_sent":        sequences.Sent,
			"sequences_completed":   sequences.Completed,
			"sequences_errors":      sequences.Errors,
			"automations_processed": automations.Processed,
			"automations_matched":   automations.Matched,
			"automations_errors":    automations.Errors,
		}).Info("cron batch completed")
	}
}
