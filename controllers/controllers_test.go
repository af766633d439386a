package controller

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"relaycrm/config"
	"relaycrm/engine"
	"relaycrm/middleware"
	"relaycrm/models"
	"relaycrm/utils"
)

var testDBCounter int64

type testEnv struct {
	app    *fiber.App
	db     *gorm.DB
	mailer *capturingMailer
}

type capturingMailer struct {
	sent []utils.Email
}

func (m *capturingMailer) Send(email utils.Email) (string, error) {
	m.sent = append(m.sent, email)
	return fmt.Sprintf("<msg-%d@test>", len(m.sent)), nil
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	config.AppConfig.CronSecret = "cron-test-secret"
	config.AppConfig.EncryptionKey = "encryption-test-key"
	config.AppConfig.JWTSecret = "jwt-test-secret"
	config.AppConfig.SequenceBatchSize = 100
	config.AppConfig.AutomationBatchSize = 200

	n := atomic.AddInt64(&testDBCounter, 1)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:ctrltest%d?mode=memory&cache=shared", n)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Project{},
		&models.Person{},
		&models.Organization{},
		&models.Opportunity{},
		&models.RFP{},
		&models.Task{},
		&models.EntityTag{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.SequenceActivity{},
		&models.Automation{},
		&models.AutomationExecution{},
	))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mailer := &capturingMailer{}
	actions := engine.NewActionExecutor(db, mailer, logger)
	automationEngine := engine.NewAutomationEngine(db, actions, logger)
	bus := engine.NewInProcessBus(automationEngine, logger)
	processor := engine.NewSequenceProcessor(db, mailer, bus, logger, "", config.AppConfig.EncryptionKey)

	cronController := NewCronController(db, processor, automationEngine, engine.NoopLock{}, logger)
	automationController := NewAutomationController(db, automationEngine, logger)
	trackingController := NewTrackingController(db, bus, logger)

	app := fiber.New()
	cron := app.Group("/cron", middleware.CronProtected())
	cron.Post("/process-sequences", cronController.ProcessScheduled)

	app.Get("/track/open/:messageID/:token", trackingController.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", trackingController.HandleClickTracking)
	app.Post("/webhooks/email", trackingController.HandleEmailWebhook)

	api := app.Group("/api/v1", middleware.Protected())
	automations := api.Group("/projects/:slug/automations")
	automations.Post("/:id/test", automationController.TestAutomation)
	automations.Get("/:id/executions", automationController.ListExecutions)

	return &testEnv{app: app, db: db, mailer: mailer}
}

func seedTestProject(t *testing.T, db *gorm.DB) models.Project {
	t.Helper()
	project := models.Project{Slug: "acme", Name: "Acme", Timezone: "UTC", IsActive: true}
	require.NoError(t, db.Create(&project).Error)
	return project
}
