package main

import (
	"context"
	"log"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"relaycrm/config"
	"relaycrm/engine"
	"relaycrm/middleware"
	"relaycrm/routes"
	"relaycrm/utils"
	"relaycrm/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			log.Fatalf("Failed to initialize Sentry: %v", err)
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Wire the processing core: actions feed the engine, the engine
	// listens on the bus, and the bus is handed to every emitter
	mailer := utils.NewSMTPMailer(
		config.AppConfig.SMTP.Host,
		config.AppConfig.SMTP.Port,
		config.AppConfig.SMTP.Username,
		config.AppConfig.SMTP.Password,
		config.AppConfig.SMTP.FromEmail,
	)
	actions := engine.NewActionExecutor(config.DB, mailer, logger)
	automationEngine := engine.NewAutomationEngine(config.DB, actions, logger)
	bus := engine.NewInProcessBus(automationEngine, logger)
	processor := engine.NewSequenceProcessor(
		config.DB, mailer, bus, logger,
		config.AppConfig.BaseURL,
		config.AppConfig.EncryptionKey,
	)

	var lock engine.BatchLock = engine.NoopLock{}
	if config.AppConfig.Redis.Enabled {
		lock = engine.NewRedisLock(redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		}))
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, routes.Deps{
		DB:        config.DB,
		Processor: processor,
		Engine:    automationEngine,
		Bus:       bus,
		Lock:      lock,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.AppConfig.CronWorkerEnabled {
		cronWorker := worker.NewCronWorker(
			processor, automationEngine, logger,
			config.AppConfig.CronWorkerInterval,
			config.AppConfig.SequenceBatchSize,
			config.AppConfig.AutomationBatchSize,
		)
		go cronWorker.Start(ctx)
	}

	if config.AppConfig.IMAP.Enabled {
		replyWorker := worker.NewReplyWorker(config.DB, bus, logger, config.AppConfig.IMAP)
		go replyWorker.Start(ctx)
	}

	// Start server
	logger.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
