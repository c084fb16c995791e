package main

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"

	"salesdash/config"
	"salesdash/middleware"
	"salesdash/routes"
	"salesdash/store"
	"salesdash/utils"
	"salesdash/worker"
)

func main() {
	logger := log.New(os.Stdout, "SALESDASH: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	db, err := config.ConnectDB(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Initialize Redis connection
	redisClient, err := store.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}

	encryptor, err := utils.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		logger.Fatalf("Failed to initialize encryption: %v", err)
	}

	// Storage layers
	sequences := store.NewSequenceStore(redisClient)
	schedule := store.NewDueTimeIndex(redisClient)
	counters := store.NewSentCounter(redisClient)
	locks := store.NewSequenceLocker(redisClient, 2*time.Minute)
	senders := store.NewSenderStore(db)

	// Sending pipeline
	credentials := utils.NewCredentialProvider(senders, encryptor, cfg)
	mailer := utils.NewGmailMailer(log.New(os.Stdout, "MAILER: ", log.LstdFlags))
	alerts := utils.NewAlertMailer(cfg.AlertSMTP, cfg.AlertEmail, log.New(os.Stdout, "ALERT: ", log.LstdFlags))

	// Engine and queue processor. The processor has no timer of its own; an
	// external cron hits /internal/sequences/process on a fixed cadence.
	engine := worker.NewEngine(sequences, schedule, counters, cfg.SendHourUTC, log.New(os.Stdout, "ENGINE: ", log.LstdFlags))
	processor := worker.NewProcessor(
		sequences, schedule, counters, locks,
		senders, credentials, mailer,
		worker.ManualResume{}, alerts,
		cfg.SendHourUTC,
		log.New(os.Stdout, "QUEUE: ", log.LstdFlags),
	)

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Setup routes
	routes.SetupRoutes(app, db, cfg, engine, processor, encryptor)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
