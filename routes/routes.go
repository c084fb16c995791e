package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	"salesdash/config"
	controller "salesdash/controllers"
	"salesdash/middleware"
	"salesdash/utils"
	"salesdash/worker"
)

// SetupRoutes wires the sequence engine's HTTP surface: the user-facing
// lifecycle endpoints under /api/v1 and the cron-triggered queue processor
// under /internal.
func SetupRoutes(app *fiber.App, db *gorm.DB, cfg *config.Config, engine *worker.Engine, processor *worker.Processor, enc *utils.Encryptor) {
	sequenceController := controller.NewSequenceController(engine, processor, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	senderController := controller.NewSenderController(db, enc, log.New(os.Stdout, "SENDER: ", log.LstdFlags))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(db, cfg.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence lifecycle
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.StartSequence)
	sequences.Get("/", sequenceController.ListActiveSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Post("/:id/pause", sequenceController.PauseSequence)
	sequences.Post("/:id/resume", sequenceController.ResumeSequence)
	sequences.Post("/:id/cancel", sequenceController.CancelSequence)
	sequences.Delete("/:id", sequenceController.DeleteSequence)

	// Sender credentials and stats
	senders := api.Group("/senders")
	senders.Post("/", senderController.ConnectSender)
	senders.Get("/", senderController.ListSenders)
	senders.Get("/:id", senderController.GetSender)
	senders.Get("/:id/sent-count", sequenceController.GetSentCount)

	// Internal trigger: an external cron invokes one queue pass. No user
	// auth here; the shared secret gates it.
	internal := app.Group("/internal", middleware.CronProtected(cfg.CronSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	internal.Post("/sequences/process", sequenceController.ProcessQueue)
}
