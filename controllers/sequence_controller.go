package controller

import (
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"salesdash/models"
	"salesdash/utils"
	"salesdash/worker"
)

type SequenceController struct {
	Engine    *worker.Engine
	Processor *worker.Processor
	Logger    *log.Logger
}

func NewSequenceController(engine *worker.Engine, processor *worker.Processor, logger *log.Logger) *SequenceController {
	return &SequenceController{
		Engine:    engine,
		Processor: processor,
		Logger:    logger,
	}
}

type sequenceStepRequest struct {
	DayOffset int    `json:"day_offset" validate:"required,gte=1"`
	Subject   string `json:"subject" validate:"required"`
	Body      string `json:"body" validate:"required"`
}

type startSequenceRequest struct {
	TemplateID     string                `json:"template_id" validate:"required"`
	RecipientID    string                `json:"recipient_id" validate:"required"`
	RecipientEmail string                `json:"recipient_email" validate:"required,email"`
	RecipientName  string                `json:"recipient_name"`
	SenderID       uint                  `json:"sender_id" validate:"required"`
	SenderName     string                `json:"sender_name" validate:"required"`
	Steps          []sequenceStepRequest `json:"steps" validate:"required,min=1,dive"`
}

// StartSequence creates and schedules a new outreach sequence.
func (sc *SequenceController) StartSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req startSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err := utils.ValidateEmailAddress(req.RecipientEmail); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	steps := make([]models.SequenceStep, 0, len(req.Steps))
	for _, s := range req.Steps {
		steps = append(steps, models.SequenceStep{
			DayOffset: s.DayOffset,
			Subject:   s.Subject,
			Body:      s.Body,
		})
	}

	seq, err := sc.Engine.Start(c.Context(), worker.StartSequenceInput{
		UserID:         user.ID,
		TemplateID:     req.TemplateID,
		RecipientID:    req.RecipientID,
		RecipientEmail: req.RecipientEmail,
		RecipientName:  req.RecipientName,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Steps:          steps,
	})
	if err != nil {
		sc.Logger.Printf("Failed to start sequence: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(seq)
}

// GetSequence returns one sequence owned by the caller.
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	seq, err := sc.loadOwned(c)
	if err != nil {
		return sc.respondError(c, err)
	}
	return c.JSON(seq)
}

// PauseSequence takes an active sequence off the schedule.
func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	if _, err := sc.loadOwned(c); err != nil {
		return sc.respondError(c, err)
	}
	seq, err := sc.Engine.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return sc.respondError(c, err)
	}
	return c.JSON(seq)
}

// ResumeSequence puts a paused sequence back on the schedule promptly.
func (sc *SequenceController) ResumeSequence(c *fiber.Ctx) error {
	if _, err := sc.loadOwned(c); err != nil {
		return sc.respondError(c, err)
	}
	seq, err := sc.Engine.Resume(c.Context(), c.Params("id"))
	if err != nil {
		return sc.respondError(c, err)
	}
	return c.JSON(seq)
}

// CancelSequence terminates a sequence permanently.
func (sc *SequenceController) CancelSequence(c *fiber.Ctx) error {
	if _, err := sc.loadOwned(c); err != nil {
		return sc.respondError(c, err)
	}
	seq, err := sc.Engine.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return sc.respondError(c, err)
	}
	return c.JSON(seq)
}

// DeleteSequence hard-removes a sequence and all its index entries.
func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	if _, err := sc.loadOwned(c); err != nil {
		var notFound *worker.NotFoundError
		if errors.As(err, &notFound) {
			// Deleting an already-deleted ID is a no-op.
			return c.SendStatus(fiber.StatusNoContent)
		}
		return sc.respondError(c, err)
	}
	if err := sc.Engine.Delete(c.Context(), c.Params("id")); err != nil {
		return sc.respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListActiveSequences returns the active sequences for a sender.
func (sc *SequenceController) ListActiveSequences(c *fiber.Ctx) error {
	senderID, err := strconv.ParseUint(c.Query("sender_id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sender_id query parameter is required",
		})
	}

	sequences, err := sc.Engine.ListActive(c.Context(), uint(senderID))
	if err != nil {
		return sc.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"sequences": sequences,
		"count":     len(sequences),
	})
}

// GetSentCount returns the sender's delivered-email counter.
func (sc *SequenceController) GetSentCount(c *fiber.Ctx) error {
	senderID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sender ID",
		})
	}

	count, err := sc.Engine.SentCount(c.Context(), uint(senderID))
	if err != nil {
		return sc.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"sender_id":  senderID,
		"sent_count": count,
	})
}

// ProcessQueue is the cron-triggered entry point: one pass over everything
// currently due.
func (sc *SequenceController) ProcessQueue(c *fiber.Ctx) error {
	result, err := sc.Processor.ProcessOnce(c.Context())
	if err != nil {
		sc.Logger.Printf("Queue cycle failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process queue",
		})
	}
	return c.JSON(result)
}

// loadOwned fetches the sequence from the path ID and enforces that it
// belongs to the authenticated user.
func (sc *SequenceController) loadOwned(c *fiber.Ctx) (*models.Sequence, error) {
	user := c.Locals("user").(*models.User)
	seq, err := sc.Engine.Get(c.Context(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if seq.UserID != user.ID {
		// Hide other users' sequences rather than confirming they exist.
		return nil, &worker.NotFoundError{SequenceID: seq.ID}
	}
	return seq, nil
}

func (sc *SequenceController) respondError(c *fiber.Ctx, err error) error {
	var invalidState *worker.InvalidStateError
	var notFound *worker.NotFoundError

	switch {
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	case errors.As(err, &invalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": invalidState.Error(),
		})
	default:
		sc.Logger.Printf("Sequence operation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}
