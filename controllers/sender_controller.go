package controller

import (
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"salesdash/models"
	"salesdash/utils"
)

type SenderController struct {
	DB        *gorm.DB
	Encryptor *utils.Encryptor
	Logger    *log.Logger
}

func NewSenderController(db *gorm.DB, enc *utils.Encryptor, logger *log.Logger) *SenderController {
	return &SenderController{
		DB:        db,
		Encryptor: enc,
		Logger:    logger,
	}
}

type connectSenderRequest struct {
	Name      string `json:"name" validate:"required"`
	FromEmail string `json:"from_email" validate:"required,email"`
	FromName  string `json:"from_name" validate:"required"`

	OAuthProvider     string    `json:"oauth_provider" validate:"required,oneof=google microsoft"`
	OAuthToken        string    `json:"oauth_token" validate:"required"`
	OAuthRefreshToken string    `json:"oauth_refresh_token" validate:"required"`
	OAuthExpiry       time.Time `json:"oauth_expiry"`
}

// ConnectSender stores a sending identity with its delegated OAuth token
// pair. The dashboard completes the consent flow; this endpoint only
// persists the resulting grant, encrypted at rest.
func (sc *SenderController) ConnectSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req connectSenderRequest
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

	encryptedToken, err := sc.Encryptor.Encrypt(req.OAuthToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt OAuth token",
		})
	}
	encryptedRefresh, err := sc.Encryptor.Encrypt(req.OAuthRefreshToken)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt OAuth refresh token",
		})
	}

	sender := models.Sender{
		UserID:            user.ID,
		Name:              req.Name,
		FromEmail:         req.FromEmail,
		FromName:          req.FromName,
		OAuthProvider:     req.OAuthProvider,
		OAuthToken:        encryptedToken,
		OAuthRefreshToken: encryptedRefresh,
		OAuthExpiry:       req.OAuthExpiry,
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		sc.Logger.Printf("Failed to create sender: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sender",
		})
	}

	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(sender)
}

// GetSender returns one of the caller's senders with credential material
// stripped.
func (sc *SenderController) GetSender(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	senderID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sender ID",
		})
	}

	var sender models.Sender
	if err := sc.DB.Where("id = ? AND user_id = ?", senderID, user.ID).First(&sender).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sender not found",
		})
	}

	sender.Sanitize()
	return c.JSON(sender)
}

// ListSenders returns the caller's senders, sanitized.
func (sc *SenderController) ListSenders(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var senders []models.Sender
	if err := sc.DB.Where("user_id = ?", user.ID).Find(&senders).Error; err != nil {
		sc.Logger.Printf("Failed to list senders: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list senders",
		})
	}

	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(fiber.Map{
		"senders": senders,
		"count":   len(senders),
	})
}
