package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents a sending identity with delegated OAuth credentials.
// Token fields are encrypted in the application layer before they hit the row.
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= OAuth Configuration =========
	OAuthProvider     string    `gorm:"column:oauth_provider;not null" json:"oauth_provider"` // google, microsoft
	OAuthToken        string    `gorm:"column:oauth_token" json:"-"`                          // Encrypted
	OAuthRefreshToken string    `gorm:"column:oauth_refresh_token" json:"-"`                  // Encrypted
	OAuthExpiry       time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Status =========
	ReauthRequired bool    `gorm:"default:false" json:"reauth_required"`
	LastError      *string `json:"last_error"`

	// ========= Usage Metrics =========
	DailyLimit int `gorm:"default:500" json:"daily_limit"`
	SentToday  int `gorm:"default:0" json:"sent_today"`
	TotalSent  int `gorm:"default:0" json:"total_sent"`
}

// Sanitize blanks credential material before the sender is serialized out.
func (s *Sender) Sanitize() {
	s.OAuthToken = ""
	s.OAuthRefreshToken = ""
}
