package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"salesdash/models"
)

// ErrSenderNotFound is returned when a sender ID has no row.
var ErrSenderNotFound = errors.New("sender not found")

// SenderStore is the credential store: it owns the Sender rows that carry the
// encrypted OAuth token pair and the per-sender usage columns.
type SenderStore struct {
	db *gorm.DB
}

func NewSenderStore(db *gorm.DB) *SenderStore {
	return &SenderStore{db: db}
}

// Get loads one sender row.
func (s *SenderStore) Get(ctx context.Context, senderID uint) (*models.Sender, error) {
	var sender models.Sender
	if err := s.db.WithContext(ctx).First(&sender, senderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSenderNotFound
		}
		return nil, err
	}
	return &sender, nil
}

// SaveTokens persists a refreshed credential pair. An empty refresh token
// means the upstream did not rotate it and the stored one stays.
func (s *SenderStore) SaveTokens(ctx context.Context, senderID uint, encryptedAccess string, expiry time.Time, encryptedRefresh string) error {
	updates := map[string]interface{}{
		"oauth_token":     encryptedAccess,
		"oauth_expiry":    expiry,
		"reauth_required": false,
	}
	if encryptedRefresh != "" {
		updates["oauth_refresh_token"] = encryptedRefresh
	}
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(updates).Error
}

// MarkReauthRequired flags the sender so the dashboard can surface the
// re-connect prompt.
func (s *SenderStore) MarkReauthRequired(ctx context.Context, senderID uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"reauth_required": true,
			"last_error":      reason,
		}).Error
}

// IncrementUsage bumps the sender's usage counters after a successful send.
func (s *SenderStore) IncrementUsage(ctx context.Context, senderID uint) error {
	return s.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + ?", 1),
			"total_sent": gorm.Expr("total_sent + ?", 1),
		}).Error
}
