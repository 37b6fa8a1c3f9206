package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/bonebuddy/services/payment/internal/models"
)

func (r *GormRepo) PendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := r.DB.WithContext(ctx).
		Where("status = ?", models.OutboxPending).
		Order("created_at").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *GormRepo) MarkOutboxSent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.DB.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.OutboxSent, "sent_at": &now, "last_error": ""}).Error
}

// MarkOutboxAttemptFailed records a failed publish and gives up on the
// message after maxAttempts.
func (r *GormRepo) MarkOutboxAttemptFailed(ctx context.Context, id, reason string, maxAttempts int) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OutboxMessage{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": reason,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.OutboxMessage{}).
			Where("id = ? AND attempts >= ?", id, maxAttempts).
			Update("status", models.OutboxFailed).Error
	})
}
