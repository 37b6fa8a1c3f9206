package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/bonebuddy/services/auth/internal/models"
)

var (
	ErrRefreshInvalid = errors.New("refresh token unknown or expired")
	ErrRefreshReused  = errors.New("refresh token already used")
)

func (r *GormRepo) StoreRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	return r.DB.WithContext(ctx).Create(t).Error
}

// RotateRefreshToken revokes the token identified by oldJTI and stores next
// in one transaction. oldHash must match what was stored at issue time.
func (r *GormRepo) RotateRefreshToken(ctx context.Context, oldJTI, oldHash string, now time.Time, next *models.RefreshToken) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old models.RefreshToken
		if err := tx.Where("jti = ?", oldJTI).First(&old).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRefreshInvalid
			}
			return err
		}
		if old.TokenHash != oldHash || old.UserID != next.UserID {
			return ErrRefreshInvalid
		}
		if old.Revoked {
			return ErrRefreshReused
		}
		if !old.ExpiresAt.After(now) {
			return ErrRefreshInvalid
		}

		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked = ?", old.ID, false).
			Update("revoked", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRefreshReused
		}

		return tx.Create(next).Error
	})
}

func (r *GormRepo) RevokeRefreshToken(ctx context.Context, userID, tokenHash string) error {
	return r.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND token_hash = ?", userID, tokenHash).
		Update("revoked", true).Error
}

// RevokeAllForUser ends every session of the user.
func (r *GormRepo) RevokeAllForUser(ctx context.Context, userID string) error {
	return r.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Update("revoked", true).Error
}
