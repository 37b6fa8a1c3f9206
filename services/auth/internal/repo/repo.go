package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Skotchmaster/bonebuddy/services/auth/internal/models"
)

type GormRepo struct {
	DB *gorm.DB
}

// FindOrCreateUser returns the user with phone, creating it with role when
// missing. created reports whether this call inserted the row.
func (r *GormRepo) FindOrCreateUser(ctx context.Context, phone, role string) (*models.User, bool, error) {
	var user models.User
	err := r.DB.WithContext(ctx).Where("phone = ?", phone).First(&user).Error
	if err == nil {
		return &user, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	user = models.User{Phone: phone, Role: role}
	if err := r.DB.WithContext(ctx).Create(&user).Error; err != nil {
		// A concurrent login may have inserted the same phone.
		var existing models.User
		if e := r.DB.WithContext(ctx).Where("phone = ?", phone).First(&existing).Error; e == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	return &user, true, nil
}

func (r *GormRepo) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *GormRepo) CreateChallenge(ctx context.Context, c *models.OTPChallenge) error {
	return r.DB.WithContext(ctx).Create(c).Error
}

// LatestChallenge returns nil, nil when the phone never requested a code.
func (r *GormRepo) LatestChallenge(ctx context.Context, phone string) (*models.OTPChallenge, error) {
	var c models.OTPChallenge
	err := r.DB.WithContext(ctx).
		Where("phone = ?", phone).
		Order("created_at DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RegisterAttempt counts one verification attempt. It reports false when the
// challenge is used up or already consumed.
func (r *GormRepo) RegisterAttempt(ctx context.Context, id string, maxAttempts int) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.OTPChallenge{}).
		Where("id = ? AND consumed = ? AND attempts < ?", id, false, maxAttempts).
		Update("attempts", gorm.Expr("attempts + 1"))
	return res.RowsAffected > 0, res.Error
}

// ConsumeChallenge marks the challenge used. Only one caller can win.
func (r *GormRepo) ConsumeChallenge(ctx context.Context, id string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.OTPChallenge{}).
		Where("id = ? AND consumed = ?", id, false).
		Update("consumed", true)
	return res.RowsAffected > 0, res.Error
}
