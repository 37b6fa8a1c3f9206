package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/bonebuddy/services/payment/internal/models"
)

type GormRepo struct {
	DB *gorm.DB
}

func (r *GormRepo) CreatePayment(ctx context.Context, p *models.Payment) error {
	return r.DB.WithContext(ctx).Create(p).Error
}

func (r *GormRepo) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *GormRepo) GetPaymentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.DB.WithContext(ctx).Where("gateway_order_id = ?", gatewayOrderID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *GormRepo) ListPayments(ctx context.Context, userID string, limit, offset int) ([]models.Payment, int64, error) {
	owned := func() *gorm.DB {
		return r.DB.WithContext(ctx).Model(&models.Payment{}).Where("user_id = ?", userID)
	}

	var total int64
	if err := owned().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payments []models.Payment
	if err := owned().Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// AttachGatewayOrder stores the gateway order id on a pending payment that
// has none yet. It reports false when another request got there first.
func (r *GormRepo) AttachGatewayOrder(ctx context.Context, id, gatewayOrderID string, event *models.OutboxMessage) (bool, error) {
	var attached bool
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ? AND gateway_order_id = ?", id, models.StatusPending, "").
			Updates(map[string]any{
				"gateway_order_id": gatewayOrderID,
				"updated_at":       time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		attached = true
		if event != nil {
			return tx.Create(event).Error
		}
		return nil
	})
	return attached, err
}

// Transition applies updates only while the payment is in one of the from
// states and writes event in the same transaction. It reports whether this
// call moved the record.
func (r *GormRepo) Transition(ctx context.Context, id string, from []models.PaymentStatus, updates map[string]any, event *models.OutboxMessage) (bool, error) {
	var moved bool
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, ok := updates["updated_at"]; !ok {
			updates["updated_at"] = time.Now().UTC()
		}
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true
		if event != nil {
			return tx.Create(event).Error
		}
		return nil
	})
	return moved, err
}

// SettleRefund records the gateway refund on a refunded payment that has no
// refund id yet.
func (r *GormRepo) SettleRefund(ctx context.Context, id, gatewayRefundID string, amount int64, event *models.OutboxMessage) (bool, error) {
	var settled bool
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status = ? AND gateway_refund_id = ?", id, models.StatusRefunded, "").
			Updates(map[string]any{
				"gateway_refund_id": gatewayRefundID,
				"refunded_amount":   amount,
				"updated_at":        time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		settled = true
		if event != nil {
			return tx.Create(event).Error
		}
		return nil
	})
	return settled, err
}

// ReleaseRefund puts a refunded payment back to completed when its refund
// did not go through. gatewayRefundID may be empty for a refund the gateway
// never confirmed.
func (r *GormRepo) ReleaseRefund(ctx context.Context, id, gatewayRefundID string) (bool, error) {
	q := r.DB.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.StatusRefunded)
	if gatewayRefundID == "" {
		q = q.Where("gateway_refund_id = ?", "")
	} else {
		q = q.Where("gateway_refund_id IN ?", []string{"", gatewayRefundID})
	}
	res := q.Updates(map[string]any{
		"status":            models.StatusCompleted,
		"refunded_amount":   0,
		"refunded_at":       nil,
		"gateway_refund_id": "",
		"updated_at":        time.Now().UTC(),
	})
	return res.RowsAffected > 0, res.Error
}
