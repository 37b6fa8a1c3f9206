package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusRefunded  PaymentStatus = "refunded"
)

// Payment is an append-only financial record; nothing deletes it.
// Amounts are in the currency's minor unit.
type Payment struct {
	ID               string        `gorm:"primaryKey;type:varchar(36)"   json:"id"`
	UserID           string        `gorm:"index;not null"                json:"user_id"`
	Amount           int64         `gorm:"not null;check:amount > 0"     json:"amount"`
	RefundedAmount   int64         `gorm:"not null;default:0"            json:"refunded_amount"`
	Currency         string        `gorm:"size:3;not null"               json:"currency"`
	Description      string        `gorm:"size:255"                      json:"description"`
	PaymentType      string        `gorm:"size:64;index;not null"        json:"payment_type"`
	Status           PaymentStatus `gorm:"size:16;index;not null"        json:"status"`
	GatewayOrderID   string        `gorm:"size:64;index"                 json:"gateway_order_id,omitempty"`
	GatewayPaymentID string        `gorm:"size:64;index"                 json:"gateway_payment_id,omitempty"`
	GatewayRefundID  string        `gorm:"size:64"                       json:"gateway_refund_id,omitempty"`
	Signature        string        `gorm:"size:128"                      json:"-"`
	FailureReason    string        `gorm:"size:255"                      json:"failure_reason,omitempty"`
	PaidAt           *time.Time    `                                     json:"paid_at,omitempty"`
	RefundedAt       *time.Time    `                                     json:"refunded_at,omitempty"`
	CreatedAt        time.Time     `                                     json:"created_at"`
	UpdatedAt        time.Time     `                                     json:"updated_at"`
}

// RefundPending reports a refund that was sent to the gateway but never
// confirmed. The record stays refunded until a refund webhook settles it.
func (p *Payment) RefundPending() bool {
	return p.Status == StatusRefunded && p.GatewayRefundID == ""
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxMessage is written in the same transaction as the payment change it
// describes and relayed to Kafka later.
type OutboxMessage struct {
	ID          string       `gorm:"primaryKey;type:varchar(36)"`
	AggregateID string       `gorm:"size:36;index;not null"`
	EventType   string       `gorm:"size:64;not null"`
	Topic       string       `gorm:"size:128;not null"`
	Key         string       `gorm:"size:128"`
	Payload     []byte       `gorm:"not null"`
	Status      OutboxStatus `gorm:"size:16;index;not null"`
	Attempts    int          `gorm:"not null;default:0"`
	LastError   string       `gorm:"size:512"`
	CreatedAt   time.Time    `gorm:"index"`
	SentAt      *time.Time
}

func (m *OutboxMessage) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = OutboxPending
	}
	return nil
}

const (
	EventOrderCreated       = "payment.order_created"
	EventCompleted          = "payment.completed"
	EventVerificationFailed = "payment.verification_failed"
	EventRefunded           = "payment.refunded"
)

// PaymentEvent is the JSON payload of every payment outbox message.
type PaymentEvent struct {
	EventID          string        `json:"event_id"`
	Type             string        `json:"type"`
	PaymentID        string        `json:"payment_id"`
	UserID           string        `json:"user_id"`
	Amount           int64         `json:"amount"`
	RefundedAmount   int64         `json:"refunded_amount,omitempty"`
	Currency         string        `json:"currency"`
	PaymentType      string        `json:"payment_type"`
	Status           PaymentStatus `json:"status"`
	GatewayOrderID   string        `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	OccurredAt       time.Time     `json:"occurred_at"`
}

func AllModels() []any {
	return []any{&Payment{}, &OutboxMessage{}}
}
