package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	"github.com/Skotchmaster/bonebuddy/pkg/tokens"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/gateway"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/models"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/repo"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/signature"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/transport"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/util"
)

const (
	MaxAmount         = 100_000_000
	maxDescriptionLen = 255
	maxTypeLen        = 64
)

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

type PaymentService struct {
	Repo    *repo.GormRepo
	Gateway gateway.Gateway
	// KeySecret signs checkout confirmations.
	KeySecret []byte
	// WebhookSecret signs webhook bodies. Webhooks are refused when empty.
	WebhookSecret []byte
	// Prices fixes the charge for known payment types.
	Prices          map[string]int64
	DefaultCurrency string
	Topic           string
	Now             func() time.Time
}

func (svc *PaymentService) now() time.Time {
	if svc.Now != nil {
		return svc.Now().UTC()
	}
	return time.Now().UTC()
}

func (svc *PaymentService) CreateOrder(ctx context.Context, userID string, req transport.CreateOrderRequest) (*transport.OrderResponse, error) {
	l := logging.FromContext(ctx).With("svc", "payment.create_order", "user_id", userID)

	if req.PaymentRecordID != "" {
		p, err := svc.ownedPayment(ctx, userID, req.PaymentRecordID)
		if err != nil {
			return nil, err
		}
		if p.Status != models.StatusPending {
			return nil, fmt.Errorf("%w: payment is %s", ErrInvalidState, p.Status)
		}
		if p.GatewayOrderID != "" {
			l.Info("create_order_reused", "payment_id", p.ID)
			return svc.orderResponse(p), nil
		}
		return svc.attachOrder(ctx, l, p)
	}

	amount, err := svc.resolveAmount(req.PaymentType, req.Amount)
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = svc.DefaultCurrency
	}
	if !currencyRe.MatchString(currency) {
		return nil, fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrValidation)
	}
	desc := strings.TrimSpace(req.Description)
	if len(desc) > maxDescriptionLen {
		return nil, fmt.Errorf("%w: description too long", ErrValidation)
	}

	p := &models.Payment{
		UserID:      userID,
		Amount:      amount,
		Currency:    currency,
		Description: desc,
		PaymentType: strings.TrimSpace(req.PaymentType),
		Status:      models.StatusPending,
	}
	if err := svc.Repo.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	l.Info("payment_created", "payment_id", p.ID, "amount", p.Amount, "currency", p.Currency)

	return svc.attachOrder(ctx, l, p)
}

func (svc *PaymentService) resolveAmount(paymentType string, amount int64) (int64, error) {
	paymentType = strings.TrimSpace(paymentType)
	if paymentType == "" || len(paymentType) > maxTypeLen {
		return 0, fmt.Errorf("%w: payment_type required", ErrValidation)
	}
	if price, ok := svc.Prices[paymentType]; ok {
		if amount != 0 && amount != price {
			return 0, fmt.Errorf("%w: amount does not match the price of %s", ErrValidation, paymentType)
		}
		return price, nil
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be a positive integer in minor units", ErrValidation)
	}
	if amount > MaxAmount {
		return 0, fmt.Errorf("%w: amount exceeds limit", ErrValidation)
	}
	return amount, nil
}

// attachOrder creates the gateway order for a pending payment. On gateway
// failure the payment stays pending and its id is returned in OrderError.
func (svc *PaymentService) attachOrder(ctx context.Context, l *slog.Logger, p *models.Payment) (*transport.OrderResponse, error) {
	order, err := svc.Gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		Receipt:  p.ID,
		Notes: map[string]string{
			"payment_type": p.PaymentType,
			"user_id":      p.UserID,
		},
	})
	if err != nil {
		sentinel := ErrGatewayUnavailable
		if errors.Is(err, gateway.ErrRejected) {
			sentinel = ErrGatewayRejected
		}
		l.Warn("gateway_order_failed", "payment_id", p.ID, "error", err)
		return nil, &OrderError{PaymentRecordID: p.ID, Err: wrapGateway(sentinel, err)}
	}
	if order.Amount != 0 && order.Amount != p.Amount {
		l.Error("gateway_order_amount_mismatch", "payment_id", p.ID, "want", p.Amount, "got", order.Amount)
		return nil, &OrderError{PaymentRecordID: p.ID, Err: fmt.Errorf("%w: order amount mismatch", ErrGatewayRejected)}
	}

	p.GatewayOrderID = order.ID
	event, err := svc.event(p, models.EventOrderCreated, "")
	if err != nil {
		return nil, err
	}
	attached, err := svc.Repo.AttachGatewayOrder(ctx, p.ID, order.ID, event)
	if err != nil {
		return nil, err
	}
	if !attached {
		// A concurrent retry attached its own order first; hand that one out.
		current, err := svc.Repo.GetPayment(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.StatusPending || current.GatewayOrderID == "" {
			return nil, fmt.Errorf("%w: payment is %s", ErrInvalidState, current.Status)
		}
		l.Info("gateway_order_superseded", "payment_id", p.ID, "dropped_order", order.ID)
		return svc.orderResponse(current), nil
	}

	l.Info("gateway_order_created", "payment_id", p.ID, "gateway_order_id", order.ID)
	return svc.orderResponse(p), nil
}

func (svc *PaymentService) orderResponse(p *models.Payment) *transport.OrderResponse {
	return &transport.OrderResponse{
		GatewayOrderID:  p.GatewayOrderID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		PaymentRecordID: p.ID,
		PublicKey:       svc.Gateway.PublicKey(),
	}
}

// VerifyPayment completes a payment once the checkout signature checks out.
// Repeating a successful verification returns the record unchanged.
func (svc *PaymentService) VerifyPayment(ctx context.Context, userID string, req transport.VerifyRequest) (*models.Payment, error) {
	l := logging.FromContext(ctx).With("svc", "payment.verify", "user_id", userID, "payment_id", req.PaymentRecordID)

	if req.PaymentRecordID == "" || req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		return nil, fmt.Errorf("%w: payment_record_id, gateway_order_id, gateway_payment_id and signature are required", ErrValidation)
	}

	p, err := svc.ownedPayment(ctx, userID, req.PaymentRecordID)
	if err != nil {
		return nil, err
	}
	if p.GatewayOrderID == "" || p.GatewayOrderID != req.GatewayOrderID {
		l.Warn("verify_order_mismatch", "audit", true, "gateway_order_id", req.GatewayOrderID)
		return nil, fmt.Errorf("%w: order does not belong to this payment", ErrValidation)
	}

	valid := signature.Verify(svc.KeySecret, p.GatewayOrderID, req.GatewayPaymentID, req.Signature)

	switch p.Status {
	case models.StatusCompleted, models.StatusRefunded:
		if valid && p.GatewayPaymentID == req.GatewayPaymentID {
			l.Info("verify_noop", "status", p.Status)
			return p, nil
		}
		return nil, fmt.Errorf("%w: payment already %s", ErrConflict, p.Status)
	}

	if !valid {
		l.Warn("payment_signature_mismatch",
			"audit", true,
			"gateway_order_id", req.GatewayOrderID,
			"gateway_payment_id", req.GatewayPaymentID,
			"amount", p.Amount,
		)
		failed := *p
		failed.Status = models.StatusFailed
		event, err := svc.event(&failed, models.EventVerificationFailed, "signature mismatch")
		if err != nil {
			return nil, err
		}
		if _, err := svc.Repo.Transition(ctx, p.ID, []models.PaymentStatus{models.StatusPending}, map[string]any{
			"status":         models.StatusFailed,
			"failure_reason": "signature mismatch",
		}, event); err != nil {
			return nil, err
		}
		return nil, ErrSignatureMismatch
	}

	return svc.complete(ctx, l, p, req.GatewayPaymentID, req.Signature)
}

func (svc *PaymentService) complete(ctx context.Context, l *slog.Logger, p *models.Payment, gatewayPaymentID, sig string) (*models.Payment, error) {
	paidAt := svc.now()
	done := *p
	done.Status = models.StatusCompleted
	done.GatewayPaymentID = gatewayPaymentID
	event, err := svc.event(&done, models.EventCompleted, "")
	if err != nil {
		return nil, err
	}

	moved, err := svc.Repo.Transition(ctx, p.ID, []models.PaymentStatus{models.StatusPending, models.StatusFailed}, map[string]any{
		"status":             models.StatusCompleted,
		"gateway_payment_id": gatewayPaymentID,
		"signature":          sig,
		"paid_at":            &paidAt,
		"failure_reason":     "",
	}, event)
	if err != nil {
		return nil, err
	}

	current, err := svc.Repo.GetPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !moved {
		if current.Status == models.StatusCompleted && current.GatewayPaymentID == gatewayPaymentID {
			l.Info("verify_noop", "reason", "concurrent verification")
			return current, nil
		}
		return nil, fmt.Errorf("%w: payment is %s", ErrConflict, current.Status)
	}

	l.Info("payment_completed", "gateway_payment_id", gatewayPaymentID, "amount", current.Amount)
	return current, nil
}

// Refund is restricted to staff roles. amount nil refunds everything.
func (svc *PaymentService) Refund(ctx context.Context, actorID, actorRole, paymentID string, amount *int64) (*models.Payment, error) {
	l := logging.FromContext(ctx).With("svc", "payment.refund", "actor_id", actorID, "actor_role", actorRole, "payment_id", paymentID)

	if !slices.Contains(tokens.StaffRoles, actorRole) {
		return nil, fmt.Errorf("%w: refunds need a staff role", ErrForbidden)
	}

	p, err := svc.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidState, p.Status)
	}

	refundAmount := p.Amount
	if amount != nil {
		if *amount <= 0 {
			return nil, fmt.Errorf("%w: refund amount must be positive", ErrValidation)
		}
		if *amount > p.Amount {
			return nil, fmt.Errorf("%w: refund amount %d exceeds payment amount %d", ErrValidation, *amount, p.Amount)
		}
		refundAmount = *amount
	}

	// Claim the record first so concurrent refunds cannot both reach the gateway.
	refundedAt := svc.now()
	claimed, err := svc.Repo.Transition(ctx, p.ID, []models.PaymentStatus{models.StatusCompleted}, map[string]any{
		"status":          models.StatusRefunded,
		"refunded_amount": refundAmount,
		"refunded_at":     &refundedAt,
	}, nil)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: payment is no longer completed", ErrInvalidState)
	}

	ref, err := svc.Gateway.Refund(ctx, gateway.RefundRequest{
		PaymentID: p.GatewayPaymentID,
		Amount:    refundAmount,
		Receipt:   p.ID,
		Notes: map[string]string{
			"payment_record_id": p.ID,
			"refunded_by":       actorID,
		},
	})
	// The gateway has been asked; what follows is recorded even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			l.Warn("gateway_refund_rejected", "amount", refundAmount, "error", err)
			if _, rErr := svc.Repo.ReleaseRefund(ctx, p.ID, ""); rErr != nil {
				l.Error("refund_release_failed", "error", rErr)
			}
			return nil, wrapGateway(ErrGatewayRejected, err)
		}
		// The gateway may already have moved the money, so the claim stays
		// until a refund webhook settles or releases it.
		l.Error("refund_pending_reconciliation", "audit", true, "amount", refundAmount, "error", err)
		return svc.Repo.GetPayment(ctx, p.ID)
	}

	amountRefunded := refundAmount
	if ref.Amount > 0 {
		amountRefunded = ref.Amount
	}
	if err := svc.settleRefund(ctx, l, p, ref.ID, amountRefunded); err != nil {
		return nil, err
	}
	l.Info("payment_refunded", "amount", amountRefunded, "gateway_refund_id", ref.ID)
	return svc.Repo.GetPayment(ctx, p.ID)
}

// settleRefund stores the gateway refund id on a claimed refund and records
// the refunded event.
func (svc *PaymentService) settleRefund(ctx context.Context, l *slog.Logger, p *models.Payment, refundID string, amount int64) error {
	done := *p
	done.Status = models.StatusRefunded
	done.RefundedAmount = amount
	event, err := svc.event(&done, models.EventRefunded, "")
	if err != nil {
		return err
	}
	settled, err := svc.Repo.SettleRefund(ctx, p.ID, refundID, amount, event)
	if err != nil {
		return err
	}
	if !settled {
		l.Warn("refund_already_settled", "gateway_refund_id", refundID)
	}
	return nil
}

func (svc *PaymentService) GetPayment(ctx context.Context, userID, role, id string) (*models.Payment, error) {
	if slices.Contains(tokens.StaffRoles, role) {
		return svc.getPayment(ctx, id)
	}
	return svc.ownedPayment(ctx, userID, id)
}

func (svc *PaymentService) ListPayments(ctx context.Context, userID string, page, size int) (*transport.ListResponse, error) {
	offset, limit := util.Calculate(page, size)
	items, total, err := svc.Repo.ListPayments(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.Payment{}
	}
	return &transport.ListResponse{Items: items, Total: total, Page: offset/limit + 1, Size: limit}, nil
}

// HandleWebhook applies gateway webhooks: "payment.captured" completes a
// payment, "refund.processed" and "refund.failed" settle a claimed refund.
// The body must carry a valid signature.
func (svc *PaymentService) HandleWebhook(ctx context.Context, body []byte, sig string) error {
	l := logging.FromContext(ctx).With("svc", "payment.webhook")

	if !signature.VerifyWebhook(svc.WebhookSecret, body, sig) {
		l.Warn("webhook_signature_mismatch", "audit", true)
		return ErrSignatureMismatch
	}

	var hook transport.Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return fmt.Errorf("%w: malformed webhook", ErrValidation)
	}
	switch hook.Event {
	case "payment.captured":
		return svc.paymentCaptured(ctx, l, hook)
	case "refund.processed", "refund.failed":
		return svc.refundUpdated(ctx, l.With("event", hook.Event), hook)
	default:
		l.Debug("webhook_ignored", "event", hook.Event)
		return nil
	}
}

func (svc *PaymentService) paymentCaptured(ctx context.Context, l *slog.Logger, hook transport.Webhook) error {
	entity := hook.Payload.Payment.Entity
	if entity.OrderID == "" || entity.ID == "" {
		return fmt.Errorf("%w: webhook without order or payment id", ErrValidation)
	}

	p, err := svc.Repo.GetPaymentByGatewayOrder(ctx, entity.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.Warn("webhook_unknown_order", "gateway_order_id", entity.OrderID)
			return nil
		}
		return err
	}
	l = l.With("payment_id", p.ID)

	if entity.Amount != p.Amount || !strings.EqualFold(entity.Currency, p.Currency) {
		l.Warn("webhook_amount_mismatch", "audit", true, "want", p.Amount, "got", entity.Amount)
		return fmt.Errorf("%w: captured amount does not match", ErrValidation)
	}

	switch p.Status {
	case models.StatusCompleted, models.StatusRefunded:
		if p.GatewayPaymentID == entity.ID {
			return nil
		}
		l.Warn("webhook_conflict", "audit", true, "gateway_payment_id", entity.ID)
		return nil
	}

	_, err = svc.complete(ctx, l, p, entity.ID, "")
	return err
}

func (svc *PaymentService) refundUpdated(ctx context.Context, l *slog.Logger, hook transport.Webhook) error {
	refund := hook.Payload.Refund.Entity
	if refund.ID == "" {
		return fmt.Errorf("%w: webhook without refund id", ErrValidation)
	}
	// Refunds are created with the payment record id as receipt.
	recordID := refund.Receipt
	p, err := svc.getPayment(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.Warn("webhook_unknown_refund", "gateway_refund_id", refund.ID, "receipt", recordID)
			return nil
		}
		return err
	}
	l = l.With("payment_id", p.ID, "gateway_refund_id", refund.ID)

	if refund.PaymentID != "" && refund.PaymentID != p.GatewayPaymentID {
		l.Warn("webhook_refund_payment_mismatch", "audit", true, "gateway_payment_id", refund.PaymentID)
		return fmt.Errorf("%w: refund belongs to another payment", ErrValidation)
	}
	if p.Status != models.StatusRefunded {
		l.Warn("webhook_refund_unexpected_state", "audit", true, "status", p.Status)
		return nil
	}

	if hook.Event == "refund.failed" {
		released, err := svc.Repo.ReleaseRefund(ctx, p.ID, refund.ID)
		if err != nil {
			return err
		}
		if released {
			l.Warn("refund_failed_released", "audit", true)
		}
		return nil
	}

	switch p.GatewayRefundID {
	case refund.ID:
		return nil
	case "":
	default:
		l.Warn("webhook_refund_conflict", "audit", true, "stored_refund_id", p.GatewayRefundID)
		return nil
	}
	amount := p.RefundedAmount
	if refund.Amount > 0 {
		amount = refund.Amount
	}
	if err := svc.settleRefund(ctx, l, p, refund.ID, amount); err != nil {
		return err
	}
	l.Info("refund_reconciled", "audit", true, "amount", amount)
	return nil
}

func (svc *PaymentService) getPayment(ctx context.Context, id string) (*models.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	p, err := svc.Repo.GetPayment(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
		}
		return nil, err
	}
	return p, nil
}

// ownedPayment hides other users' payments behind ErrNotFound.
func (svc *PaymentService) ownedPayment(ctx context.Context, userID, id string) (*models.Payment, error) {
	p, err := svc.getPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	return p, nil
}

func (svc *PaymentService) event(p *models.Payment, eventType, reason string) (*models.OutboxMessage, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(models.PaymentEvent{
		EventID:          id,
		Type:             eventType,
		PaymentID:        p.ID,
		UserID:           p.UserID,
		Amount:           p.Amount,
		RefundedAmount:   p.RefundedAmount,
		Currency:         p.Currency,
		PaymentType:      p.PaymentType,
		Status:           p.Status,
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: p.GatewayPaymentID,
		Reason:           reason,
		OccurredAt:       svc.now(),
	})
	if err != nil {
		return nil, err
	}
	return &models.OutboxMessage{
		ID:          id,
		AggregateID: p.ID,
		EventType:   eventType,
		Topic:       svc.Topic,
		Key:         p.ID,
		Payload:     payload,
		Status:      models.OutboxPending,
	}, nil
}
