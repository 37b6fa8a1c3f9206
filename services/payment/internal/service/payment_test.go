package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Skotchmaster/bonebuddy/pkg/logging"
	"github.com/Skotchmaster/bonebuddy/pkg/tokens"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/gateway"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/models"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/repo"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/signature"
	"github.com/Skotchmaster/bonebuddy/services/payment/internal/transport"
)

var (
	keySecret     = []byte("test_key_secret")
	webhookSecret = []byte("whsec_test")
)

type fakeGateway struct {
	mu        sync.Mutex
	orderErr  error
	refundErr error
	// refundLost processes the refund and then fails as if the answer
	// never arrived.
	refundLost error
	orders     int
	refunds    []int64
	receipts   []string
}

func (g *fakeGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders++
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	return &gateway.Order{ID: fmt.Sprintf("order_%d", g.orders), Amount: req.Amount, Currency: req.Currency, Status: "created"}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req.Amount)
	g.receipts = append(g.receipts, req.Receipt)
	if g.refundLost != nil {
		return nil, g.refundLost
	}
	return &gateway.Refund{ID: fmt.Sprintf("rfnd_%d", len(g.refunds)), PaymentID: req.PaymentID, Amount: req.Amount, Status: "processed"}, nil
}

func (g *fakeGateway) PublicKey() string { return "rzp_test_key" }

func (g *fakeGateway) setOrderErr(err error) {
	g.mu.Lock()
	g.orderErr = err
	g.mu.Unlock()
}

func newTestService(t *testing.T) (*PaymentService, *fakeGateway) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	gw := &fakeGateway{}
	return &PaymentService{
		Repo:            &repo.GormRepo{DB: db},
		Gateway:         gw,
		KeySecret:       keySecret,
		WebhookSecret:   webhookSecret,
		Prices:          map[string]int64{"consultation": 50000},
		DefaultCurrency: "INR",
		Topic:           "payment_events",
	}, gw
}

func createConsultation(t *testing.T, svc *PaymentService, userID string) *transport.OrderResponse {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), userID, transport.CreateOrderRequest{
		PaymentType: "consultation",
		Description: "Orthopaedic consultation",
	})
	require.NoError(t, err)
	return order
}

func confirm(order *transport.OrderResponse, paymentID string) transport.VerifyRequest {
	return transport.VerifyRequest{
		GatewayOrderID:   order.GatewayOrderID,
		GatewayPaymentID: paymentID,
		Signature:        signature.Compute(keySecret, order.GatewayOrderID, paymentID),
		PaymentRecordID:  order.PaymentRecordID,
	}
}

func eventCount(t *testing.T, svc *PaymentService, eventType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, svc.Repo.DB.Model(&models.OutboxMessage{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func mustGet(t *testing.T, svc *PaymentService, id string) *models.Payment {
	t.Helper()
	p, err := svc.Repo.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func completedPayment(t *testing.T, svc *PaymentService, userID string) *models.Payment {
	t.Helper()
	order := createConsultation(t, svc, userID)
	p, err := svc.VerifyPayment(context.Background(), userID, confirm(order, "pay_1"))
	require.NoError(t, err)
	return p
}

func TestCreateOrder_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     transport.CreateOrderRequest
		wantErr error
		amount  int64
	}{
		{name: "price list amount", req: transport.CreateOrderRequest{PaymentType: "consultation"}, amount: 50000},
		{name: "matching client amount", req: transport.CreateOrderRequest{PaymentType: "consultation", Amount: 50000}, amount: 50000},
		{name: "client amount disagrees with price", req: transport.CreateOrderRequest{PaymentType: "consultation", Amount: 100}, wantErr: ErrValidation},
		{name: "free-form type", req: transport.CreateOrderRequest{PaymentType: "physio_package", Amount: 120000}, amount: 120000},
		{name: "zero amount", req: transport.CreateOrderRequest{PaymentType: "physio_package"}, wantErr: ErrValidation},
		{name: "negative amount", req: transport.CreateOrderRequest{PaymentType: "physio_package", Amount: -5}, wantErr: ErrValidation},
		{name: "over limit", req: transport.CreateOrderRequest{PaymentType: "physio_package", Amount: MaxAmount + 1}, wantErr: ErrValidation},
		{name: "missing type", req: transport.CreateOrderRequest{Amount: 100}, wantErr: ErrValidation},
		{name: "bad currency", req: transport.CreateOrderRequest{PaymentType: "consultation", Currency: "rupee"}, wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newTestService(t)

			order, err := svc.CreateOrder(context.Background(), "patient-1", tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.amount, order.Amount)
			assert.Equal(t, "INR", order.Currency)
			assert.Equal(t, "rzp_test_key", order.PublicKey)
			assert.NotEmpty(t, order.GatewayOrderID)

			p := mustGet(t, svc, order.PaymentRecordID)
			assert.Equal(t, models.StatusPending, p.Status)
			assert.Equal(t, tt.amount, p.Amount)
		})
	}
}

func TestCreateOrder_ReusesPendingRecord(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	first := createConsultation(t, svc, "patient-1")

	again, err := svc.CreateOrder(context.Background(), "patient-1", transport.CreateOrderRequest{
		PaymentType:     "consultation",
		PaymentRecordID: first.PaymentRecordID,
	})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, gw.orders)
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventOrderCreated))
}

func TestCreateOrder_GatewayFailureIsRetryable(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	gw.setOrderErr(fmt.Errorf("%w: dial tcp: connection refused", gateway.ErrUnavailable))

	_, err := svc.CreateOrder(context.Background(), "patient-1", transport.CreateOrderRequest{PaymentType: "consultation"})
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, "gateway unavailable: dial tcp: connection refused", err.Error())

	var oe *OrderError
	require.ErrorAs(t, err, &oe)
	require.NotEmpty(t, oe.PaymentRecordID)

	p := mustGet(t, svc, oe.PaymentRecordID)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Empty(t, p.GatewayOrderID)
	assert.EqualValues(t, 0, eventCount(t, svc, models.EventOrderCreated))

	gw.setOrderErr(nil)
	order, err := svc.CreateOrder(context.Background(), "patient-1", transport.CreateOrderRequest{
		PaymentType:     "consultation",
		PaymentRecordID: oe.PaymentRecordID,
	})
	require.NoError(t, err)
	assert.Equal(t, oe.PaymentRecordID, order.PaymentRecordID)
	assert.EqualValues(t, 50000, order.Amount)
	assert.Equal(t, order.GatewayOrderID, mustGet(t, svc, oe.PaymentRecordID).GatewayOrderID)

	var n int64
	require.NoError(t, svc.Repo.DB.Model(&models.Payment{}).Count(&n).Error)
	assert.EqualValues(t, 1, n, "retry must not create a second record")
}

func TestCreateOrder_GatewayRejection(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	gw.setOrderErr(fmt.Errorf("%w: status 400", gateway.ErrRejected))

	_, err := svc.CreateOrder(context.Background(), "patient-1", transport.CreateOrderRequest{PaymentType: "consultation"})
	assert.ErrorIs(t, err, ErrGatewayRejected)
	assert.False(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestCreateOrder_ReuseRules(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")

	_, err := svc.CreateOrder(context.Background(), "patient-2", transport.CreateOrderRequest{
		PaymentType: "consultation", PaymentRecordID: order.PaymentRecordID,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.VerifyPayment(context.Background(), "patient-1", confirm(order, "pay_1"))
	require.NoError(t, err)

	_, err = svc.CreateOrder(context.Background(), "patient-1", transport.CreateOrderRequest{
		PaymentType: "consultation", PaymentRecordID: order.PaymentRecordID,
	})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.CreateOrder(context.Background(), "patient-1", transport.CreateOrderRequest{
		PaymentType: "consultation", PaymentRecordID: "not-a-uuid",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyPayment_CompletesOnce(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return fixed }

	order := createConsultation(t, svc, "patient-1")
	req := confirm(order, "pay_29QQoUBi66xm2f")

	first, err := svc.VerifyPayment(context.Background(), "patient-1", req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, first.Status)
	assert.Equal(t, "pay_29QQoUBi66xm2f", first.GatewayPaymentID)
	require.NotNil(t, first.PaidAt)
	assert.True(t, fixed.Equal(*first.PaidAt))

	second, err := svc.VerifyPayment(context.Background(), "patient-1", req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventCompleted))
}

func TestVerifyPayment_ForgedSignatureNeverCompletes(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")
	require.EqualValues(t, 50000, order.Amount)

	var logs bytes.Buffer
	ctx := logging.IntoContext(context.Background(), logging.NewWithWriter(&logs, "info"))

	req := confirm(order, "pay_1")
	req.Signature = signature.Compute([]byte("attacker-guess"), order.GatewayOrderID, "pay_1")

	p, err := svc.VerifyPayment(ctx, "patient-1", req)
	require.ErrorIs(t, err, ErrSignatureMismatch)
	assert.Nil(t, p)

	stored := mustGet(t, svc, order.PaymentRecordID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Nil(t, stored.PaidAt)
	assert.Empty(t, stored.GatewayPaymentID)
	assert.Equal(t, "signature mismatch", stored.FailureReason)
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventVerificationFailed))
	assert.EqualValues(t, 0, eventCount(t, svc, models.EventCompleted))

	assert.Contains(t, logs.String(), `"msg":"payment_signature_mismatch"`)
	assert.Contains(t, logs.String(), `"audit":true`)
}

func TestVerifyPayment_AlteredPaymentID(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")

	req := confirm(order, "pay_1")
	req.GatewayPaymentID = "pay_2"

	_, err := svc.VerifyPayment(context.Background(), "patient-1", req)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.NotEqual(t, models.StatusCompleted, mustGet(t, svc, order.PaymentRecordID).Status)
}

func TestVerifyPayment_ValidConfirmationAfterFailure(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")

	forged := confirm(order, "pay_1")
	forged.Signature = "00"
	_, err := svc.VerifyPayment(context.Background(), "patient-1", forged)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	p, err := svc.VerifyPayment(context.Background(), "patient-1", confirm(order, "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Empty(t, p.FailureReason)
}

func TestVerifyPayment_RejectsBadInput(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")

	wrongOrder := confirm(order, "pay_1")
	wrongOrder.GatewayOrderID = "order_999"
	_, err := svc.VerifyPayment(context.Background(), "patient-1", wrongOrder)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.VerifyPayment(context.Background(), "patient-2", confirm(order, "pay_1"))
	assert.ErrorIs(t, err, ErrNotFound)

	missing := confirm(order, "pay_1")
	missing.Signature = ""
	_, err = svc.VerifyPayment(context.Background(), "patient-1", missing)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, models.StatusPending, mustGet(t, svc, order.PaymentRecordID).Status)
}

func TestVerifyPayment_SecondConfirmationConflicts(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")

	_, err := svc.VerifyPayment(context.Background(), "patient-1", confirm(order, "pay_1"))
	require.NoError(t, err)

	_, err = svc.VerifyPayment(context.Background(), "patient-1", confirm(order, "pay_2"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "pay_1", mustGet(t, svc, order.PaymentRecordID).GatewayPaymentID)
}

func TestVerifyPayment_ConcurrentVerificationsCompleteOnce(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")
	req := confirm(order, "pay_1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.VerifyPayment(context.Background(), "patient-1", req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventCompleted))
	assert.Equal(t, models.StatusCompleted, mustGet(t, svc, order.PaymentRecordID).Status)
}

func TestRefund_Rules(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	ctx := context.Background()
	over := int64(50001)
	zero := int64(0)

	pending := createConsultation(t, svc, "patient-1")
	_, err := svc.Refund(ctx, "admin-1", tokens.RoleAdmin, pending.PaymentRecordID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	paid := completedPayment(t, svc, "patient-2")

	_, err = svc.Refund(ctx, "patient-2", tokens.RolePatient, paid.ID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Refund(ctx, "doc-1", tokens.RoleDoctor, paid.ID, &over)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Refund(ctx, "doc-1", tokens.RoleDoctor, paid.ID, &zero)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, gw.refunds)
	assert.Equal(t, models.StatusCompleted, mustGet(t, svc, paid.ID).Status)

	_, err = svc.Refund(ctx, "admin-1", tokens.RoleAdmin, "7d3f7e8e-0000-4000-8000-000000000000", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefund_Partial(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	ctx := context.Background()
	paid := completedPayment(t, svc, "patient-1")
	part := int64(20000)

	p, err := svc.Refund(ctx, "physio-1", tokens.RolePhysiotherapist, paid.ID, &part)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, p.Status)
	assert.EqualValues(t, 20000, p.RefundedAmount)
	assert.Equal(t, "rfnd_1", p.GatewayRefundID)
	require.NotNil(t, p.RefundedAt)
	assert.Equal(t, []int64{20000}, gw.refunds)
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventRefunded))

	_, err = svc.Refund(ctx, "physio-1", tokens.RolePhysiotherapist, paid.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRefund_FullAmountByDefault(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	paid := completedPayment(t, svc, "patient-1")

	p, err := svc.Refund(context.Background(), "admin-1", tokens.RoleAdmin, paid.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, paid.Amount, p.RefundedAmount)
	assert.Equal(t, []int64{paid.Amount}, gw.refunds)
}

func TestRefund_GatewayRejectionReleasesClaim(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	paid := completedPayment(t, svc, "patient-1")
	gw.refundErr = fmt.Errorf("%w: amount exceeds refundable balance", gateway.ErrRejected)

	_, err := svc.Refund(context.Background(), "admin-1", tokens.RoleAdmin, paid.ID, nil)
	require.ErrorIs(t, err, ErrGatewayRejected)
	assert.Equal(t, "gateway rejected request: amount exceeds refundable balance", err.Error())

	p := mustGet(t, svc, paid.ID)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Zero(t, p.RefundedAmount)
	assert.Nil(t, p.RefundedAt)
	assert.EqualValues(t, 0, eventCount(t, svc, models.EventRefunded))
}

func TestRefund_LostGatewayAnswerKeepsClaim(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	ctx := context.Background()
	paid := completedPayment(t, svc, "patient-1")
	gw.refundLost = fmt.Errorf("%w: read timeout", gateway.ErrUnavailable)
	part := int64(30000)

	p, err := svc.Refund(ctx, "admin-1", tokens.RoleAdmin, paid.ID, &part)
	require.NoError(t, err)
	assert.True(t, p.RefundPending())
	assert.Equal(t, models.StatusRefunded, p.Status)
	assert.EqualValues(t, 30000, p.RefundedAmount)
	assert.Empty(t, p.GatewayRefundID)

	_, err = svc.Refund(ctx, "admin-1", tokens.RoleAdmin, paid.ID, &part)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, []int64{30000}, gw.refunds, "a retry must not refund twice")
	assert.Equal(t, []string{paid.ID}, gw.receipts)
	assert.EqualValues(t, 0, eventCount(t, svc, models.EventRefunded))
}

func TestRefund_ConcurrentOnlyOneReachesGateway(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	paid := completedPayment(t, svc, "patient-1")

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refund(context.Background(), "admin-1", tokens.RoleAdmin, paid.ID, nil)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidState)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, gw.refunds, 1)
}

func TestGetPayment_Visibility(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	order := createConsultation(t, svc, "patient-1")
	ctx := context.Background()

	p, err := svc.GetPayment(ctx, "patient-1", tokens.RolePatient, order.PaymentRecordID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentRecordID, p.ID)

	_, err = svc.GetPayment(ctx, "patient-2", tokens.RolePatient, order.PaymentRecordID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetPayment(ctx, "doc-1", tokens.RoleDoctor, order.PaymentRecordID)
	assert.NoError(t, err)
}

func TestListPayments(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		createConsultation(t, svc, "patient-1")
	}
	createConsultation(t, svc, "patient-2")

	res, err := svc.ListPayments(context.Background(), "patient-1", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 1, res.Page)

	empty, err := svc.ListPayments(context.Background(), "nobody", 1, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)
}

func webhookBody(t *testing.T, event, orderID, paymentID string, amount int64) ([]byte, string) {
	t.Helper()
	var hook transport.Webhook
	hook.Event = event
	hook.Payload.Payment.Entity.ID = paymentID
	hook.Payload.Payment.Entity.OrderID = orderID
	hook.Payload.Payment.Entity.Amount = amount
	hook.Payload.Payment.Entity.Currency = "INR"
	hook.Payload.Payment.Entity.Status = "captured"
	body, err := json.Marshal(hook)
	require.NoError(t, err)

	m := hmac.New(sha256.New, webhookSecret)
	m.Write(body)
	return body, hex.EncodeToString(m.Sum(nil))
}

func refundWebhook(t *testing.T, event, receipt, refundID, paymentID string, amount int64) ([]byte, string) {
	t.Helper()
	var hook transport.Webhook
	hook.Event = event
	hook.Payload.Refund.Entity.ID = refundID
	hook.Payload.Refund.Entity.PaymentID = paymentID
	hook.Payload.Refund.Entity.Amount = amount
	hook.Payload.Refund.Entity.Receipt = receipt
	body, err := json.Marshal(hook)
	require.NoError(t, err)

	m := hmac.New(sha256.New, webhookSecret)
	m.Write(body)
	return body, hex.EncodeToString(m.Sum(nil))
}

func pendingRefund(t *testing.T, svc *PaymentService, gw *fakeGateway) *models.Payment {
	t.Helper()
	paid := completedPayment(t, svc, "patient-1")
	gw.refundLost = fmt.Errorf("%w: read timeout", gateway.ErrUnavailable)
	p, err := svc.Refund(context.Background(), "admin-1", tokens.RoleAdmin, paid.ID, nil)
	require.NoError(t, err)
	require.True(t, p.RefundPending())
	return p
}

func TestHandleWebhook_RefundProcessedSettlesClaim(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	ctx := context.Background()
	p := pendingRefund(t, svc, gw)

	body, sig := refundWebhook(t, "refund.processed", p.ID, "rfnd_late", "pay_2", p.Amount)
	assert.ErrorIs(t, svc.HandleWebhook(ctx, body, sig), ErrValidation, "refund of another payment")

	body, sig = refundWebhook(t, "refund.processed", p.ID, "rfnd_late", p.GatewayPaymentID, p.Amount)
	require.NoError(t, svc.HandleWebhook(ctx, body, sig))
	require.NoError(t, svc.HandleWebhook(ctx, body, sig))

	got := mustGet(t, svc, p.ID)
	assert.False(t, got.RefundPending())
	assert.Equal(t, models.StatusRefunded, got.Status)
	assert.Equal(t, "rfnd_late", got.GatewayRefundID)
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventRefunded))

	unknown, unknownSig := refundWebhook(t, "refund.processed", "", "rfnd_x", "pay_x", 1)
	assert.NoError(t, svc.HandleWebhook(ctx, unknown, unknownSig))
}

func TestHandleWebhook_RefundFailedReleasesClaim(t *testing.T) {
	t.Parallel()

	svc, gw := newTestService(t)
	ctx := context.Background()
	p := pendingRefund(t, svc, gw)

	body, sig := refundWebhook(t, "refund.failed", p.ID, "rfnd_late", p.GatewayPaymentID, p.Amount)
	require.NoError(t, svc.HandleWebhook(ctx, body, sig))

	got := mustGet(t, svc, p.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Zero(t, got.RefundedAmount)
	assert.Nil(t, got.RefundedAt)

	gw.mu.Lock()
	gw.refundLost = nil
	gw.mu.Unlock()
	again, err := svc.Refund(ctx, "admin-1", tokens.RoleAdmin, p.ID, nil)
	require.NoError(t, err)
	assert.False(t, again.RefundPending())
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	order := createConsultation(t, svc, "patient-1")

	body, sig := webhookBody(t, "payment.captured", order.GatewayOrderID, "pay_hook", 50000)
	assert.ErrorIs(t, svc.HandleWebhook(ctx, body, "deadbeef"), ErrSignatureMismatch)
	assert.Equal(t, models.StatusPending, mustGet(t, svc, order.PaymentRecordID).Status)

	short, shortSig := webhookBody(t, "payment.captured", order.GatewayOrderID, "pay_hook", 100)
	assert.ErrorIs(t, svc.HandleWebhook(ctx, short, shortSig), ErrValidation)

	require.NoError(t, svc.HandleWebhook(ctx, body, sig))
	p := mustGet(t, svc, order.PaymentRecordID)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, "pay_hook", p.GatewayPaymentID)

	// Redelivery is harmless and the client-side confirmation is a no-op.
	require.NoError(t, svc.HandleWebhook(ctx, body, sig))
	_, err := svc.VerifyPayment(ctx, "patient-1", confirm(order, "pay_hook"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, eventCount(t, svc, models.EventCompleted))

	other, otherSig := webhookBody(t, "order.paid", order.GatewayOrderID, "pay_hook", 50000)
	assert.NoError(t, svc.HandleWebhook(ctx, other, otherSig))
}
