package repo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Skotchmaster/bonebuddy/services/payment/internal/models"
)

func newTestRepo(t *testing.T) *GormRepo {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return &GormRepo{DB: db}
}

func newPending(t *testing.T, r *GormRepo, userID string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		UserID:      userID,
		Amount:      50000,
		Currency:    "INR",
		PaymentType: "consultation",
		Status:      models.StatusPending,
	}
	require.NoError(t, r.CreatePayment(context.Background(), p))
	require.NotEmpty(t, p.ID)
	return p
}

func outboxCount(t *testing.T, r *GormRepo) int64 {
	t.Helper()
	var n int64
	require.NoError(t, r.DB.Model(&models.OutboxMessage{}).Count(&n).Error)
	return n
}

func TestAttachGatewayOrder_OnlyOnce(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	p := newPending(t, r, "u1")

	ok, err := r.AttachGatewayOrder(ctx, p.ID, "order_1", &models.OutboxMessage{
		AggregateID: p.ID, EventType: models.EventOrderCreated, Topic: "t", Payload: []byte("{}"),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AttachGatewayOrder(ctx, p.ID, "order_2", &models.OutboxMessage{
		AggregateID: p.ID, EventType: models.EventOrderCreated, Topic: "t", Payload: []byte("{}"),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "order_1", got.GatewayOrderID)
	assert.EqualValues(t, 1, outboxCount(t, r))

	byOrder, err := r.GetPaymentByGatewayOrder(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byOrder.ID)
}

func TestTransition_ConditionalOnStatus(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	p := newPending(t, r, "u1")

	moved, err := r.Transition(ctx, p.ID, []models.PaymentStatus{models.StatusCompleted},
		map[string]any{"status": models.StatusRefunded}, nil)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = r.Transition(ctx, p.ID, []models.PaymentStatus{models.StatusPending, models.StatusFailed},
		map[string]any{"status": models.StatusCompleted, "gateway_payment_id": "pay_1"},
		&models.OutboxMessage{AggregateID: p.ID, EventType: models.EventCompleted, Topic: "t", Payload: []byte("{}")})
	require.NoError(t, err)
	assert.True(t, moved)

	got, err := r.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "pay_1", got.GatewayPaymentID)
	assert.EqualValues(t, 1, outboxCount(t, r))
}

func claimedRefund(t *testing.T, r *GormRepo, amount int64) *models.Payment {
	t.Helper()
	p := newPending(t, r, "u1")
	moved, err := r.Transition(context.Background(), p.ID, []models.PaymentStatus{models.StatusPending},
		map[string]any{"status": models.StatusRefunded, "gateway_payment_id": "pay_1", "refunded_amount": amount}, nil)
	require.NoError(t, err)
	require.True(t, moved)
	return p
}

func TestSettleRefund_OnlyOnce(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	p := claimedRefund(t, r, 30000)

	settled, err := r.SettleRefund(ctx, p.ID, "rfnd_1", 30000,
		&models.OutboxMessage{AggregateID: p.ID, EventType: models.EventRefunded, Topic: "t", Payload: []byte("{}")})
	require.NoError(t, err)
	assert.True(t, settled)

	settled, err = r.SettleRefund(ctx, p.ID, "rfnd_2", 30000,
		&models.OutboxMessage{AggregateID: p.ID, EventType: models.EventRefunded, Topic: "t", Payload: []byte("{}")})
	require.NoError(t, err)
	assert.False(t, settled)

	got, err := r.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", got.GatewayRefundID)
	assert.EqualValues(t, 1, outboxCount(t, r))
}

func TestReleaseRefund(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	p := claimedRefund(t, r, 30000)

	_, err := r.SettleRefund(ctx, p.ID, "rfnd_1", 30000, nil)
	require.NoError(t, err)

	released, err := r.ReleaseRefund(ctx, p.ID, "rfnd_other")
	require.NoError(t, err)
	assert.False(t, released, "a failure for another refund leaves the record alone")

	released, err = r.ReleaseRefund(ctx, p.ID, "rfnd_1")
	require.NoError(t, err)
	assert.True(t, released)

	got, err := r.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Zero(t, got.RefundedAmount)
	assert.Empty(t, got.GatewayRefundID)
}

func TestTransition_ConcurrentOnlyOneWins(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	p := newPending(t, r, "u1")

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			moved, err := r.Transition(context.Background(), p.ID, []models.PaymentStatus{models.StatusPending},
				map[string]any{"status": models.StatusCompleted}, nil)
			assert.NoError(t, err)
			if moved {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func TestListPayments_ScopedAndPaged(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		newPending(t, r, "owner")
	}
	newPending(t, r, "someone-else")

	page, total, err := r.ListPayments(ctx, "owner", 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, page, 2)

	rest, _, err := r.ListPayments(ctx, "owner", 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	for _, p := range append(page, rest...) {
		assert.Equal(t, "owner", p.UserID)
	}
}

func TestOutbox_Lifecycle(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()

	a := &models.OutboxMessage{AggregateID: uuid.NewString(), EventType: models.EventCompleted, Topic: "t", Payload: []byte(`{"a":1}`)}
	b := &models.OutboxMessage{AggregateID: uuid.NewString(), EventType: models.EventRefunded, Topic: "t", Payload: []byte(`{"b":1}`)}
	require.NoError(t, r.DB.Create(a).Error)
	require.NoError(t, r.DB.Create(b).Error)

	pending, err := r.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, r.MarkOutboxSent(ctx, a.ID))
	require.NoError(t, r.MarkOutboxAttemptFailed(ctx, b.ID, "broker down", 2))

	pending, err = r.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, r.MarkOutboxAttemptFailed(ctx, b.ID, "broker down", 2))
	pending, err = r.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var failed models.OutboxMessage
	require.NoError(t, r.DB.Where("id = ?", b.ID).First(&failed).Error)
	assert.Equal(t, models.OutboxFailed, failed.Status)

	var sent models.OutboxMessage
	require.NoError(t, r.DB.Where("id = ?", a.ID).First(&sent).Error)
	assert.Equal(t, models.OutboxSent, sent.Status)
	assert.NotNil(t, sent.SentAt)
}
