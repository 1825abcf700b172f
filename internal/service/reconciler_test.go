package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"visabilling/internal/config"
	"visabilling/internal/model"
	"visabilling/internal/repository"
	"visabilling/internal/testutil"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db          *gorm.DB
	ledger      *LedgerService
	reconciler  *Reconciler
	entitlement *EntitlementService
	payments    *repository.PaymentRepository
	memberships *repository.MembershipRepository
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	planRepo := repository.NewPlanRepository(db)
	require.NoError(t, planRepo.Upsert(context.Background(), &model.MembershipPlan{
		ID:           "P30",
		Name:         "30 days",
		Price:        decimal.NewFromInt(50),
		Currency:     "CNY",
		DurationDays: 30,
		Active:       true,
	}))

	cfg := config.Default()
	cfg.Reconciler.BaseBackoff = time.Millisecond

	catalog := NewDBCatalog(planRepo)
	ledger := NewLedgerService(db, catalog, cfg, discardLogger())
	reconciler := NewReconciler(db, ledger, catalog, cfg, discardLogger())
	reconciler.SetClock(func() time.Time { return testNow })
	entitlement := NewEntitlementService(db)
	entitlement.SetClock(func() time.Time { return testNow })

	return &fixture{
		db:          db,
		ledger:      ledger,
		reconciler:  reconciler,
		entitlement: entitlement,
		payments:    repository.NewPaymentRepository(db),
		memberships: repository.NewMembershipRepository(db),
	}
}

func (f *fixture) pending(t *testing.T, transactionID, userID, planID string) {
	t.Helper()
	p := &model.PaymentRecord{
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        decimal.NewFromInt(50),
		Currency:      "CNY",
		Method:        model.PaymentMethodAlipay,
		Status:        model.PaymentStatusPending,
	}
	if planID != "" {
		p.MembershipPlanID = &planID
	}
	require.NoError(t, f.payments.Create(context.Background(), nil, p))
}

func (f *fixture) membershipsOf(t *testing.T, userID string) []*model.UserMembership {
	t.Helper()
	var list []*model.UserMembership
	require.NoError(t, f.db.Where("user_id = ?", userID).Order("id ASC").Find(&list).Error)
	return list
}

func (f *fixture) outboxCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.OutboxMessage{}).Count(&n).Error)
	return n
}

func (f *fixture) status(t *testing.T, transactionID string) string {
	t.Helper()
	p, err := f.payments.GetByTransactionID(context.Background(), nil, transactionID)
	require.NoError(t, err)
	return p.Status
}

func TestReconcile_ExampleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "T1", "U1", "P30")

	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T1", Status: "completed"})
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, model.PaymentStatusCompleted, res.Payment.Status)
	require.NotNil(t, res.Membership)

	list := f.membershipsOf(t, "U1")
	require.Len(t, list, 1)
	m := list[0]
	assert.Equal(t, "U1", m.UserID)
	assert.Equal(t, "P30", m.MembershipPlanID)
	assert.Equal(t, model.MembershipStatusActive, m.Status)
	assert.True(t, m.StartDate.Equal(testNow))
	assert.True(t, m.EndDate.Equal(testNow.AddDate(0, 0, 30)), "endDate=%s", m.EndDate)

	// 重复回调不改变 endDate
	res, err = f.reconciler.Reconcile(ctx, Callback{TransactionID: "T1", Status: "completed"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	list = f.membershipsOf(t, "U1")
	require.Len(t, list, 1)
	assert.True(t, list[0].EndDate.Equal(m.EndDate))
	assert.Equal(t, int64(1), f.outboxCount(t))
}

func TestReconcile_ExtendsActiveMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing := &model.UserMembership{
		UserID:           "U1",
		MembershipPlanID: "P30",
		StartDate:        testNow.AddDate(0, 0, -20),
		EndDate:          testNow.AddDate(0, 0, 10),
		Status:           model.MembershipStatusActive,
	}
	require.NoError(t, f.memberships.Create(ctx, nil, existing))
	f.pending(t, "T2", "U1", "P30")

	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T2", Status: "COMPLETED"})
	require.NoError(t, err)
	require.NotNil(t, res.Membership)
	assert.Equal(t, existing.ID, res.Membership.ID)

	list := f.membershipsOf(t, "U1")
	require.Len(t, list, 1)
	assert.True(t, list[0].EndDate.Equal(testNow.AddDate(0, 0, 40)), "endDate=%s", list[0].EndDate)
	assert.True(t, list[0].StartDate.Equal(existing.StartDate))
}

func TestReconcile_ExpiredMembershipStartsNewRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := &model.UserMembership{
		UserID:           "U1",
		MembershipPlanID: "P30",
		StartDate:        testNow.AddDate(0, 0, -31),
		EndDate:          testNow.AddDate(0, 0, -1),
		Status:           model.MembershipStatusActive,
	}
	require.NoError(t, f.memberships.Create(ctx, nil, expired))
	f.pending(t, "T3", "U1", "P30")

	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T3", Status: "completed"})
	require.NoError(t, err)
	require.NotNil(t, res.Membership)
	assert.NotEqual(t, expired.ID, res.Membership.ID)
	assert.True(t, res.Membership.EndDate.Equal(testNow.AddDate(0, 0, 30)))

	assert.Len(t, f.membershipsOf(t, "U1"), 2)

	var old model.UserMembership
	require.NoError(t, f.db.First(&old, expired.ID).Error)
	assert.Nil(t, old.SlotKey)
	assert.True(t, old.EndDate.Equal(expired.EndDate))
}

func TestReconcile_UnknownTransaction(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Reconcile(context.Background(), Callback{TransactionID: "NOPE", Status: "completed"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTransaction))

	var n int64
	require.NoError(t, f.db.Model(&model.UserMembership{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestReconcile_CompletedIsNotRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "T4", "U1", "P30")

	_, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T4", Status: "completed"})
	require.NoError(t, err)

	for _, status := range []string{"failed", "cancelled", "pending"} {
		res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T4", Status: status})
		require.NoError(t, err)
		assert.True(t, res.AlreadyProcessed, status)
	}

	assert.Equal(t, model.PaymentStatusCompleted, f.status(t, "T4"))
	ent, err := f.entitlement.IsActiveMember(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, ent.IsMember)
}

func TestReconcile_FailureStates(t *testing.T) {
	t.Run("failed then completed grants membership", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.pending(t, "T5", "U1", "P30")

		res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T5", Status: "failed"})
		require.NoError(t, err)
		assert.False(t, res.Anomaly)
		assert.Nil(t, res.Membership)
		assert.Empty(t, f.membershipsOf(t, "U1"))

		res, err = f.reconciler.Reconcile(ctx, Callback{TransactionID: "T5", Status: "completed"})
		require.NoError(t, err)
		assert.True(t, res.Anomaly)
		require.NotNil(t, res.Membership)
		assert.Equal(t, model.PaymentStatusCompleted, f.status(t, "T5"))
	})

	t.Run("failed then cancelled is last write wins", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.pending(t, "T6", "U1", "P30")

		_, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T6", Status: "failed"})
		require.NoError(t, err)
		res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T6", Status: "cancelled"})
		require.NoError(t, err)
		assert.True(t, res.Anomaly)
		assert.Equal(t, model.PaymentStatusCancelled, f.status(t, "T6"))
		assert.Empty(t, f.membershipsOf(t, "U1"))
	})

	t.Run("repeated failed is already processed", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.pending(t, "T7", "U1", "P30")

		_, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T7", Status: "failed"})
		require.NoError(t, err)
		res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T7", Status: "FAILED"})
		require.NoError(t, err)
		assert.True(t, res.AlreadyProcessed)
		assert.Equal(t, int64(1), f.outboxCount(t))
	})
}

func TestReconcile_PendingKeepsPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "T8", "U1", "P30")

	payload := json.RawMessage(`{"paymentId":"gw-1"}`)
	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T8", Status: "pending", Payload: payload})
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)

	p, err := f.payments.GetByTransactionID(ctx, nil, "T8")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, p.Status)
	assert.JSONEq(t, string(payload), string(p.RawCallbackPayload))
	assert.Zero(t, f.outboxCount(t))
}

func TestReconcile_StoresPayloadOnTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "T9", "U1", "")

	payload := json.RawMessage(`{"paymentId":"gw-9","amount":"50.00"}`)
	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T9", Status: "completed", Payload: payload})
	require.NoError(t, err)

	// 没有关联套餐的支付不发放会员
	assert.Nil(t, res.Membership)
	assert.Empty(t, f.membershipsOf(t, "U1"))
	assert.JSONEq(t, string(payload), string(res.Payment.RawCallbackPayload))

	var msg model.OutboxMessage
	require.NoError(t, f.db.First(&msg).Error)
	assert.Equal(t, "T9", msg.MessageKey)
	assert.Equal(t, "payment_result", msg.Topic)

	var event model.PaymentEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, model.PaymentStatusCompleted, event.Status)
	assert.Equal(t, model.PaymentStatusPending, event.PreviousStatus)
	assert.Nil(t, event.MembershipEndAt)
	assert.True(t, strings.HasPrefix(event.EventID, "EVT"), "event_id=%s", event.EventID)
}

func TestReconcile_Validation(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "T10", "U1", "P30")

	tests := []struct {
		name string
		cb   Callback
	}{
		{"empty transaction id", Callback{TransactionID: " ", Status: "completed"}},
		{"unknown status", Callback{TransactionID: "T10", Status: "paid"}},
		{"refund from gateway", Callback{TransactionID: "T10", Status: "refunded"}},
		{"payload not json", Callback{TransactionID: "T10", Status: "completed", Payload: json.RawMessage(`{oops`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reconciler.Reconcile(context.Background(), tt.cb)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
	assert.Equal(t, model.PaymentStatusPending, f.status(t, "T10"))
}

func TestReconcile_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "T11", "U1", "P30")

	const n = 8
	var (
		wg        sync.WaitGroup
		processed atomic.Int32
		errs      = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.reconciler.Reconcile(context.Background(), Callback{TransactionID: "T11", Status: "completed"})
			if err != nil {
				errs <- err
				return
			}
			if !res.AlreadyProcessed {
				processed.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("reconcile: %v", err)
	}
	assert.Equal(t, int32(1), processed.Load())

	list := f.membershipsOf(t, "U1")
	require.Len(t, list, 1)
	assert.True(t, list[0].EndDate.Equal(testNow.AddDate(0, 0, 30)))
	assert.Equal(t, int64(1), f.outboxCount(t))
}

func TestReconcile_ConcurrentPurchasesExtendOnce(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "T12", "U1", "P30")
	f.pending(t, "T13", "U1", "P30")

	var wg sync.WaitGroup
	for _, id := range []string{"T12", "T13"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.reconciler.Reconcile(context.Background(), Callback{TransactionID: id, Status: "completed"})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	list := f.membershipsOf(t, "U1")
	require.Len(t, list, 1)
	assert.True(t, list[0].EndDate.Equal(testNow.AddDate(0, 0, 60)), "endDate=%s", list[0].EndDate)
}

// injectConflicts 让接下来的 n 次 payment_record 更新返回并发冲突
func injectConflicts(t *testing.T, db *gorm.DB) *atomic.Int32 {
	t.Helper()
	remaining := &atomic.Int32{}
	err := db.Callback().Update().Before("gorm:update").Register("test:inject_conflict", func(tx *gorm.DB) {
		if tx.Statement.Table != "payment_record" {
			return
		}
		if remaining.Add(-1) >= 0 {
			_ = tx.AddError(repository.ErrPaymentStatusConflict)
		}
	})
	require.NoError(t, err)
	return remaining
}

func TestReconcile_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "T14", "U1", "P30")

	remaining := injectConflicts(t, f.db)
	remaining.Store(2)

	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T14", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, res.Payment.Status)
	assert.Len(t, f.membershipsOf(t, "U1"), 1)
	assert.Equal(t, int64(1), f.outboxCount(t))
}

func TestReconcile_ExhaustedRetriesLeaveStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "T15", "U1", "P30")

	remaining := injectConflicts(t, f.db)
	remaining.Store(100)

	_, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T15", Status: "completed"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconciliationFailed))
	assert.True(t, errors.Is(err, repository.ErrPaymentStatusConflict))

	var failed *ReconciliationFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "T15", failed.TransactionID)
	assert.Equal(t, 5, failed.Attempts)

	assert.Equal(t, model.PaymentStatusPending, f.status(t, "T15"))
	assert.Empty(t, f.membershipsOf(t, "U1"))
	assert.Zero(t, f.outboxCount(t))

	// 原样重发同一个回调可以恢复
	remaining.Store(0)
	res, err := f.reconciler.Reconcile(ctx, Callback{TransactionID: "T15", Status: "completed"})
	require.NoError(t, err)
	require.NotNil(t, res.Membership)
	assert.Len(t, f.membershipsOf(t, "U1"), 1)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(repository.ErrPaymentStatusConflict))
	assert.True(t, isRetryable(repository.ErrMembershipConflict))
	assert.True(t, isRetryable(gorm.ErrDuplicatedKey))
	assert.False(t, isRetryable(ErrUnknownTransaction))
	assert.False(t, isRetryable(errors.New("boom")))

	tests := []struct {
		number uint16
		want   bool
	}{
		{1062, true}, // 唯一索引冲突
		{1205, true}, // 锁等待超时
		{1213, true}, // 死锁
		{1146, false},
		{1452, false},
	}
	for _, tt := range tests {
		err := &mysql.MySQLError{Number: tt.number, Message: "test"}
		assert.Equal(t, tt.want, isRetryable(err), "number=%d", tt.number)
		assert.Equal(t, tt.want, isRetryable(fmt.Errorf("更新支付状态失败: %w", err)), "wrapped number=%d", tt.number)
	}
}
