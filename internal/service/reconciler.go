package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visabilling/internal/config"
	"visabilling/internal/model"
	"visabilling/internal/repository"
	"visabilling/pkg/idgen"
	"visabilling/pkg/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/sethvargo/go-retry"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ============================================================================
// 支付回调对账
// ============================================================================
//
// 网关只保证"至少一次"投递，同一笔交易可能同时收到服务端异步通知和用户浏览器的同步跳转。
//
// 【处理流程】
//   1. 无锁预读支付流水：不存在 -> ErrUnknownTransaction；已 COMPLETED -> 直接返回（幂等）
//   2. 事务外查询套餐（持有行锁期间不做任何外部 I/O）
//   3. 事务内：
//      a. SELECT ... FOR UPDATE 重新读取流水，按最新状态再判断一次幂等
//      b. 条件更新支付状态
//      c. COMPLETED 且关联了套餐：续期已有的有效会员，没有则新建
//      d. 写 outbox 消息
//   4. 条件更新冲突 / 唯一索引冲突 / 死锁：从第 1 步整体重试，次数有上限
//
// 【为什么以库里的状态为准】
//   判断"是否已处理"用的是数据库中的状态而不是回调里带的状态，
//   两个并发回调在行锁上排队，后到的一方读到 COMPLETED 后直接返回，不会重复发放会员。
//
// ============================================================================

// Callback 网关回调（异步通知或同步跳转还原后的参数）
type Callback struct {
	TransactionID string
	Status        string
	Payload       json.RawMessage // 网关原始报文，只存不解析
}

// Result 对账结果
type Result struct {
	Payment          *model.PaymentRecord
	Membership       *model.UserMembership // 本次发放或续期的会员，没有时为 nil
	AlreadyProcessed bool                  // 重复回调，本次没有做任何变更
	Anomaly          bool                  // FAILED/CANCELLED 之后又收到不同的状态
}

type Reconciler struct {
	db             *gorm.DB
	ledger         *LedgerService
	paymentRepo    *repository.PaymentRepository
	membershipRepo *repository.MembershipRepository
	outboxRepo     *repository.OutboxRepository
	catalog        PlanCatalog
	topic          string
	maxAttempts    int
	baseBackoff    time.Duration
	now            func() time.Time
	log            *slog.Logger
}

func NewReconciler(db *gorm.DB, ledger *LedgerService, catalog PlanCatalog, cfg *config.Config, log *slog.Logger) *Reconciler {
	maxAttempts := cfg.Reconciler.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := cfg.Reconciler.BaseBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	return &Reconciler{
		db:             db,
		ledger:         ledger,
		paymentRepo:    repository.NewPaymentRepository(db),
		membershipRepo: repository.NewMembershipRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
		catalog:        catalog,
		topic:          cfg.Kafka.Topic.PaymentResult,
		maxAttempts:    maxAttempts,
		baseBackoff:    backoff,
		now:            time.Now,
		log:            log,
	}
}

// SetClock 替换时间来源
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile 处理一次回调
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (*Result, error) {
	transactionID := strings.TrimSpace(cb.TransactionID)
	if transactionID == "" {
		return nil, newValidationError("transactionId", "不能为空")
	}

	status, ok := model.NormalizePaymentStatus(cb.Status)
	if !ok {
		return nil, newValidationError("status", fmt.Sprintf("无法识别的支付状态: %q", cb.Status))
	}
	if status == model.PaymentStatusRefunded {
		return nil, newValidationError("status", "退款状态只能由管理端发起")
	}

	var payload datatypes.JSON
	if len(cb.Payload) > 0 && string(cb.Payload) != "null" {
		if !json.Valid(cb.Payload) {
			return nil, newValidationError("paymentData", "不是合法的 JSON")
		}
		payload = datatypes.JSON(cb.Payload)
	}

	var (
		result   *Result
		attempts int
	)
	backoff := retry.WithMaxRetries(uint64(r.maxAttempts-1), retry.NewExponential(r.baseBackoff))
	backoff = retry.WithJitterPercent(20, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		res, err := r.reconcileOnce(ctx, transactionID, status, payload)
		if err != nil {
			if isRetryable(err) {
				r.log.WarnContext(ctx, "对账冲突，准备重试",
					slog.String("transaction_id", transactionID),
					slog.Int("attempt", attempts),
					logger.Error(err),
				)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			r.log.WarnContext(ctx, "收到未知交易号的回调",
				slog.String("transaction_id", transactionID),
				slog.String("status", status),
			)
			return nil, err
		}
		if isRetryable(err) {
			r.log.ErrorContext(ctx, "对账重试次数耗尽",
				slog.String("transaction_id", transactionID),
				slog.Int("attempts", attempts),
				logger.Error(err),
			)
			return nil, &ReconciliationFailedError{TransactionID: transactionID, Attempts: attempts, Err: err}
		}
		r.log.ErrorContext(ctx, "对账失败",
			slog.String("transaction_id", transactionID),
			logger.Error(err),
		)
		return nil, err
	}

	attrs := []any{
		slog.String("transaction_id", transactionID),
		slog.String("status", result.Payment.Status),
		slog.Bool("already_processed", result.AlreadyProcessed),
		slog.Int("attempts", attempts),
	}
	if result.Membership != nil {
		attrs = append(attrs,
			slog.Int64("membership_id", result.Membership.ID),
			slog.Time("membership_end_date", result.Membership.EndDate),
		)
	}
	r.log.InfoContext(ctx, "回调对账完成", attrs...)
	return result, nil
}

func (r *Reconciler) reconcileOnce(ctx context.Context, transactionID, status string, payload datatypes.JSON) (*Result, error) {
	// 无锁预读
	payment, err := r.ledger.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if res := shortCircuit(payment, status); res != nil {
		return res, nil
	}

	// 套餐在事务外查询
	var plan *model.MembershipPlan
	if status == model.PaymentStatusCompleted && payment.MembershipPlanID != nil {
		plan, err = r.catalog.GetPlan(ctx, *payment.MembershipPlanID)
		if err != nil {
			return nil, fmt.Errorf("查询会员套餐失败: planId=%s: %w", *payment.MembershipPlanID, err)
		}
		if plan.DurationDays <= 0 {
			return nil, fmt.Errorf("会员套餐时长配置错误: planId=%s, durationDays=%d", plan.ID, plan.DurationDays)
		}
	}

	var result *Result
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.paymentRepo.GetByTransactionIDForUpdate(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if res := shortCircuit(current, status); res != nil {
			result = res
			return nil
		}

		// PENDING 上再收到 PENDING：只补充回调报文
		if status == model.PaymentStatusPending {
			if len(payload) > 0 && !bytes.Equal(payload, current.RawCallbackPayload) {
				if err := r.paymentRepo.AttachPayload(ctx, tx, transactionID, current.Status, payload); err != nil {
					return err
				}
				current.RawCallbackPayload = payload
			}
			result = &Result{Payment: current}
			return nil
		}

		anomaly := model.IsTerminalFailure(current.Status)
		if anomaly {
			r.log.WarnContext(ctx, "支付终态被覆盖，按后到的状态处理",
				slog.String("transaction_id", transactionID),
				slog.String("from", current.Status),
				slog.String("to", status),
			)
		}

		updated, err := r.ledger.TransitionStatus(ctx, tx, transactionID, current.Status, status, payload)
		if err != nil {
			return fmt.Errorf("更新支付状态失败: %w", err)
		}

		var membership *model.UserMembership
		if status == model.PaymentStatusCompleted && plan != nil {
			membership, err = r.grantMembership(ctx, tx, updated, plan)
			if err != nil {
				return fmt.Errorf("发放会员失败: %w", err)
			}
		}

		if err := r.writeEvent(ctx, tx, updated, current.Status, membership, anomaly); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		result = &Result{Payment: updated, Membership: membership, Anomaly: anomaly}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// shortCircuit 根据库里的状态判断本次回调是否无需处理
func shortCircuit(payment *model.PaymentRecord, reported string) *Result {
	switch {
	case payment.Status == model.PaymentStatusCompleted,
		payment.Status == model.PaymentStatusRefunded:
		// COMPLETED 之后的任何回调都不再生效，已发放的会员不回收
		return &Result{Payment: payment, AlreadyProcessed: true}
	case payment.Status == reported && payment.Status != model.PaymentStatusPending:
		return &Result{Payment: payment, AlreadyProcessed: true}
	case reported == model.PaymentStatusPending && payment.Status != model.PaymentStatusPending:
		// 终态不会退回 PENDING
		return &Result{Payment: payment, AlreadyProcessed: true}
	}
	return nil
}

// grantMembership 发放或续期会员
//
// 【关键点】已有有效会员时从原结束时间往后顺延，不从 now 重新计算，保留用户已购买的剩余时长
func (r *Reconciler) grantMembership(ctx context.Context, tx *gorm.DB, payment *model.PaymentRecord, plan *model.MembershipPlan) (*model.UserMembership, error) {
	now := r.now().UTC()

	target, err := r.membershipRepo.FindExtensionTargetForUpdate(ctx, tx, payment.UserID, plan.ID, now)
	if err != nil {
		return nil, err
	}

	if target != nil {
		newEndDate := target.EndDate.UTC().AddDate(0, 0, plan.DurationDays)
		if err := r.membershipRepo.ExtendEndDate(ctx, tx, target.ID, newEndDate); err != nil {
			return nil, err
		}
		target.EndDate = newEndDate
		return target, nil
	}

	if err := r.membershipRepo.ReleaseSlot(ctx, tx, payment.UserID, plan.ID); err != nil {
		return nil, err
	}

	membership := &model.UserMembership{
		UserID:           payment.UserID,
		MembershipPlanID: plan.ID,
		StartDate:        now,
		EndDate:          now.AddDate(0, 0, plan.DurationDays),
		Status:           model.MembershipStatusActive,
	}
	if err := r.membershipRepo.Create(ctx, tx, membership); err != nil {
		return nil, err
	}
	return membership, nil
}

func (r *Reconciler) writeEvent(ctx context.Context, tx *gorm.DB, payment *model.PaymentRecord, previousStatus string, membership *model.UserMembership, anomaly bool) error {
	event := model.PaymentEvent{
		EventID:          idgen.GenerateEventKey(),
		TransactionID:    payment.TransactionID,
		UserID:           payment.UserID,
		MembershipPlanID: payment.PlanID(),
		Status:           payment.Status,
		PreviousStatus:   previousStatus,
		Anomaly:          anomaly,
		OccurredAt:       r.now().UTC(),
	}
	if membership != nil {
		end := membership.EndDate
		event.MembershipID = membership.ID
		event.MembershipEndAt = &end
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return r.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: payment.TransactionID,
		Topic:      r.topic,
		Payload:    string(data),
		Status:     model.OutboxStatusPending,
	})
}

// isRetryable 并发冲突类错误，重新读取最新状态后重试即可
func isRetryable(err error) bool {
	if errors.Is(err, repository.ErrPaymentStatusConflict) ||
		errors.Is(err, repository.ErrMembershipConflict) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062, // 唯一索引冲突（并发首购）
			1205, // 锁等待超时
			1213: // 死锁
			return true
		}
	}
	return false
}
