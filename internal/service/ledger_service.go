package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"visabilling/internal/config"
	"visabilling/internal/model"
	"visabilling/internal/repository"
	"visabilling/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerService 支付流水
type LedgerService struct {
	db              *gorm.DB
	paymentRepo     *repository.PaymentRepository
	catalog         PlanCatalog
	defaultCurrency string
	log             *slog.Logger
	newTxID         func() string
}

func NewLedgerService(db *gorm.DB, catalog PlanCatalog, cfg *config.Config, log *slog.Logger) *LedgerService {
	return &LedgerService{
		db:              db,
		paymentRepo:     repository.NewPaymentRepository(db),
		catalog:         catalog,
		defaultCurrency: cfg.Payment.DefaultCurrency,
		log:             log,
		newTxID:         idgen.GenerateTransactionID,
	}
}

type CreatePendingRequest struct {
	UserID   string
	PlanID   *string // 为空表示不关联套餐
	Amount   decimal.Decimal
	Currency string
	Method   string
}

// CreatePending 创建待支付流水，返回交易号（网关回调时原样带回）
//
// 关联套餐时：套餐必须存在且在售，金额和币种必须与套餐一致
func (s *LedgerService) CreatePending(ctx context.Context, req *CreatePendingRequest) (string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", newValidationError("userId", "不能为空")
	}

	method, ok := model.NormalizePaymentMethod(req.Method)
	if !ok {
		return "", newValidationError("method", fmt.Sprintf("不支持的支付方式: %s", req.Method))
	}

	if !req.Amount.IsPositive() {
		return "", newValidationError("amount", "必须大于0")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	var planID *string
	if req.PlanID != nil && *req.PlanID != "" {
		plan, err := s.catalog.GetPlan(ctx, *req.PlanID)
		if err != nil {
			if errors.Is(err, repository.ErrPlanNotFound) {
				return "", newValidationError("planId", "套餐不存在")
			}
			return "", fmt.Errorf("查询会员套餐失败: %w", err)
		}
		if !plan.Active {
			return "", newValidationError("planId", "套餐已下架")
		}
		if !plan.Price.Equal(req.Amount) {
			return "", newValidationError("amount", fmt.Sprintf("与套餐价格不一致，应为 %s", plan.Price.StringFixed(2)))
		}
		if currency == "" {
			currency = plan.Currency
		} else if currency != plan.Currency {
			return "", newValidationError("currency", fmt.Sprintf("与套餐币种不一致，应为 %s", plan.Currency))
		}
		id := plan.ID
		planID = &id
	}
	if currency == "" {
		currency = s.defaultCurrency
	}

	payment := &model.PaymentRecord{
		TransactionID:    s.newTxID(),
		UserID:           req.UserID,
		MembershipPlanID: planID,
		Amount:           req.Amount,
		Currency:         currency,
		Method:           method,
		Status:           model.PaymentStatusPending,
	}
	if err := s.paymentRepo.Create(ctx, nil, payment); err != nil {
		return "", fmt.Errorf("创建支付流水失败: %w", err)
	}

	s.log.InfoContext(ctx, "创建待支付流水",
		slog.String("transaction_id", payment.TransactionID),
		slog.String("user_id", payment.UserID),
		slog.String("plan_id", payment.PlanID()),
		slog.String("amount", payment.Amount.String()),
		slog.String("method", payment.Method),
	)
	return payment.TransactionID, nil
}

// FindByTransactionID 按交易号查询，不存在时返回 ErrUnknownTransaction
func (s *LedgerService) FindByTransactionID(ctx context.Context, transactionID string) (*model.PaymentRecord, error) {
	payment, err := s.paymentRepo.GetByTransactionID(ctx, nil, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
		}
		return nil, fmt.Errorf("查询支付流水失败: %w", err)
	}
	return payment, nil
}

// FindForUser 只返回属于该用户的流水，别人的交易号按不存在处理
func (s *LedgerService) FindForUser(ctx context.Context, userID, transactionID string) (*model.PaymentRecord, error) {
	payment, err := s.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	return payment, nil
}

// TransitionStatus 唯一的状态变更入口
//
// 【关键点】必须在调用方的事务 tx 中执行，与会员变更一起提交或一起回滚。
// fromStatus 是调用方加锁读到的状态，条件更新失败返回 repository.ErrPaymentStatusConflict。
func (s *LedgerService) TransitionStatus(ctx context.Context, tx *gorm.DB, transactionID, fromStatus, toStatus string, payload datatypes.JSON) (*model.PaymentRecord, error) {
	if tx == nil {
		return nil, errors.New("TransitionStatus 必须在事务中调用")
	}
	if err := s.paymentRepo.UpdateStatus(ctx, tx, transactionID, fromStatus, toStatus, payload); err != nil {
		return nil, err
	}
	return s.paymentRepo.GetByTransactionID(ctx, tx, transactionID)
}

func (s *LedgerService) ListUserPayments(ctx context.Context, userID string, page, pageSize int) ([]*model.PaymentRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.paymentRepo.ListByUserID(ctx, userID, page, pageSize)
}
