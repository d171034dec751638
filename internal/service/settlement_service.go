package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/lock"
	"customerledger/internal/model"
	"customerledger/internal/repository"
	"customerledger/pkg/idgen"

	"gorm.io/gorm"
)

// SettlementService 状态终结与冲正服务
//
// 对外承接 updateTransactionStatus：只放行状态机允许的三条边
//   PENDING   -> COMPLETED  应用余额（异步结算确认，如支付回调）
//   PENDING   -> FAILED     记录失败原因，余额不动
//   COMPLETED -> REVERSED   冲正：原流水只改状态，另起一笔反向流水
// 其余任何流转一律拒绝且不产生副作用。
type SettlementService struct {
	db              *gorm.DB
	locks           lock.Factory
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
	outboxRepo      *repository.OutboxRepository
	posting         *PostingService
}

func NewSettlementService(db *gorm.DB, locks lock.Factory, cfg *config.Config) *SettlementService {
	return &SettlementService{
		db:              db,
		locks:           locks,
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		posting:         NewPostingService(db, locks, cfg),
	}
}

// StatusUpdateRequest 状态流转请求
type StatusUpdateRequest struct {
	TransactionNo string     `json:"transaction_no"`
	TargetStatus  string     `json:"target_status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	OperatorID    string     `json:"-"`
}

// StatusUpdateResult 状态流转结果
// 冲正时 Compensation 为新生成的反向流水
type StatusUpdateResult struct {
	Transaction  *model.CustomerTransaction `json:"transaction"`
	Compensation *model.CustomerTransaction `json:"compensation,omitempty"`
}

func (s *SettlementService) UpdateStatus(ctx context.Context, req *StatusUpdateRequest) (*StatusUpdateResult, error) {
	if req.OperatorID == "" {
		return nil, ErrMissingOperator
	}

	txn, err := s.transactionRepo.GetByTransactionNo(ctx, nil, req.TransactionNo)
	if err != nil {
		return nil, err
	}

	if !model.CanTransitionTo(txn.Status, req.TargetStatus) {
		return nil, fmt.Errorf("%w: transactionNo=%s, %s -> %s",
			repository.ErrInvalidStateTransition, txn.TransactionNo, txn.Status, req.TargetStatus)
	}

	mutex := s.locks.PostingMutex(txn.CustomerID, txn.Currency, txn.TransactionNo)
	if err := mutex.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer mutex.Unlock(ctx)

	var result *StatusUpdateResult
	for attempt := 0; attempt < s.cfg.Business.MaxApplyRetries; attempt++ {
		result, err = s.applyOnce(ctx, txn, req)
		if !isRetryableConflict(err) {
			break
		}
		log.Printf("状态流转遇到存储冲突，准备重试: transactionNo=%s, attempt=%d, err=%v",
			txn.TransactionNo, attempt+1, err)
	}
	if isRetryableConflict(err) {
		return nil, fmt.Errorf("%w: transactionNo=%s", ErrStorageConflict, txn.TransactionNo)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SettlementService) applyOnce(ctx context.Context, txn *model.CustomerTransaction, req *StatusUpdateRequest) (*StatusUpdateResult, error) {
	switch req.TargetStatus {
	case model.TransactionStatusCompleted:
		return s.settle(ctx, txn)
	case model.TransactionStatusFailed:
		return s.fail(ctx, txn, req.FailureReason, req.ProcessedAt)
	case model.TransactionStatusReversed:
		return s.reverse(ctx, txn, req.OperatorID, req.ProcessedAt)
	default:
		return nil, fmt.Errorf("%w: transactionNo=%s, %s -> %s",
			repository.ErrInvalidStateTransition, txn.TransactionNo, txn.Status, req.TargetStatus)
	}
}

// settle PENDING -> COMPLETED：与同步入账共用同一套余额应用/终结逻辑
func (s *SettlementService) settle(ctx context.Context, txn *model.CustomerTransaction) (*StatusUpdateResult, error) {
	rule, ok := model.RuleFor(txn.Type, txn.Direction)
	if !ok {
		// 历史数据规则缺失时按最严格策略处理
		rule = model.PostingRule{CounterAccount: txn.CounterAccount, AllowOverdraft: false}
	}

	var result *StatusUpdateResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		finalized, err := s.posting.finalize(ctx, tx, txn, rule)
		if err != nil {
			return err
		}
		result = &StatusUpdateResult{Transaction: finalized}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("结算确认完成: transactionNo=%s, status=%s", txn.TransactionNo, result.Transaction.Status)
	return result, nil
}

// fail PENDING -> FAILED：只记失败原因，余额不动
// processedAt 可由结算方给出（回调里带的结算时间），缺省取当前时间
func (s *SettlementService) fail(ctx context.Context, txn *model.CustomerTransaction, reason string, processedAt *time.Time) (*StatusUpdateResult, error) {
	if reason == "" {
		reason = "结算方确认失败"
	}
	if processedAt == nil {
		now := time.Now()
		processedAt = &now
	}

	var result *StatusUpdateResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		extra := map[string]interface{}{
			"failure_reason": reason,
			"processed_at":   processedAt,
		}
		if err := s.transactionRepo.UpdateStatus(ctx, tx, txn.TransactionNo,
			model.TransactionStatusPending, model.TransactionStatusFailed, extra); err != nil {
			return err
		}
		txn.Status = model.TransactionStatusFailed
		txn.FailureReason = reason
		txn.ProcessedAt = processedAt

		if err := s.posting.emitEvent(ctx, tx, model.LedgerEventFailed, txn); err != nil {
			return err
		}
		result = &StatusUpdateResult{Transaction: txn}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("结算确认失败入账: transactionNo=%s, reason=%s", txn.TransactionNo, reason)
	return result, nil
}

// reverse COMPLETED -> REVERSED
//
// 【关键点】冲正不修改原流水的任何财务字段，只把状态翻成 REVERSED；
// 经济影响由一笔全新的反向流水承担，两者在同一个事务里提交。
// 反向流水不做透支校验 —— 它在修正历史，必须无条件成立。
// processedAt 可由调用方给出，原流水和反向流水取同一个终态时间
func (s *SettlementService) reverse(ctx context.Context, original *model.CustomerTransaction, operatorID string, processedAt *time.Time) (*StatusUpdateResult, error) {
	if processedAt == nil {
		now := time.Now()
		processedAt = &now
	}

	referenceID := "REV-" + original.TransactionNo
	compensation := &model.CustomerTransaction{
		TransactionNo:     idgen.GenerateReversalNo(),
		CustomerID:        original.CustomerID,
		Type:              original.Type,
		Direction:         model.OppositeDirection(original.Direction),
		Amount:            original.Amount,
		Currency:          original.Currency,
		Status:            model.TransactionStatusPending,
		Channel:           model.ChannelSystem,
		CounterAccount:    original.CounterAccount,
		ReferenceID:       &referenceID,
		RelatedEntityType: "customer_transaction",
		RelatedEntityID:   original.TransactionNo,
		Description:       fmt.Sprintf("冲正-%s", original.TransactionNo),
		OperatorID:        operatorID,
	}

	var result *StatusUpdateResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 先 CAS 原流水，并发冲正在这里只会有一个赢家
		if err := s.transactionRepo.UpdateStatus(ctx, tx, original.TransactionNo,
			model.TransactionStatusCompleted, model.TransactionStatusReversed,
			map[string]interface{}{"processed_at": processedAt}); err != nil {
			return err
		}

		if err := s.transactionRepo.Create(ctx, tx, compensation); err != nil {
			return fmt.Errorf("写入冲正流水失败: %w", err)
		}

		delta := compensation.SignedDelta()
		if err := s.balanceRepo.ApplyDelta(ctx, tx, original.CustomerID, original.Currency,
			delta, compensation.TransactionNo, false); err != nil {
			if errors.Is(err, repository.ErrBalanceNotFound) {
				return fmt.Errorf("冲正目标余额账户不存在: customerID=%d, currency=%s",
					original.CustomerID, original.Currency)
			}
			return err
		}

		balance, err := s.balanceRepo.Get(ctx, tx, original.CustomerID, original.Currency)
		if err != nil {
			return err
		}
		balanceAfter := balance.Balance
		extra := map[string]interface{}{
			"balance_before": balanceAfter.Sub(delta),
			"balance_after":  balanceAfter,
			"processed_at":   processedAt,
		}
		if err := s.transactionRepo.UpdateStatus(ctx, tx, compensation.TransactionNo,
			model.TransactionStatusPending, model.TransactionStatusCompleted, extra); err != nil {
			return fmt.Errorf("终结冲正流水状态失败: %w", err)
		}

		compensation.Status = model.TransactionStatusCompleted
		compensation.BalanceBefore = balanceAfter.Sub(delta)
		compensation.BalanceAfter = balanceAfter
		compensation.ProcessedAt = processedAt

		original.Status = model.TransactionStatusReversed
		original.ProcessedAt = processedAt

		if err := s.posting.emitEvent(ctx, tx, model.LedgerEventReversed, compensation); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("冲正完成: originalNo=%s, compensationNo=%s, amount=%s %s",
		original.TransactionNo, compensation.TransactionNo,
		compensation.Amount.String(), compensation.Currency)

	result = &StatusUpdateResult{Transaction: original, Compensation: compensation}
	return result, nil
}
