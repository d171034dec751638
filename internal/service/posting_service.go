package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/lock"
	"customerledger/internal/model"
	"customerledger/internal/repository"
	"customerledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// PostingService 入账服务
//
// 一次入账是一个事务单元：幂等保留（INSERT PENDING）-> 业务校验 ->
// 余额应用 -> 状态终结 -> 账本事件，要么全部提交要么全部回滚。
// 唯一的例外是"余额不足"：此时流水以 FAILED 落库（余额不动），事务照常提交，
// 让重试方拿到可审计的失败结果而不是反复重放。
type PostingService struct {
	db              *gorm.DB
	locks           lock.Factory
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
	outboxRepo      *repository.OutboxRepository
}

func NewPostingService(db *gorm.DB, locks lock.Factory, cfg *config.Config) *PostingService {
	return &PostingService{
		db:              db,
		locks:           locks,
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// PostingRequest 入账请求
type PostingRequest struct {
	CustomerID        int64             `json:"customer_id"`
	Type              string            `json:"type"`
	Direction         string            `json:"direction"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Channel           string            `json:"channel"`
	CounterAccount    string            `json:"counter_account"`
	ReferenceID       string            `json:"reference_id,omitempty"` // 幂等键，可空
	RelatedEntityType string            `json:"related_entity_type,omitempty"`
	RelatedEntityID   string            `json:"related_entity_id,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	OperatorID        string            `json:"-"` // 审计，来自请求头
}

// PostingResult 入账结果
type PostingResult struct {
	Transaction *model.CustomerTransaction `json:"transaction"`
	Replayed    bool                       `json:"replayed"` // 幂等命中，返回的是已存在的流水
}

func (s *PostingService) validate(req *PostingRequest) error {
	if req.OperatorID == "" {
		return ErrMissingOperator
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !currencyPattern.MatchString(req.Currency) {
		return ErrInvalidCurrency
	}
	if !model.IsValidChannel(req.Channel) {
		return ErrInvalidChannel
	}
	if !model.IsValidPosting(req.Type, req.Direction, req.CounterAccount) {
		return fmt.Errorf("%w: type=%s direction=%s counter_account=%s",
			ErrInvalidPosting, req.Type, req.Direction, req.CounterAccount)
	}
	return nil
}

// Post 记录一笔入账
//
// 校验不过的请求直接拒绝，不留任何痕迹；通过校验后 INSERT PENDING 行即完成
// 幂等保留，唯一索引冲突说明是重放，改查已存在的流水原样返回。
func (s *PostingService) Post(ctx context.Context, req *PostingRequest) (*PostingResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	// 幂等快路径：锁外先查一次，重放请求不必抢锁
	if req.ReferenceID != "" {
		existing, err := s.transactionRepo.GetByReference(ctx, nil, req.CustomerID, req.Type, req.ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("查询幂等键失败: %w", err)
		}
		if existing != nil {
			return &PostingResult{Transaction: existing, Replayed: true}, nil
		}
	}

	rule, _ := model.RuleFor(req.Type, req.Direction)

	txn := &model.CustomerTransaction{
		TransactionNo:     idgen.GenerateTransactionNo(),
		CustomerID:        req.CustomerID,
		Type:              req.Type,
		Direction:         req.Direction,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Status:            model.TransactionStatusPending,
		Channel:           req.Channel,
		CounterAccount:    req.CounterAccount,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		Description:       req.Description,
		Metadata:          req.Metadata,
		OperatorID:        req.OperatorID,
	}
	if req.ReferenceID != "" {
		referenceID := req.ReferenceID
		txn.ReferenceID = &referenceID
	}

	// 同一 (customer_id, currency) 的入账串行化，减少数据库行锁竞争
	mutex := s.locks.PostingMutex(req.CustomerID, req.Currency, txn.TransactionNo)
	if err := mutex.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer mutex.Unlock(ctx)

	var result *PostingResult
	var err error
	for attempt := 0; attempt < s.cfg.Business.MaxApplyRetries; attempt++ {
		result, err = s.postOnce(ctx, txn, rule)
		if !isRetryableConflict(err) {
			break
		}
		log.Printf("入账遇到存储冲突，准备重试: transactionNo=%s, attempt=%d, err=%v",
			txn.TransactionNo, attempt+1, err)
	}
	if isRetryableConflict(err) {
		return nil, fmt.Errorf("%w: transactionNo=%s, customerID=%d", ErrStorageConflict, txn.TransactionNo, req.CustomerID)
	}
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		log.Printf("入账完成: transactionNo=%s, customerID=%d, type=%s, direction=%s, amount=%s %s, status=%s",
			result.Transaction.TransactionNo, req.CustomerID, req.Type, req.Direction,
			req.Amount.String(), req.Currency, result.Transaction.Status)
	}
	return result, nil
}

// postOnce 单次事务单元执行，可被外层冲突重试
func (s *PostingService) postOnce(ctx context.Context, txn *model.CustomerTransaction, rule model.PostingRule) (*PostingResult, error) {
	var result *PostingResult

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// 幂等保留：这条 INSERT 本身就是保留动作，冲突即重放
		if err := s.transactionRepo.Create(ctx, tx, txn); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) && txn.ReferenceID != nil {
				existing, qerr := s.transactionRepo.GetByReference(ctx, tx, txn.CustomerID, txn.Type, *txn.ReferenceID)
				if qerr != nil {
					return qerr
				}
				if existing != nil {
					result = &PostingResult{Transaction: existing, Replayed: true}
					return nil
				}
			}
			return fmt.Errorf("写入流水失败: %w", err)
		}

		finalized, err := s.finalize(ctx, tx, txn, rule)
		if err != nil {
			return err
		}
		result = &PostingResult{Transaction: finalized}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// finalize 在事务内应用余额并终结状态：COMPLETED 或 FAILED
// 余额不足不是事务失败：流水转 FAILED 落库，余额保持不动
func (s *PostingService) finalize(ctx context.Context, tx *gorm.DB, txn *model.CustomerTransaction, rule model.PostingRule) (*model.CustomerTransaction, error) {
	if _, err := s.balanceRepo.GetOrCreate(ctx, tx, txn.CustomerID, txn.Currency); err != nil {
		return nil, fmt.Errorf("初始化余额账户失败: %w", err)
	}

	delta := txn.SignedDelta()
	guard := delta.IsNegative() && !rule.AllowOverdraft

	err := s.balanceRepo.ApplyDelta(ctx, tx, txn.CustomerID, txn.Currency, delta, txn.TransactionNo, guard)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return s.markFailed(ctx, tx, txn, "余额不足，DEBIT 被拒绝")
	}
	if err != nil {
		return nil, err
	}

	balance, err := s.balanceRepo.Get(ctx, tx, txn.CustomerID, txn.Currency)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	balanceAfter := balance.Balance
	balanceBefore := balanceAfter.Sub(delta)
	extra := map[string]interface{}{
		"balance_before": balanceBefore,
		"balance_after":  balanceAfter,
		"processed_at":   &now,
	}
	if err := s.transactionRepo.UpdateStatus(ctx, tx, txn.TransactionNo,
		model.TransactionStatusPending, model.TransactionStatusCompleted, extra); err != nil {
		return nil, fmt.Errorf("终结流水状态失败: %w", err)
	}

	txn.Status = model.TransactionStatusCompleted
	txn.BalanceBefore = balanceBefore
	txn.BalanceAfter = balanceAfter
	txn.ProcessedAt = &now

	if err := s.emitEvent(ctx, tx, model.LedgerEventCompleted, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostingService) markFailed(ctx context.Context, tx *gorm.DB, txn *model.CustomerTransaction, reason string) (*model.CustomerTransaction, error) {
	now := time.Now()
	extra := map[string]interface{}{
		"failure_reason": reason,
		"processed_at":   &now,
	}
	if err := s.transactionRepo.UpdateStatus(ctx, tx, txn.TransactionNo,
		model.TransactionStatusPending, model.TransactionStatusFailed, extra); err != nil {
		return nil, fmt.Errorf("标记流水失败状态失败: %w", err)
	}

	txn.Status = model.TransactionStatusFailed
	txn.FailureReason = reason
	txn.ProcessedAt = &now

	if err := s.emitEvent(ctx, tx, model.LedgerEventFailed, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// emitEvent 在业务事务内写入账本事件，由 OutboxSender 异步投递
func (s *PostingService) emitEvent(ctx context.Context, tx *gorm.DB, event string, txn *model.CustomerTransaction) error {
	payload := map[string]interface{}{
		"event":          event,
		"transaction_no": txn.TransactionNo,
		"customer_id":    txn.CustomerID,
		"type":           txn.Type,
		"direction":      txn.Direction,
		"amount":         txn.Amount.String(),
		"currency":       txn.Currency,
		"status":         txn.Status,
		"occurred_at":    time.Now().Format(time.RFC3339),
	}
	if txn.FailureReason != "" {
		payload["failure_reason"] = txn.FailureReason
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: txn.TransactionNo,
		Topic:      s.cfg.Kafka.Topic.LedgerEvents,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入账本事件失败: %w", err)
	}
	return nil
}
