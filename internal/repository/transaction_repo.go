package repository

import (
	"context"
	"errors"
	"time"

	"customerledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound    = errors.New("流水不存在")
	ErrInvalidStateTransition = errors.New("状态流转不合法")
)

// sortColumns 列表查询允许的排序字段白名单，避免无索引全表扫描
var sortColumns = map[string]string{
	"created_at": "created_at",
	"amount":     "amount",
	"status":     "status",
}

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 插入流水
//
// 【关键点】幂等保留位就是这一条 INSERT：(customer_id, type, reference_id)
// 唯一索引冲突时返回 gorm.ErrDuplicatedKey，由调用方改查已存在的流水返回。
// 不做"先查后插"式去重，并发下那样有竞态。
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CustomerTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.CustomerTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CustomerTransaction
	err := tx.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// GetByReference 按幂等键查询，未命中返回 nil（不是错误）
func (r *TransactionRepository) GetByReference(ctx context.Context, tx *gorm.DB, customerID int64, transactionType, referenceID string) (*model.CustomerTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CustomerTransaction
	err := tx.WithContext(ctx).
		Where("customer_id = ? AND type = ? AND reference_id = ?", customerID, transactionType, referenceID).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// UpdateStatus 状态流转，CAS 写法
//
// WHERE 带上当前状态，RowsAffected=0 即说明状态已被并发修改或流转非法，
// 金额等财务字段在这里永远不会被更新。
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, transactionNo, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrInvalidStateTransition
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}
	if _, ok := updates["processed_at"]; !ok {
		now := time.Now()
		updates["processed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.CustomerTransaction{}).
		Where("transaction_no = ? AND status = ?", transactionNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrInvalidStateTransition
	}

	return nil
}

// ============================================================
// 列表查询
// ============================================================

// ListFilter 流水列表过滤条件，零值字段不参与过滤
type ListFilter struct {
	CustomerID        *int64
	Type              string
	Status            string
	Direction         string
	Currency          string
	AmountMin         *decimal.Decimal
	AmountMax         *decimal.Decimal
	CreatedFrom       *time.Time
	CreatedTo         *time.Time
	RelatedEntityType string
	RelatedEntityID   string
}

func (r *TransactionRepository) applyFilter(query *gorm.DB, filter *ListFilter) *gorm.DB {
	if filter.CustomerID != nil {
		query = query.Where("customer_id = ?", *filter.CustomerID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Direction != "" {
		query = query.Where("direction = ?", filter.Direction)
	}
	if filter.Currency != "" {
		query = query.Where("currency = ?", filter.Currency)
	}
	if filter.AmountMin != nil {
		query = query.Where("amount >= ?", *filter.AmountMin)
	}
	if filter.AmountMax != nil {
		query = query.Where("amount <= ?", *filter.AmountMax)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at < ?", *filter.CreatedTo)
	}
	if filter.RelatedEntityType != "" {
		query = query.Where("related_entity_type = ?", filter.RelatedEntityType)
	}
	if filter.RelatedEntityID != "" {
		query = query.Where("related_entity_id = ?", filter.RelatedEntityID)
	}
	return query
}

// List 分页查询流水
// sortBy 只接受白名单字段，非法值回退 created_at
func (r *TransactionRepository) List(ctx context.Context, filter *ListFilter, page, pageSize int, sortBy string, ascending bool) ([]*model.CustomerTransaction, int64, error) {
	var transactions []*model.CustomerTransaction
	var total int64

	query := r.applyFilter(r.db.WithContext(ctx).Model(&model.CustomerTransaction{}), filter)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	column, ok := sortColumns[sortBy]
	if !ok {
		column = "created_at"
	}
	order := column + " DESC"
	if ascending {
		order = column + " ASC"
	}

	err := query.
		Order(order).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// IsAllowedSortColumn 供入参校验使用
func IsAllowedSortColumn(sortBy string) bool {
	_, ok := sortColumns[sortBy]
	return ok
}

// ============================================================
// 对账与统计
// ============================================================

// SumCompletedDelta 按流水重算余额：Σ CREDIT − Σ DEBIT（只算 COMPLETED）
func (r *TransactionRepository) SumCompletedDelta(ctx context.Context, customerID int64, currency string) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal
	}
	err := r.db.WithContext(ctx).
		Model(&model.CustomerTransaction{}).
		Select("COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END), 0) AS total", model.DirectionCredit).
		Where("customer_id = ? AND currency = ? AND status = ?", customerID, currency, model.TransactionStatusCompleted).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

// GroupTotal 一个分组键上的笔数与金额合计
type GroupTotal struct {
	Key    string          `gorm:"column:group_key"`
	Count  int64           `gorm:"column:cnt"`
	Amount decimal.Decimal `gorm:"column:total"`
}

// StatsFilter 统计过滤条件
type StatsFilter struct {
	CustomerID  *int64
	Currency    string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// GroupBy 按指定列（status/type/direction）汇总笔数与金额
func (r *TransactionRepository) GroupBy(ctx context.Context, column string, filter *StatsFilter) ([]GroupTotal, error) {
	groupColumn, ok := map[string]string{
		"status":    "status",
		"type":      "type",
		"direction": "direction",
	}[column]
	if !ok {
		return nil, errors.New("不支持的统计维度: " + column)
	}

	query := r.db.WithContext(ctx).
		Model(&model.CustomerTransaction{}).
		Select(groupColumn + " AS group_key, COUNT(*) AS cnt, COALESCE(SUM(amount), 0) AS total").
		Group(groupColumn)

	if filter != nil {
		if filter.CustomerID != nil {
			query = query.Where("customer_id = ?", *filter.CustomerID)
		}
		if filter.Currency != "" {
			query = query.Where("currency = ?", filter.Currency)
		}
		if filter.CreatedFrom != nil {
			query = query.Where("created_at >= ?", *filter.CreatedFrom)
		}
		if filter.CreatedTo != nil {
			query = query.Where("created_at < ?", *filter.CreatedTo)
		}
	}

	var rows []GroupTotal
	err := query.Scan(&rows).Error
	return rows, err
}
