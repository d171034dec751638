package handler

import (
	"errors"
	"strconv"
	"time"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/lock"
	"customerledger/internal/model"
	"customerledger/internal/repository"
	"customerledger/internal/service"
	"customerledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	postingService     *service.PostingService
	settlementService  *service.SettlementService
	transactionService *service.TransactionService
	statsService       *service.StatsService
	reconcileService   *service.ReconcileService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, locks lock.Factory, cfg *config.Config) *Handler {
	return &Handler{
		postingService:     service.NewPostingService(db, locks, cfg),
		settlementService:  service.NewSettlementService(db, locks, cfg),
		transactionService: service.NewTransactionService(db),
		statsService:       service.NewStatsService(db, cfg),
		reconcileService:   service.NewReconcileService(db, cfg),
	}
}

// ============================================================
// 入账接口
// ============================================================

// CreateTransactionRequest 入账请求
type CreateTransactionRequest struct {
	CustomerID        int64             `json:"customer_id" binding:"required"`
	Type              string            `json:"type" binding:"required"`
	Direction         string            `json:"direction" binding:"required"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency" binding:"required"`
	Channel           string            `json:"channel" binding:"required"`
	CounterAccount    string            `json:"counter_account" binding:"required"`
	ReferenceID       string            `json:"reference_id"` // 幂等键，建议调用方总是携带
	RelatedEntityType string            `json:"related_entity_type"`
	RelatedEntityID   string            `json:"related_entity_id"`
	Description       string            `json:"description"`
	Metadata          map[string]string `json:"metadata"`
}

// CreateTransaction 入账
// POST /api/v1/transaction/create
//
// 【关键点】入账是整个系统最核心的操作，需要保证：
// 1. 幂等性：相同的 (customer_id, type, reference_id) 只会生效一次
// 2. 原子性：流水落库、余额应用、状态终结、账本事件同时成功或同时失败
// 3. 失败可审计：余额不足时流水以 FAILED 落库并返回失败原因
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	postingReq := &service.PostingRequest{
		CustomerID:        req.CustomerID,
		Type:              req.Type,
		Direction:         req.Direction,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Channel:           req.Channel,
		CounterAccount:    req.CounterAccount,
		ReferenceID:       req.ReferenceID,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		Description:       req.Description,
		Metadata:          req.Metadata,
		OperatorID:        operatorFrom(c),
	}

	result, err := h.postingService.Post(c.Request.Context(), postingReq)
	if err != nil {
		h.writePostingError(c, err)
		return
	}

	if result.Transaction.Status == model.TransactionStatusFailed {
		response.BusinessError(c, response.CodeInsufficientBalance,
			result.Transaction.FailureReason, result.Transaction)
		return
	}

	response.Success(c, result)
}

func (h *Handler) writePostingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCurrency),
		errors.Is(err, service.ErrInvalidChannel),
		errors.Is(err, service.ErrInvalidPosting),
		errors.Is(err, service.ErrMissingOperator):
		response.Error(c, response.CodeValidationError, err.Error())
	case errors.Is(err, service.ErrStorageConflict):
		response.Error(c, response.CodeStorageConflict, err.Error())
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.Error(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidStateTransition):
		response.Error(c, response.CodeInvalidStateTransition, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 状态流转接口
// ============================================================

// UpdateStatusRequest 状态流转请求
type UpdateStatusRequest struct {
	TransactionNo string     `json:"transaction_no" binding:"required"`
	TargetStatus  string     `json:"target_status" binding:"required"`
	FailureReason string     `json:"failure_reason"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// UpdateTransactionStatus 状态流转（异步结算确认 / 冲正）
// POST /api/v1/transaction/status
func (h *Handler) UpdateTransactionStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.settlementService.UpdateStatus(c.Request.Context(), &service.StatusUpdateRequest{
		TransactionNo: req.TransactionNo,
		TargetStatus:  req.TargetStatus,
		FailureReason: req.FailureReason,
		ProcessedAt:   req.ProcessedAt,
		OperatorID:    operatorFrom(c),
	})
	if err != nil {
		h.writePostingError(c, err)
		return
	}

	if result.Transaction.Status == model.TransactionStatusFailed &&
		req.TargetStatus == model.TransactionStatusCompleted {
		response.BusinessError(c, response.CodeInsufficientBalance,
			result.Transaction.FailureReason, result.Transaction)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 查询接口
// ============================================================

// GetTransaction 查询流水详情
// GET /api/v1/transaction/detail?transaction_no=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	transactionNo := c.Query("transaction_no")
	if transactionNo == "" {
		response.ParamError(c, "transaction_no 参数不能为空")
		return
	}

	txn, err := h.transactionService.GetByTransactionNo(c.Request.Context(), transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			response.Error(c, response.CodeTransactionNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, txn)
}

// ListTransactions 查询流水列表
// GET /api/v1/transaction/list?customer_id=&type=&status=&direction=&currency=
//
//	&amount_min=&amount_max=&created_from=&created_to=
//	&related_entity_type=&related_entity_id=
//	&page=1&page_size=10&sort_by=created_at&order=desc
func (h *Handler) ListTransactions(c *gin.Context) {
	filter, err := parseListFilter(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.ParamError(c, "page 参数错误")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if err != nil {
		response.ParamError(c, "page_size 参数错误")
		return
	}

	sortBy := c.DefaultQuery("sort_by", "created_at")
	if !repository.IsAllowedSortColumn(sortBy) {
		response.ParamError(c, "sort_by 只支持 created_at / amount / status")
		return
	}
	ascending := c.DefaultQuery("order", "desc") == "asc"

	transactions, total, err := h.transactionService.List(c.Request.Context(), filter, page, pageSize, sortBy, ascending)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parseListFilter(c *gin.Context) (*repository.ListFilter, error) {
	filter := &repository.ListFilter{
		Type:              c.Query("type"),
		Status:            c.Query("status"),
		Direction:         c.Query("direction"),
		Currency:          c.Query("currency"),
		RelatedEntityType: c.Query("related_entity_type"),
		RelatedEntityID:   c.Query("related_entity_id"),
	}

	if raw := c.Query("customer_id"); raw != "" {
		customerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("customer_id 参数错误")
		}
		filter.CustomerID = &customerID
	}
	if raw := c.Query("amount_min"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.New("amount_min 参数错误")
		}
		filter.AmountMin = &amount
	}
	if raw := c.Query("amount_max"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.New("amount_max 参数错误")
		}
		filter.AmountMax = &amount
	}
	if raw := c.Query("created_from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("created_from 需要 RFC3339 格式")
		}
		filter.CreatedFrom = &t
	}
	if raw := c.Query("created_to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("created_to 需要 RFC3339 格式")
		}
		filter.CreatedTo = &t
	}

	return filter, nil
}

// GetBalance 查询余额投影
// GET /api/v1/balance/detail?customer_id=xxx&currency=USD
func (h *Handler) GetBalance(c *gin.Context) {
	customerID, err := strconv.ParseInt(c.Query("customer_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "customer_id 参数错误")
		return
	}
	currency := c.Query("currency")
	if currency == "" {
		response.ParamError(c, "currency 参数不能为空")
		return
	}

	balance, err := h.transactionService.GetBalance(c.Request.Context(), customerID, currency)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, balance)
}

// GetStats 统计汇总
// GET /api/v1/stats/summary?customer_id=&currency=&created_from=&created_to=
func (h *Handler) GetStats(c *gin.Context) {
	filter := &repository.StatsFilter{
		Currency: c.Query("currency"),
	}

	if raw := c.Query("customer_id"); raw != "" {
		customerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.ParamError(c, "customer_id 参数错误")
			return
		}
		filter.CustomerID = &customerID
	}
	if raw := c.Query("created_from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.ParamError(c, "created_from 需要 RFC3339 格式")
			return
		}
		filter.CreatedFrom = &t
	}
	if raw := c.Query("created_to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.ParamError(c, "created_to 需要 RFC3339 格式")
			return
		}
		filter.CreatedTo = &t
	}

	summary, err := h.statsService.Summarize(c.Request.Context(), filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, summary)
}

// ============================================================
// 对账接口
// ============================================================

// ReconcileRequest 对账请求
// customer_id + currency 同时给出时对单个账户对账，否则全量巡检
type ReconcileRequest struct {
	CustomerID int64  `json:"customer_id"`
	Currency   string `json:"currency"`
	Repair     bool   `json:"repair"`
}

// Reconcile 对账
// POST /api/v1/reconcile/execute
func (h *Handler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if req.CustomerID > 0 && req.Currency != "" {
		result, err := h.reconcileService.Reconcile(c.Request.Context(), req.CustomerID, req.Currency, req.Repair)
		if err != nil {
			response.ServerError(c, err.Error())
			return
		}
		response.Success(c, result)
		return
	}

	drifted, err := h.reconcileService.ReconcileAll(c.Request.Context(), req.Repair)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{
		"drifted_count": len(drifted),
		"drifted":       drifted,
	})
}
