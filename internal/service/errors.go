package service

import (
	"errors"
	"strings"

	"customerledger/internal/repository"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// 入参校验类错误：请求被拒绝，不落任何数据
var (
	ErrInvalidAmount   = errors.New("金额必须大于0")
	ErrInvalidCurrency = errors.New("币种必须是 ISO-4217 三位大写字母")
	ErrInvalidPosting  = errors.New("交易类型与方向/对手账户组合不合法")
	ErrInvalidChannel  = errors.New("渠道不合法")
	ErrMissingOperator = errors.New("缺少操作人标识")
)

// ErrStorageConflict 存储层冲突重试耗尽后才对外抛出
var ErrStorageConflict = errors.New("存储冲突，重试已耗尽")

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// isRetryableConflict 判断错误是否属于可内部重试的存储冲突
// 覆盖 MySQL 的锁等待超时/死锁、sqlite 的 busy，以及余额行的并发修改
func isRetryableConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, repository.ErrStaleBalance) {
		return true
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrLockWaitTimeout || mysqlErr.Number == mysqlErrDeadlock
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
