package handler

import (
	"customerledger/internal/config"
	"customerledger/internal/infrastructure/lock"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, locks lock.Factory, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, locks, cfg)

	// API 路由组，写接口统一要求 X-Operator-ID
	api := r.Group("/api/v1")
	api.Use(OperatorMiddleware())
	{
		// 流水相关
		transaction := api.Group("/transaction")
		{
			transaction.POST("/create", h.CreateTransaction)
			transaction.POST("/status", h.UpdateTransactionStatus)
			transaction.GET("/detail", h.GetTransaction)
			transaction.GET("/list", h.ListTransactions)
		}

		// 余额相关
		balance := api.Group("/balance")
		{
			balance.GET("/detail", h.GetBalance)
		}

		// 统计相关
		stats := api.Group("/stats")
		{
			stats.GET("/summary", h.GetStats)
		}

		// 对账相关
		reconcile := api.Group("/reconcile")
		{
			reconcile.POST("/execute", h.Reconcile)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
