package handler

import (
	"log"
	"net/http"
	"time"

	"customerledger/pkg/response"

	"github.com/gin-gonic/gin"
)

const operatorKey = "operator_id"

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Operator-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// OperatorMiddleware 操作人中间件
// 所有写接口必须携带 X-Operator-ID 请求头，落到流水的 operator_id 字段做审计；
// 身份认证本身由上游网关完成，这里只做归因
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		operatorID := c.GetHeader("X-Operator-ID")
		if operatorID == "" {
			response.Unauthorized(c, "缺少 X-Operator-ID 请求头")
			c.Abort()
			return
		}

		c.Set(operatorKey, operatorID)
		c.Next()
	}
}

func operatorFrom(c *gin.Context) string {
	return c.GetString(operatorKey)
}
