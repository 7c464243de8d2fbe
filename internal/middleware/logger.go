package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader 请求id响应头
const RequestIDHeader = "X-Request-ID"

// RequestLogger 请求日志，按状态码选择日志级别
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		// 处理请求
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		// 根据状态码选择日志级别
		logLevel := logrus.DebugLevel
		if statusCode >= 400 && statusCode < 500 {
			logLevel = logrus.WarnLevel
		} else if statusCode >= 500 {
			logLevel = logrus.ErrorLevel
		}

		logrus.WithFields(logrus.Fields{
			"request_id":  requestID,
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
			"body_size":   c.Writer.Size(),
		}).Log(logLevel, "HTTP请求完成")
	}
}
