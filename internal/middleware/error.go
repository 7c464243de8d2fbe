package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rtsync/internal/service"
)

// ErrorHandler 错误处理中间件
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// 记录panic错误
				logrus.WithFields(logrus.Fields{
					"panic":     err,
					"path":      c.Request.URL.Path,
					"method":    c.Request.Method,
					"client_ip": c.ClientIP(),
				}).Error("服务器panic")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "内部服务器错误",
					"message": "服务器遇到了意外错误，请稍后重试",
					"code":    http.StatusInternalServerError,
				})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()
		status, title := classify(err)

		entry := logrus.WithFields(logrus.Fields{
			"error":     err.Error(),
			"status":    status,
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
			"client_ip": c.ClientIP(),
		})
		if status >= http.StatusInternalServerError {
			entry.Error("请求处理错误")
		} else {
			entry.Warn("请求被拒绝")
		}

		message := err.Error()
		if status == http.StatusInternalServerError {
			message = "服务器处理请求时发生错误"
		}
		if c.Writer.Written() {
			return
		}
		c.JSON(status, gin.H{
			"error":   title,
			"message": message,
			"code":    status,
		})
	}
}

func classify(err *gin.Error) (int, string) {
	if err.Type == gin.ErrorTypeBind {
		return http.StatusBadRequest, "请求数据格式错误"
	}
	status, title := StatusFor(err.Err)
	if status == http.StatusInternalServerError && err.Type == gin.ErrorTypePublic {
		return http.StatusBadRequest, "请求错误"
	}
	return status, title
}

// StatusFor 把服务层错误映射为HTTP状态码和错误标题
func StatusFor(err error) (int, string) {
	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "请求数据校验失败"
	case service.IsAuthError(err):
		return http.StatusUnauthorized, "认证失败"
	case errors.Is(err, service.ErrSubscriptionNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrRecordNotFound):
		return http.StatusNotFound, "资源不存在"
	case errors.Is(err, service.ErrStaleVersion):
		return http.StatusConflict, "版本冲突"
	case errors.Is(err, service.ErrNotConnected),
		errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable, "同步服务不可用"
	default:
		return http.StatusInternalServerError, "内部服务器错误"
	}
}
