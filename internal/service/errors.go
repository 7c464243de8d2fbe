package service

import (
	"errors"
	"fmt"
	"time"

	"rtsync/internal/model"
)

// 哨兵错误
var (
	ErrNotConnected         = errors.New("连接未建立")
	ErrConnectInProgress    = errors.New("连接正在建立中")
	ErrConnectCanceled      = errors.New("连接已被取消")
	ErrSubscriptionNotFound = errors.New("订阅不存在")
	ErrMessageNotFound      = errors.New("消息不存在")
	ErrRecordNotFound       = errors.New("离线记录不存在")
	ErrClosed               = errors.New("管道已关闭")
)

// TransportError 传输层故障，触发重连
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("传输错误(%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError 凭证被拒绝，不自动重试
type AuthError struct {
	Code   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("认证失败(%s): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("认证失败(%s): %s", e.Code, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError 消息格式不合法
type ValidationError struct {
	Direction string // inbound 或 outbound
	Field     string
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s消息校验失败", e.Direction)
	if e.Field != "" {
		msg += fmt.Sprintf("，字段%s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TimeoutError 连接超时或ack超时
type TimeoutError struct {
	Op        string
	MessageID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s超时(%s): 消息%s", e.Op, e.After, e.MessageID)
	}
	return fmt.Sprintf("%s超时(%s)", e.Op, e.After)
}

// Timeout 满足net.Error风格的判断
func (e *TimeoutError) Timeout() bool { return true }

// DeliveryFailure 消息重试次数耗尽
type DeliveryFailure struct {
	Message  model.QueuedMessage
	Attempts int
	Err      error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("消息%s投递失败，已尝试%d次: %v", e.Message.Envelope.ID, e.Attempts, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// QuotaError 订阅超出速率限制
type QuotaError struct {
	SubscriptionID string
	EventType      model.EventType
	Limit          int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("订阅%s超出速率限制(%d/s)，事件%s被丢弃", e.SubscriptionID, e.Limit, e.EventType)
}

// IsAuthError 判断err是否为认证错误
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
