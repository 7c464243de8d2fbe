package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType 线路消息类型
type EnvelopeType string

// WebSocket消息类型
const (
	EnvelopeAuth         EnvelopeType = "auth"
	EnvelopeSubscribe    EnvelopeType = "subscribe"
	EnvelopeUnsubscribe  EnvelopeType = "unsubscribe"
	EnvelopeEvent        EnvelopeType = "event"
	EnvelopeHeartbeat    EnvelopeType = "heartbeat"
	EnvelopeAck          EnvelopeType = "ack"
	EnvelopeError        EnvelopeType = "error"
	EnvelopeSyncRequest  EnvelopeType = "sync.request"
	EnvelopeSyncResponse EnvelopeType = "sync.response"
)

// BatchType 批量事件载荷的type字段
const BatchType = "batch"

// Valid 判断消息类型是否属于协议定义的集合
func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopeAuth, EnvelopeSubscribe, EnvelopeUnsubscribe, EnvelopeEvent,
		EnvelopeHeartbeat, EnvelopeAck, EnvelopeError, EnvelopeSyncRequest, EnvelopeSyncResponse:
		return true
	}
	return false
}

// Envelope 表示一帧线路消息，发送后不可再修改
type Envelope struct {
	ID          string          `json:"id"`
	Type        EnvelopeType    `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
}

// Payload 是各消息类型的载荷。每个载荷只属于一种消息类型。
type Payload interface {
	EnvelopeType() EnvelopeType
}

// AuthPayload 认证载荷，每个连接只发送一次
type AuthPayload struct {
	Token        string   `json:"token" validate:"required"`
	UserID       string   `json:"userId" validate:"required"`
	SessionID    string   `json:"sessionId" validate:"required"`
	Capabilities []string `json:"capabilities"`
}

// SubscribeFilters 订阅过滤条件
type SubscribeFilters struct {
	EventTypes []EventType `json:"eventTypes,omitempty"`
	Priority   Priority    `json:"priority,omitempty"`
}

// SubscribePayload 订阅载荷
type SubscribePayload struct {
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	Channels       []Channel        `json:"channels" validate:"required,min=1"`
	Filters        SubscribeFilters `json:"filters"`
}

// UnsubscribePayload 取消订阅载荷
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

// BatchPayload 批量发送时包装在event消息里的载荷
type BatchPayload struct {
	Type     string      `json:"type"`
	Messages []*Envelope `json:"messages"`
}

// HeartbeatPayload 心跳载荷，时间戳为毫秒
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// AckPayload 服务端确认载荷
type AckPayload struct {
	Status string `json:"status,omitempty"`
}

// ErrorPayload 服务端错误载荷
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SyncRequestPayload 重连后的追赶请求
type SyncRequestPayload struct {
	LastSync *time.Time `json:"lastSync,omitempty"`
}

// SyncResponsePayload 追赶响应，events中每一项都是一个DomainEvent
type SyncResponsePayload struct {
	Events []json.RawMessage `json:"events"`
}

func (AuthPayload) EnvelopeType() EnvelopeType         { return EnvelopeAuth }
func (SubscribePayload) EnvelopeType() EnvelopeType    { return EnvelopeSubscribe }
func (UnsubscribePayload) EnvelopeType() EnvelopeType  { return EnvelopeUnsubscribe }
func (BatchPayload) EnvelopeType() EnvelopeType        { return EnvelopeEvent }
func (HeartbeatPayload) EnvelopeType() EnvelopeType    { return EnvelopeHeartbeat }
func (AckPayload) EnvelopeType() EnvelopeType          { return EnvelopeAck }
func (ErrorPayload) EnvelopeType() EnvelopeType        { return EnvelopeError }
func (SyncRequestPayload) EnvelopeType() EnvelopeType  { return EnvelopeSyncRequest }
func (SyncResponsePayload) EnvelopeType() EnvelopeType { return EnvelopeSyncResponse }
func (DomainEvent) EnvelopeType() EnvelopeType         { return EnvelopeEvent }

// NewEnvelope 创建新的线路消息
func NewEnvelope(id string, ts time.Time, p Payload) (*Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("载荷序列化失败: %w", err)
	}
	return &Envelope{
		ID:        id,
		Type:      p.EnvelopeType(),
		Timestamp: ts.UTC(),
		Data:      data,
	}, nil
}

// NewAck 创建确认消息
func NewAck(id string, ts time.Time, replyTo string) *Envelope {
	env, _ := NewEnvelope(id, ts, AckPayload{Status: "ok"})
	env.ReplyTo = replyTo
	return env
}

// NewErrorMessage 创建错误消息
func NewErrorMessage(id string, ts time.Time, code, message, replyTo string) *Envelope {
	env, _ := NewEnvelope(id, ts, ErrorPayload{Code: code, Message: message})
	env.ReplyTo = replyTo
	return env
}

// Decode 把载荷解码到p，p的类型必须与消息类型一致
func (e *Envelope) Decode(p Payload) error {
	if p.EnvelopeType() != e.Type {
		return fmt.Errorf("载荷类型不匹配: 消息为%s, 载荷为%s", e.Type, p.EnvelopeType())
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("消息%s缺少data", e.ID)
	}
	return json.Unmarshal(e.Data, p)
}

// IsBatch 判断event消息是否为批量包装
func (e *Envelope) IsBatch() bool {
	if e.Type != EnvelopeEvent || len(e.Data) == 0 {
		return false
	}
	var probe struct {
		Type     string          `json:"type"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return false
	}
	return probe.Type == BatchType && len(probe.Messages) > 0
}
