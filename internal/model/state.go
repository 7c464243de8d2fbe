package model

import (
	"time"
)

// Status 连接状态
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// ConnectionState 连接状态快照，只由ConnectionManager修改
type ConnectionState struct {
	Status            Status     `json:"status"`
	LastConnectedAt   *time.Time `json:"lastConnectedAt,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	LatencyMs         *int64     `json:"latencyMs,omitempty"`
	BytesSent         int64      `json:"bytesSent"`
	BytesReceived     int64      `json:"bytesReceived"`
	MessagesSent      int64      `json:"messagesSent"`
	MessagesReceived  int64      `json:"messagesReceived"`
}

// Priority 消息/订阅优先级
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid 判断优先级是否合法
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Rank 数值越大越优先，未知优先级按normal处理
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// QueuedMessage 出站消息及其队列元数据
type QueuedMessage struct {
	Envelope   *Envelope `json:"envelope"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
	Seq        uint64    `json:"seq"`
	// Dispatched 已交给连接发送，等待ack
	Dispatched bool   `json:"dispatched"`
	LastError  string `json:"lastError,omitempty"`
}

// SubscriptionConfig 订阅配置，由调用方持有并显式释放
type SubscriptionConfig struct {
	Channels           []Channel   `json:"channels"`
	EventTypes         []EventType `json:"eventTypes,omitempty"`
	Priority           Priority    `json:"priority"`
	MaxEventsPerSecond int         `json:"maxEventsPerSecond"`
	BufferSize         int         `json:"bufferSize"`

	// OnEvent 命中该订阅的事件回调，可为空
	OnEvent func(DomainEvent) `json:"-"`
}

// Origin 离线记录来源
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// SyncState 离线记录同步状态
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncSent     SyncState = "sent"
	SyncSynced   SyncState = "synced"
	SyncConflict SyncState = "conflict"
)

// OfflineRecord 断线期间产生的事件
type OfflineRecord struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Event     DomainEvent `json:"event"`
	QueuedAt  time.Time   `json:"queuedAt"`
	Origin    Origin      `json:"origin"`
	SyncState SyncState   `json:"syncState"`
	// ServerVersion 冲突时缓存中的服务端版本
	ServerVersion int64 `json:"serverVersion,omitempty"`
	// Forced 冲突被调用方确认后强制重放
	Forced bool `json:"forced,omitempty"`
	// Priority和NoAck 记录时的发布参数，重放时沿用
	Priority Priority `json:"priority,omitempty"`
	NoAck    bool     `json:"noAck,omitempty"`
	// MessageID 重放后等待ack的消息id
	MessageID string `json:"messageId,omitempty"`
}

// CacheEntry 缓存条目，version单调递增
type CacheEntry[T any] struct {
	Key       string    `json:"key"`
	Value     T         `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
	Tags      []string  `json:"tags,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}
