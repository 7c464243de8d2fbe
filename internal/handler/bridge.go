package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rtsync/internal/model"
	"rtsync/internal/service"
	"rtsync/pkg/logger"
)

// ErrorLogSource 读取最近的警告及错误日志
type ErrorLogSource func(limit int) ([]logger.LogEntry, error)

// BridgeHandler 本地HTTP桥，把管道的发布、订阅和维护操作暴露给协作进程
type BridgeHandler struct {
	pipeline  *service.Pipeline
	errorLogs ErrorLogSource
}

func NewBridgeHandler(pipeline *service.Pipeline, errorLogs ErrorLogSource) *BridgeHandler {
	if errorLogs == nil {
		errorLogs = logger.GetErrorLogs
	}
	return &BridgeHandler{pipeline: pipeline, errorLogs: errorLogs}
}

type subscribeRequest struct {
	Channels           []model.Channel   `json:"channels" binding:"required,min=1"`
	EventTypes         []model.EventType `json:"eventTypes"`
	Priority           model.Priority    `json:"priority"`
	MaxEventsPerSecond int               `json:"maxEventsPerSecond" binding:"gte=0"`
	BufferSize         int               `json:"bufferSize" binding:"gte=0"`
}

type mutationRequest struct {
	Event model.DomainEvent `json:"event"`
	Value json.RawMessage   `json:"value" binding:"required"`
}

// State 连接、队列、缓存和离线记录的统计
func (h *BridgeHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Stats())
}

// PublishEvent 发布事件，支持priority和ack查询参数
func (h *BridgeHandler) PublishEvent(c *gin.Context) {
	var event model.DomainEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}
	opts, err := publishOptions(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	receipt, err := h.pipeline.PublishEvent(c.Request.Context(), event, opts...)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

// Mutate 乐观写入缓存并发布
func (h *BridgeHandler) Mutate(c *gin.Context) {
	var req mutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}
	opts, err := publishOptions(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	receipt, err := h.pipeline.Mutate(c.Request.Context(), req.Event, req.Value, opts...)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

// CacheEntry 读取缓存条目
func (h *BridgeHandler) CacheEntry(c *gin.Context) {
	entry, ok := h.pipeline.Cache().Entry(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "资源不存在",
			"message": "缓存条目不存在",
			"code":    http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Subscribe 创建订阅
func (h *BridgeHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		return
	}

	id, err := h.pipeline.Subscribe(req.Channels, model.SubscriptionConfig{
		EventTypes:         req.EventTypes,
		Priority:           req.Priority,
		MaxEventsPerSecond: req.MaxEventsPerSecond,
		BufferSize:         req.BufferSize,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscriptionId": id})
}

// Unsubscribe 取消订阅
func (h *BridgeHandler) Unsubscribe(c *gin.Context) {
	if err := h.pipeline.Unsubscribe(c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stream 以SSE推送命中临时订阅的事件，连接断开时取消订阅
func (h *BridgeHandler) Stream(c *gin.Context) {
	var channels []model.Channel
	for _, ch := range c.QueryArray("channel") {
		channels = append(channels, model.Channel(ch))
	}
	var types []model.EventType
	for _, t := range c.QueryArray("type") {
		types = append(types, model.EventType(t))
	}

	size := service.DefaultSubscriptionBuffer
	if raw := c.Query("buffer"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = c.Error(&service.ValidationError{Direction: "outbound", Field: "buffer", Reason: "must be a positive integer"})
			return
		}
		size = n
	}

	events := make(chan model.DomainEvent, size)
	id, err := h.pipeline.Subscribe(channels, model.SubscriptionConfig{
		EventTypes: types,
		BufferSize: size,
		OnEvent: func(e model.DomainEvent) {
			select {
			case events <- e:
			default:
				logrus.WithFields(logrus.Fields{
					"event_id":   e.ID,
					"event_type": e.Type,
				}).Warn("SSE缓冲已满，丢弃事件")
			}
		},
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer func() {
		if err := h.pipeline.Unsubscribe(id); err != nil {
			logrus.WithField("subscription_id", id).WithError(err).Debug("SSE订阅已不存在")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"subscription_id": id,
		"channels":        channels,
		"client_ip":       c.ClientIP(),
	}).Info("SSE客户端已连接")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("subscribed", gin.H{"subscriptionId": id})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-events:
			c.SSEvent("event", e)
			return true
		}
	})
	logrus.WithField("subscription_id", id).Info("SSE客户端已断开")
}

// FailedMessages 重试耗尽的消息
func (h *BridgeHandler) FailedMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.pipeline.Failed()})
}

// RetryMessage 手动重试一条失败消息
func (h *BridgeHandler) RetryMessage(c *gin.Context) {
	if err := h.pipeline.RetryMessage(c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "requeued"})
}

// Conflicts 离线重放时发生冲突的记录
func (h *BridgeHandler) Conflicts(c *gin.Context) {
	records, err := h.pipeline.Offline().Conflicts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if records == nil {
		records = []model.OfflineRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records})
}

// ResolveConflict 处理冲突记录，how为discard或force
func (h *BridgeHandler) ResolveConflict(c *gin.Context) {
	how := service.Resolution(c.Query("how"))
	if how != service.ResolveDiscard && how != service.ResolveForce {
		_ = c.Error(&service.ValidationError{Direction: "outbound", Field: "how", Reason: "must be discard or force"})
		return
	}
	if err := h.pipeline.ResolveConflict(c.Request.Context(), c.Param("id"), how); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "resolution": how})
}

// ErrorLogs 最近的警告及错误日志
func (h *BridgeHandler) ErrorLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = c.Error(&service.ValidationError{Direction: "outbound", Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	logs, err := h.errorLogs(limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if logs == nil {
		logs = []logger.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func publishOptions(c *gin.Context) ([]service.PublishOption, error) {
	var opts []service.PublishOption
	if raw := c.Query("priority"); raw != "" {
		p := model.Priority(raw)
		if !p.Valid() {
			return nil, &service.ValidationError{Direction: "outbound", Field: "priority", Reason: "must be low, normal or high"}
		}
		opts = append(opts, service.WithPriority(p))
	}
	if c.Query("ack") == "false" {
		opts = append(opts, service.WithoutAck())
	}
	return opts, nil
}
