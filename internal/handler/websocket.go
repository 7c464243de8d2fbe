package handler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rtsync/internal/middleware"
	"rtsync/internal/model"
	"rtsync/internal/service"
)

const (
	pingPeriod   = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 512 * 1024 // 512KB
	sendBuffer   = 256
)

// 本地客户端帧类型
const (
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	framePublish      = "publish"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	framePublished    = "published"
	frameEvent        = "event"
	frameError        = "error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// CORS检查在中间件中处理，这里允许所有来源
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// clientFrame 本地客户端发来的帧
type clientFrame struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"requestId,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Channels       []model.Channel    `json:"channels,omitempty"`
	EventTypes     []model.EventType  `json:"eventTypes,omitempty"`
	Priority       model.Priority     `json:"priority,omitempty"`
	Event          *model.DomainEvent `json:"event,omitempty"`
}

// serverFrame 推送给本地客户端的帧
type serverFrame struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"requestId,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Event          *model.DomainEvent `json:"event,omitempty"`
	Receipt        *service.Receipt   `json:"receipt,omitempty"`
	Code           int                `json:"code,omitempty"`
	Message        string             `json:"message,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// wsClient 一个本地WebSocket客户端及其持有的订阅
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan serverFrame
	closing chan struct{}
	done    chan struct{}

	mu   sync.Mutex
	subs map[string]struct{}
}

type WebSocketHandler struct {
	pipeline *service.Pipeline
}

func NewWebSocketHandler(pipeline *service.Pipeline) *WebSocketHandler {
	return &WebSocketHandler{pipeline: pipeline}
}

// HandleWebSocket 处理本地WebSocket连接。认证由BridgeAuth中间件完成
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("WebSocket升级失败")
		return
	}

	client := &wsClient{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan serverFrame, sendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[string]struct{}),
	}
	logrus.WithFields(logrus.Fields{
		"client_id": client.id,
		"client_ip": c.ClientIP(),
	}).Info("本地客户端已连接")

	// 设置连接参数
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.readLoop(c.Request.Context(), client)
	h.writeLoop(client)

	close(client.closing)
	conn.Close()
	<-client.done
	h.release(client)
}

// writeLoop 唯一的写协程，负责推送帧和定期ping
func (h *WebSocketHandler) writeLoop(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case frame := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(frame); err != nil {
				logrus.WithField("client_id", client.id).WithError(err).Error("发送消息失败")
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logrus.WithField("client_id", client.id).WithError(err).Error("发送ping失败")
				return
			}
		}
	}
}

// readLoop 处理客户端消息，退出时关闭done
func (h *WebSocketHandler) readLoop(ctx context.Context, client *wsClient) {
	defer close(client.done)
	for {
		var frame clientFrame
		if err := client.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithField("client_id", client.id).WithError(err).Warn("WebSocket连接异常关闭")
			}
			return
		}
		h.processFrame(ctx, client, &frame)
	}
}

// processFrame 处理具体消息
func (h *WebSocketHandler) processFrame(ctx context.Context, client *wsClient, frame *clientFrame) {
	logrus.WithFields(logrus.Fields{
		"client_id":  client.id,
		"type":       frame.Type,
		"request_id": frame.RequestID,
	}).Debug("收到客户端消息")

	switch frame.Type {
	case frameSubscribe:
		h.handleSubscribe(client, frame)
	case frameUnsubscribe:
		h.handleUnsubscribe(client, frame)
	case framePublish:
		h.handlePublish(ctx, client, frame)
	default:
		h.sendError(client, frame.RequestID, http.StatusBadRequest, "不支持的消息类型: "+frame.Type)
	}
}

// handleSubscribe 订阅管道频道，命中的事件推送给该客户端
func (h *WebSocketHandler) handleSubscribe(client *wsClient, frame *clientFrame) {
	var subID atomic.Value
	id, err := h.pipeline.Subscribe(frame.Channels, model.SubscriptionConfig{
		EventTypes: frame.EventTypes,
		Priority:   frame.Priority,
		BufferSize: sendBuffer,
		OnEvent: func(e model.DomainEvent) {
			id, _ := subID.Load().(string)
			h.push(client, serverFrame{Type: frameEvent, SubscriptionID: id, Event: &e})
		},
	})
	if err != nil {
		h.sendFailure(client, frame.RequestID, err)
		return
	}
	subID.Store(id)

	client.mu.Lock()
	client.subs[id] = struct{}{}
	client.mu.Unlock()

	h.reply(client, serverFrame{Type: frameSubscribed, RequestID: frame.RequestID, SubscriptionID: id})
}

// handleUnsubscribe 只能取消本客户端创建的订阅
func (h *WebSocketHandler) handleUnsubscribe(client *wsClient, frame *clientFrame) {
	client.mu.Lock()
	_, owned := client.subs[frame.SubscriptionID]
	delete(client.subs, frame.SubscriptionID)
	client.mu.Unlock()

	if !owned {
		h.sendFailure(client, frame.RequestID, service.ErrSubscriptionNotFound)
		return
	}
	if err := h.pipeline.Unsubscribe(frame.SubscriptionID); err != nil {
		h.sendFailure(client, frame.RequestID, err)
		return
	}
	h.reply(client, serverFrame{Type: frameUnsubscribed, RequestID: frame.RequestID, SubscriptionID: frame.SubscriptionID})
}

// handlePublish 通过管道发布事件
func (h *WebSocketHandler) handlePublish(ctx context.Context, client *wsClient, frame *clientFrame) {
	if frame.Event == nil {
		h.sendError(client, frame.RequestID, http.StatusBadRequest, "缺少事件数据")
		return
	}
	var opts []service.PublishOption
	if frame.Priority != "" {
		opts = append(opts, service.WithPriority(frame.Priority))
	}
	receipt, err := h.pipeline.PublishEvent(ctx, *frame.Event, opts...)
	if err != nil {
		h.sendFailure(client, frame.RequestID, err)
		return
	}
	h.reply(client, serverFrame{Type: framePublished, RequestID: frame.RequestID, Receipt: &receipt})
}

// release 断开后取消该客户端的全部订阅
func (h *WebSocketHandler) release(client *wsClient) {
	client.mu.Lock()
	subs := client.subs
	client.subs = nil
	client.mu.Unlock()

	for id := range subs {
		if err := h.pipeline.Unsubscribe(id); err != nil {
			logrus.WithField("subscription_id", id).WithError(err).Debug("订阅已不存在")
		}
	}
	logrus.WithFields(logrus.Fields{
		"client_id":     client.id,
		"subscriptions": len(subs),
	}).Info("本地客户端已断开")
}

// reply 应答帧，写协程退出后放弃
func (h *WebSocketHandler) reply(client *wsClient, frame serverFrame) {
	frame.Timestamp = time.Now().UTC()
	select {
	case client.send <- frame:
	case <-client.closing:
	}
}

// push 事件帧不阻塞管道，缓冲满时丢弃
func (h *WebSocketHandler) push(client *wsClient, frame serverFrame) {
	frame.Timestamp = time.Now().UTC()
	select {
	case client.send <- frame:
	default:
		logrus.WithFields(logrus.Fields{
			"client_id":       client.id,
			"subscription_id": frame.SubscriptionID,
		}).Warn("客户端发送缓冲已满，丢弃事件")
	}
}

func (h *WebSocketHandler) sendFailure(client *wsClient, requestID string, err error) {
	status, _ := middleware.StatusFor(err)
	h.sendError(client, requestID, status, err.Error())
}

// sendError 发送错误消息
func (h *WebSocketHandler) sendError(client *wsClient, requestID string, code int, message string) {
	logrus.WithFields(logrus.Fields{
		"client_id": client.id,
		"code":      code,
		"message":   message,
	}).Warn("发送错误消息")

	h.reply(client, serverFrame{Type: frameError, RequestID: requestID, Code: code, Message: message})
}
