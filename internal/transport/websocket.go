package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketOptions 连接参数
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
}

// DefaultWebSocketOptions 默认连接参数
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        512 * 1024, // 512KB
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
	}
}

// WebSocketDialer 基于gorilla/websocket的Dialer
type WebSocketDialer struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
}

// NewWebSocketDialer 创建WebSocket拨号器
func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	def := DefaultWebSocketOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	return &WebSocketDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Dial 建立连接并启动读循环和ping循环
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header, h Handler) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &wsConn{
		ws:      ws,
		handler: h,
		opts:    d.opts,
		done:    make(chan struct{}),
	}
	ws.SetReadLimit(d.opts.ReadLimit)
	ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	})

	go c.readPump()
	go c.pingPump()

	logrus.WithField("url", redactURL(url)).Debug("WebSocket连接已建立")
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	handler Handler
	opts    WebSocketOptions

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// Send 发送一帧文本消息
func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并释放连接
func (c *wsConn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *wsConn) stop() {
	c.once.Do(func() { close(c.done) })
}

// readPump 读循环，连接断开时回调OnClose
func (c *wsConn) readPump() {
	defer c.stop()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Swap(true) {
				return
			}
			c.ws.Close()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.handler.OnClose(ce.Code, ce.Text)
				return
			}
			c.handler.OnError(err)
			c.handler.OnClose(CloseAbnormal, err.Error())
			return
		}
		c.handler.OnMessage(data)
	}
}

// pingPump 定期发送ping维持连接
func (c *wsConn) pingPump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logrus.WithError(err).Warn("发送ping失败")
				return
			}
		case <-c.done:
			return
		}
	}
}

// redactURL 日志中去掉查询参数里的token
func redactURL(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}
