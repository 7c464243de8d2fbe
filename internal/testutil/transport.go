package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"rtsync/internal/model"
	"rtsync/internal/transport"
)

// FakeDialer 内存中的Dialer，记录每次拨号并返回FakeConn
type FakeDialer struct {
	mu      sync.Mutex
	errs    []error
	block   int
	blocked chan struct{}
	conns   []*FakeConn
	urls    []string
	headers []http.Header
}

// NewFakeDialer 创建假拨号器
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{blocked: make(chan struct{}, 16)}
}

// FailNext 接下来的拨号依次返回这些错误
func (d *FakeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// BlockNext 接下来n次拨号阻塞到ctx取消
func (d *FakeDialer) BlockNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block += n
}

// Blocked 每次拨号进入阻塞时收到一个通知
func (d *FakeDialer) Blocked() <-chan struct{} {
	return d.blocked
}

// Dial 实现transport.Dialer
func (d *FakeDialer) Dial(ctx context.Context, url string, header http.Header, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	if d.block > 0 {
		d.block--
		d.mu.Unlock()
		d.blocked <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := &FakeConn{handler: h}
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials 拨号次数
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// URLs 每次拨号使用的地址
func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns 成功建立的连接
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last 最近一次建立的连接
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// FakeConn 记录发送的帧，并允许测试注入服务端消息
type FakeConn struct {
	mu        sync.Mutex
	handler   transport.Handler
	sent      [][]byte
	sendErr   error
	closed    bool
	closeCode int
}

// Send 实现transport.Conn
func (c *FakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// Close 实现transport.Conn
func (c *FakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	return nil
}

// FailSends 之后的Send都返回err
func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Closed 连接是否被客户端关闭，以及关闭码
func (c *FakeConn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// Sent 已发送的原始帧
func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Envelopes 已发送帧解码后的结果，解码失败的帧被跳过
func (c *FakeConn) Envelopes() []*model.Envelope {
	var out []*model.Envelope
	for _, raw := range c.Sent() {
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, &env)
		}
	}
	return out
}

// OfType 按类型过滤已发送的消息
func (c *FakeConn) OfType(t model.EnvelopeType) []*model.Envelope {
	var out []*model.Envelope
	for _, env := range c.Envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Reset 清空已发送记录
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// Deliver 模拟服务端下发一帧
func (c *FakeConn) Deliver(data []byte) {
	c.handler.OnMessage(data)
}

// DeliverEnvelope 模拟服务端下发一条消息
func (c *FakeConn) DeliverEnvelope(env *model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	c.Deliver(data)
}

// ServerClose 模拟服务端关闭连接
func (c *FakeConn) ServerClose(code int, reason string) {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
	c.handler.OnClose(code, reason)
}
