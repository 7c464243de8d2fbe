package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 关闭码
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseAbnormal     = 1006
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("连接已关闭")

// Handler 接收传输层回调。同一连接的回调不会并发执行
type Handler interface {
	OnMessage(data []byte)
	OnClose(code int, reason string)
	OnError(err error)
}

// Conn 已建立的双向连接
type Conn interface {
	Send(data []byte) error
	// Close 主动关闭，之后不再回调Handler
	Close(code int, reason string) error
}

// Dialer 建立连接。ctx取消时放弃握手
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header, h Handler) (Conn, error)
}

// HandshakeError 握手阶段服务端返回的HTTP错误
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("握手失败(HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized 服务端拒绝了凭证
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsAuthCloseCode 服务端因认证失败关闭连接
func IsAuthCloseCode(code int) bool {
	return code == CloseUnauthorized || code == CloseForbidden
}
