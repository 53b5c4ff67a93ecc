// Package ws 提供WebSocket transport：客户端拨号端点与服务端连接封装
package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn WebSocket连接抽象，便于测试替身
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// GorillaConn 适配gorilla/websocket到Conn接口
type GorillaConn struct {
	*websocket.Conn
}

// 确保GorillaConn实现了Conn接口
var _ Conn = (*GorillaConn)(nil)

// NewGorillaConn 创建一个新的gorilla适配器
func NewGorillaConn(conn *websocket.Conn) *GorillaConn {
	return &GorillaConn{Conn: conn}
}

// IsCloseError 判断错误是否为特定的关闭错误码
func IsCloseError(err error, codes ...int) bool {
	return websocket.IsCloseError(err, codes...)
}

// IsNormalClose 判断是否为正常关闭
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
