package hub

import (
	"context"

	"github.com/lsm/neokai/internal/protocol"
)

// ConnectionState transport连接状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // 未连接
	StateConnecting                          // 连接中
	StateConnected                          // 已连接
)

// String 返回状态的可读名称
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport 是hub与具体连接实现之间的双工通道契约。
// 同一个hub上可以同时注册多个transport（例如WebSocket与进程内测试transport）。
type Transport interface {
	// Send 序列化并发送信封
	Send(ctx context.Context, env *protocol.Envelope) error

	// OnMessage 注册入站信封回调，返回取消函数
	OnMessage(fn func(env *protocol.Envelope)) (unsub func())

	// OnConnectionChange 注册连接状态变化回调，返回取消函数
	OnConnectionChange(fn func(state ConnectionState)) (unsub func())

	// IsReady 判断transport是否就绪可发送
	IsReady() bool

	// State 返回当前连接状态
	State() ConnectionState
}

// ClientDisconnectNotifier 服务端transport的可选扩展：
// 一个transport实例上复用多个远端客户端时，通过该回调通知单个客户端断开。
type ClientDisconnectNotifier interface {
	OnClientDisconnect(fn func(clientID string)) (unsub func())
}
