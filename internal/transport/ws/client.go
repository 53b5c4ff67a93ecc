package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lsm/neokai/internal/hub"
	"github.com/lsm/neokai/internal/metrics"
	"github.com/lsm/neokai/internal/protocol"
	"github.com/lsm/neokai/internal/utils"
)

var (
	ErrTransportClosed = errors.New("websocket transport closed")
	ErrNotReady        = errors.New("websocket transport not ready")
	ErrSendQueueFull   = errors.New("websocket send queue full")
)

// ClientTransport 客户端WebSocket端点。断线后自动以指数退避重连，
// 重连成功会触发connected状态回调，由hub据此重建订阅。
type ClientTransport struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      Conn
	state     hub.ConnectionState
	nextID    uint64
	msgSubs   map[uint64]func(*protocol.Envelope)
	stateSubs map[uint64]func(hub.ConnectionState)
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// 编译期确认实现了transport契约
var _ hub.Transport = (*ClientTransport)(nil)

// Dial 建立WebSocket连接并返回transport
func Dial(ctx context.Context, url string, cfg Config) (*ClientTransport, error) {
	t := &ClientTransport{
		url: url,
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state:     hub.StateConnecting,
		msgSubs:   make(map[uint64]func(*protocol.Envelope)),
		stateSubs: make(map[uint64]func(hub.ConnectionState)),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		t.cancel()
		return nil, err
	}
	t.attach(NewGorillaConn(conn))
	return t, nil
}

// attach 接管一条新连接并启动读循环
func (t *ClientTransport) attach(conn Conn) {
	conn.SetReadLimit(t.cfg.ReadLimit)
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setState(hub.StateConnected)
	go t.readLoop(conn)
}

func (t *ClientTransport) readLoop(conn Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !IsNormalClose(err) {
				slog.Warn("websocket read failed", "url", t.url, "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))

		env, ok := protocol.Decode(data)
		if !ok {
			slog.Warn("dropping undecodable frame", "url", t.url, "bytes", len(data))
			metrics.EnvelopeDropped()
			continue
		}
		t.fanout(env)
	}

	_ = conn.Close()
	t.setState(hub.StateDisconnected)

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		go t.reconnect()
	}
}

func (t *ClientTransport) fanout(env *protocol.Envelope) {
	t.mu.Lock()
	subs := make([]func(*protocol.Envelope), 0, len(t.msgSubs))
	for _, fn := range t.msgSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
}

// reconnect 指数退避重连。每次尝试间退避×1.5直到上限。
func (t *ClientTransport) reconnect() {
	t.setState(hub.StateConnecting)

	var conn *websocket.Conn
	err := utils.RetryWithBackoff(t.ctx, "websocket redial",
		t.cfg.ReconnectMaxRetries, t.cfg.ReconnectInitialBackoff, t.cfg.ReconnectMaxBackoff,
		func() error {
			c, _, dialErr := t.dialer.DialContext(t.ctx, t.url, nil)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		})
	if err != nil {
		slog.Error("websocket reconnect gave up", "url", t.url, "error", err)
		metrics.RecordCriticalError("websocket_reconnect_failed")
		t.setState(hub.StateDisconnected)
		return
	}
	slog.Info("websocket reconnected", "url", t.url)
	t.attach(NewGorillaConn(conn))
}

// Send 序列化并写出信封。gorilla连接同一时刻只允许一个写入方，
// 写操作由互斥锁串行化。
func (t *ClientTransport) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.state != hub.StateConnected || t.conn == nil {
		return ErrNotReady
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// OnMessage 注册入站信封回调
func (t *ClientTransport) OnMessage(fn func(*protocol.Envelope)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.msgSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.msgSubs, id)
	}
}

// OnConnectionChange 注册连接状态变化回调
func (t *ClientTransport) OnConnectionChange(fn func(hub.ConnectionState)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.stateSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.stateSubs, id)
	}
}

func (t *ClientTransport) setState(state hub.ConnectionState) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	subs := make([]func(hub.ConnectionState), 0, len(t.stateSubs))
	for _, fn := range t.stateSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	slog.Debug("websocket state changed", "url", t.url, "state", state.String())
	for _, fn := range subs {
		fn(state)
	}
}

// IsReady 是否就绪可发送
func (t *ClientTransport) IsReady() bool {
	return t.State() == hub.StateConnected
}

// State 当前连接状态
func (t *ClientTransport) State() hub.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close 关闭transport，停止重连
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	t.setState(hub.StateDisconnected)
	return nil
}
