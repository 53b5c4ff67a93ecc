package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lsm/neokai/internal/hub"
	"github.com/lsm/neokai/internal/metrics"
	"github.com/lsm/neokai/internal/protocol"
)

// ServerConn 服务端侧的单个客户端连接。读写各一个goroutine，
// 出站经有界队列缓冲，队列满时CanAccept返回false由路由器跳过。
type ServerConn struct {
	id   string
	conn Conn
	cfg  Config

	out        chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	onEnvelope func(*protocol.Envelope)
	onClose    func(string)
}

// 编译期确认实现了路由契约
var (
	_ hub.ClientConnection = (*ServerConn)(nil)
	_ hub.AcceptChecker    = (*ServerConn)(nil)
)

// NewServerConn 包装一条已升级的WebSocket连接并启动读写循环。
// onEnvelope在读goroutine内被调用，onClose在连接终止时恰好调用一次。
func NewServerConn(id string, conn Conn, cfg Config, onEnvelope func(*protocol.Envelope), onClose func(string)) *ServerConn {
	c := &ServerConn{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		out:        make(chan []byte, cfg.SendQueueSize),
		done:       make(chan struct{}),
		onEnvelope: onEnvelope,
		onClose:    onClose,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// ID 客户端标识
func (c *ServerConn) ID() string {
	return c.id
}

// Send 序列化信封并入队。队列满或连接已关闭时返回错误，
// 不阻塞调用方。
func (c *ServerConn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrTransportClosed
	default:
		return ErrSendQueueFull
	}
}

// IsOpen 连接是否仍然可用
func (c *ServerConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// CanAccept 发送队列是否还有余量，满时路由器会跳过本连接
func (c *ServerConn) CanAccept() bool {
	return len(c.out) < cap(c.out)
}

func (c *ServerConn) readLoop() {
	defer c.shutdown()

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !IsNormalClose(err) {
				slog.Warn("client read failed", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		env, ok := protocol.Decode(data)
		if !ok {
			slog.Warn("dropping undecodable frame from client", "client_id", c.id, "bytes", len(data))
			metrics.EnvelopeDropped()
			continue
		}
		env.FromClient = c.id
		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

func (c *ServerConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("client write failed", "client_id", c.id, "error", err)
				c.shutdown()
				return
			}
		}
	}
}

func (c *ServerConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c.id)
		}
	})
}

// Close 主动断开客户端
func (c *ServerConn) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown()
}
