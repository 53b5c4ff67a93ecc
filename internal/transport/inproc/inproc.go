// Package inproc 提供进程内参考transport：一对互联的端点，
// 信封经过一次序列化往返后按FIFO投递给对端。用于测试和同进程嵌入。
package inproc

import (
	"context"
	"errors"
	"sync"

	"github.com/lsm/neokai/internal/hub"
	"github.com/lsm/neokai/internal/protocol"
)

var (
	ErrNotReady = errors.New("inproc transport not ready")
	ErrClosed   = errors.New("inproc transport closed")
)

// Transport 进程内端点。NewPair返回的两个端点互为对端。
type Transport struct {
	mu        sync.Mutex
	peer      *Transport
	state     hub.ConnectionState
	nextID    uint64
	msgSubs   map[uint64]func(*protocol.Envelope)
	stateSubs map[uint64]func(hub.ConnectionState)

	queue     chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newTransport() *Transport {
	t := &Transport{
		state:     hub.StateConnected,
		msgSubs:   make(map[uint64]func(*protocol.Envelope)),
		stateSubs: make(map[uint64]func(hub.ConnectionState)),
		queue:     make(chan *protocol.Envelope, 64),
		done:      make(chan struct{}),
	}
	go t.deliverLoop()
	return t
}

// NewPair 创建一对互联端点，双方初始状态都是已连接
func NewPair() (*Transport, *Transport) {
	a := newTransport()
	b := newTransport()
	a.peer = b
	b.peer = a
	return a, b
}

// deliverLoop 单goroutine顺序消费队列，保证每个端点内的FIFO投递
func (t *Transport) deliverLoop() {
	for {
		select {
		case <-t.done:
			return
		case env := <-t.queue:
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
	}
}

// Send 序列化信封并投入对端队列。往返一次编解码，
// 模拟真实线路并切断与发送方内存的共享。
func (t *Transport) Send(ctx context.Context, env *protocol.Envelope) error {
	if !t.IsReady() {
		return ErrNotReady
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	decoded, ok := protocol.Decode(data)
	if !ok {
		return errors.New("inproc: envelope failed wire validation")
	}

	peer := t.peer
	select {
	case peer.queue <- decoded:
		return nil
	case <-peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage 注册入站信封回调
func (t *Transport) OnMessage(fn func(*protocol.Envelope)) func() {
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
func (t *Transport) OnConnectionChange(fn func(hub.ConnectionState)) func() {
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

// IsReady 是否就绪可发送
func (t *Transport) IsReady() bool {
	return t.State() == hub.StateConnected
}

// State 当前连接状态
func (t *Transport) State() hub.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState 测试钩子：切换连接状态并触发状态回调，
// 可用来模拟断线与重连。
func (t *Transport) SetState(state hub.ConnectionState) {
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

	for _, fn := range subs {
		fn(state)
	}
}

// Close 关闭端点，之后的Send返回ErrClosed
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.SetState(hub.StateDisconnected)
		close(t.done)
	})
}

// 编译期确认实现了transport契约
var _ hub.Transport = (*Transport)(nil)
