// Package hub 实现消息协议引擎：在途请求簿记、订阅状态、序列号跟踪、
// 递归保护与transport选择。客户端与服务端运行同一套引擎，
// 服务端行为（房间扇出）仅在挂载Router后启用。
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsm/neokai/internal/metrics"
	"github.com/lsm/neokai/internal/protocol"
)

var (
	ErrNotConnected       = errors.New("no transport is connected")
	ErrTooManyPending     = errors.New("too many pending calls")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrTransportNameTaken = errors.New("transport name already registered")
	ErrInvalidMethod      = errors.New("invalid method name")
	ErrHubClosed          = errors.New("hub closed")
)

// 保留方法名：由hub/router直接处理，不进入OnRequest处理器
const (
	MethodRoomJoin  = "room.join"
	MethodRoomLeave = "room.leave"
)

// SendOptions 请求/事件/订阅的可选参数
type SendOptions struct {
	Room    string        // 扇出目标房间，缺省时使用默认会话
	Timeout time.Duration // 等待RESPONSE/ACK的超时，0表示取配置默认值
}

type registeredTransport struct {
	name   string
	t      Transport
	unsubs []func()
}

// MessageHub 协议引擎。一个进程内可以存在多个互不干扰的实例，
// 所有计数器与状态都是实例字段，绝不做进程级全局量。
type MessageHub struct {
	cfg Config

	mu              sync.Mutex
	router          *Router
	transports      map[string]*registeredTransport
	order           []string // 注册顺序，主transport注销后按此顺序提升
	primary         string
	transportSeq    int
	pending         map[string]*pendingCall
	requestHandlers map[string]RequestHandler
	persisted       map[uint64]persistedSub
	closed          bool

	subs     *subscriptionSet
	inflight *inflightCache

	seq      atomic.Uint64 // 出站序列号，发送时填充
	seqMu    sync.Mutex
	expected map[string]uint64 // 对端键 → 下一个期望序列号

	depthMu    sync.Mutex
	eventDepth map[string]int // 信封id → 当前递归深度

	resubMu       sync.Mutex
	resubscribing bool
	resubQueue    []*protocol.Envelope
}

// NewMessageHub 创建协议引擎
func NewMessageHub(cfg Config) *MessageHub {
	cfg = cfg.normalize()
	return &MessageHub{
		cfg:             cfg,
		transports:      make(map[string]*registeredTransport),
		pending:         make(map[string]*pendingCall),
		requestHandlers: make(map[string]RequestHandler),
		persisted:       make(map[uint64]persistedSub),
		subs:            newSubscriptionSet(),
		inflight:        newInflightCache(cfg.MaxCacheSize, cfg.CacheTTL),
		expected:        make(map[string]uint64),
		eventDepth:      make(map[string]int),
	}
}

// AttachRouter 挂载服务端路由器。挂载后EVENT信封走房间扇出而不是transport。
func (h *MessageHub) AttachRouter(r *Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router = r
}

// Router 返回挂载的路由器，客户端hub返回nil
func (h *MessageHub) Router() *Router {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.router
}

// RegisterTransport 以唯一名称挂载transport。第一个注册的transport默认成为
// 主transport；重名注册返回命名冲突错误。返回的注销函数移除该transport，
// 若注销的是主transport则按注册顺序提升剩余的某一个，没有剩余则hub变为断连。
func (h *MessageHub) RegisterTransport(t Transport, name string, primary bool) (func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if name == "" {
		h.transportSeq++
		name = fmt.Sprintf("transport-%d", h.transportSeq)
	}
	if _, dup := h.transports[name]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransportNameTaken, name)
	}
	rt := &registeredTransport{name: name, t: t}
	h.transports[name] = rt
	h.order = append(h.order, name)
	if primary || h.primary == "" {
		h.primary = name
	}
	isPrimary := h.primary == name
	h.mu.Unlock()

	transportName := name
	unsubMsg := t.OnMessage(func(env *protocol.Envelope) {
		if env == nil {
			return
		}
		// 打上到达transport的标记，响应才能原路返回
		env.TransportName = transportName
		h.Dispatch(env)
	})
	unsubState := t.OnConnectionChange(func(state ConnectionState) {
		if state == StateConnected {
			h.onReconnected()
		}
	})
	rt.unsubs = []func(){unsubMsg, unsubState}
	if notifier, ok := t.(ClientDisconnectNotifier); ok {
		rt.unsubs = append(rt.unsubs, notifier.OnClientDisconnect(h.onClientDisconnect))
	}

	slog.Info("transport registered", "name", transportName, "primary", isPrimary)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.transports, transportName)
			for i, n := range h.order {
				if n == transportName {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
			if h.primary == transportName {
				h.primary = ""
				if len(h.order) > 0 {
					h.primary = h.order[0]
				}
			}
			promoted := h.primary
			h.mu.Unlock()

			for _, unsub := range rt.unsubs {
				unsub()
			}
			slog.Info("transport unregistered", "name", transportName, "promoted", promoted)
		})
	}, nil
}

// PrimaryTransport 当前主transport名称
func (h *MessageHub) PrimaryTransport() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.primary
}

// IsConnected 只要有任意一个transport就绪即视为已连接
func (h *MessageHub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rt := range h.transports {
		if rt.t.IsReady() {
			return true
		}
	}
	return false
}

// stamp 给出站信封分配下一个序列号。序列号只用于对端的乱序/空洞诊断，
// 不参与投递顺序保证。
func (h *MessageHub) stamp(env *protocol.Envelope) {
	env.Sequence = h.seq.Add(1)
}

// pickTransport 选择出站transport：优先信封自带的到达标记（原路返回），
// 其次主transport，最后任何一个就绪的transport。
func (h *MessageHub) pickTransport(env *protocol.Envelope) Transport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if env.TransportName != "" {
		if rt, ok := h.transports[env.TransportName]; ok {
			return rt.t
		}
	}
	if h.primary != "" {
		if rt, ok := h.transports[h.primary]; ok && rt.t.IsReady() {
			return rt.t
		}
	}
	for _, name := range h.order {
		if rt, ok := h.transports[name]; ok && rt.t.IsReady() {
			return rt.t
		}
	}
	return nil
}

// send 填充序列号并交给选中的transport
func (h *MessageHub) send(ctx context.Context, env *protocol.Envelope) error {
	t := h.pickTransport(env)
	if t == nil {
		return ErrNotConnected
	}
	h.stamp(env)
	return t.Send(ctx, env)
}

// marshalPayload 提前序列化负载，请求去重需要对字节做哈希
func marshalPayload(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

// Request 发送REQUEST并阻塞等待关联的RESPONSE。
// 断连或在途请求达到上限时立即失败，不发出任何信封。
// 相同的(method, 会话, 负载)在途时共享同一个结果，只占一条线上请求。
func (h *MessageHub) Request(ctx context.Context, method string, data any, opts SendOptions) (json.RawMessage, error) {
	if !protocol.ValidateMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	sessionID := opts.Room
	if sessionID == "" {
		sessionID = h.cfg.DefaultSessionID
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}

	if !h.IsConnected() {
		return nil, ErrNotConnected
	}

	// 在途去重：第二个相同请求搭第一个的车，不再发线上REQUEST
	key := requestKey(method, sessionID, raw)
	if call := h.inflight.get(key); call != nil {
		slog.Debug("joining in-flight request", "method", method, "session", sessionID)
		return call.wait(ctx)
	}

	env, err := protocol.NewRequest(sessionID, method, raw, opts.Room)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if len(h.pending) >= h.cfg.MaxPendingCalls {
		h.mu.Unlock()
		metrics.RecordError()
		return nil, fmt.Errorf("%w: %d in flight", ErrTooManyPending, h.cfg.MaxPendingCalls)
	}
	call := newPendingCall(env.Method, sessionID)
	call.dedupKey = key
	h.pending[env.ID] = call
	pendingCount := len(h.pending)
	h.mu.Unlock()

	h.inflight.put(key, call)
	metrics.PendingCalls(pendingCount)

	envID := env.ID
	call.timer = time.AfterFunc(timeout, func() {
		call.settle(nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout))
		h.removePending(envID, key)
	})

	start := time.Now()
	if err := h.send(ctx, env); err != nil {
		call.settle(nil, err)
		h.removePending(envID, key)
		return nil, err
	}
	metrics.RequestStarted()

	result, err := call.wait(ctx)
	metrics.RequestFinished(float64(time.Since(start).Milliseconds()))
	return result, err
}

// removePending 清除一次请求的全部簿记（pending表和去重缓存）
func (h *MessageHub) removePending(envID, dedupKey string) {
	h.mu.Lock()
	delete(h.pending, envID)
	pendingCount := len(h.pending)
	h.mu.Unlock()
	if dedupKey != "" {
		h.inflight.remove(dedupKey)
	}
	metrics.PendingCalls(pendingCount)
}

// PendingCount 当前在途请求数
func (h *MessageHub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Event 发送单向事件。本地订阅者立即可见；挂载了Router时向房间扇出，
// 否则交给transport。断连时静默丢弃——单向投递本就是尽力而为。
func (h *MessageHub) Event(method string, data any, opts SendOptions) error {
	if !protocol.ValidateMethod(method) {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	sessionID := opts.Room
	if sessionID == "" {
		sessionID = h.cfg.DefaultSessionID
	}
	env, err := protocol.NewEvent(sessionID, method, data, opts.Room)
	if err != nil {
		return err
	}

	// 本地先投递，发起方自己的订阅者不依赖网络往返
	h.dispatchEvent(context.Background(), env)

	if r := h.Router(); r != nil {
		h.stamp(env)
		r.RouteEvent(env)
		return nil
	}
	if !h.IsConnected() {
		return nil
	}
	if err := h.send(context.Background(), env); err != nil {
		slog.Debug("event send failed", "method", method, "error", err)
	}
	return nil
}

// OnEvent 注册本地事件处理器。与Subscribe不同：不发SUBSCRIBE、不等ACK、
// 也不参与重连重建，适合点对点的诊断类事件。
func (h *MessageHub) OnEvent(method string, handler EventHandler, opts SendOptions) (func(), error) {
	if !protocol.ValidateMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	room := opts.Room
	if room == "" {
		room = h.cfg.DefaultSessionID
	}
	token := h.subs.add(method, room, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subs.remove(method, room, token)
		})
	}, nil
}

// OnRequest 注册请求处理器。同一方法只保留一个处理器，
// 重复注册顶替旧处理器并记录日志。
func (h *MessageHub) OnRequest(method string, handler RequestHandler) (func(), error) {
	if !protocol.ValidateMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	h.mu.Lock()
	if _, exists := h.requestHandlers[method]; exists {
		slog.Info("replacing request handler", "method", method)
	}
	h.requestHandlers[method] = handler
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.requestHandlers, method)
		h.mu.Unlock()
	}, nil
}

// Subscribe 订阅事件。先做本地登记（本地产生的事件立即可见），
// 已连接时再发SUBSCRIBE等ACK，ACK失败则回滚本地登记；
// 未连接时降级为仅本地订阅，应用层可以在第一次连接建立前就订阅。
// 返回的取消函数发送UNSUBSCRIBE并等ACK，但无论ACK成败都做本地清理，
// 且重复调用是无害的空操作。
func (h *MessageHub) Subscribe(ctx context.Context, method string, handler EventHandler, opts SendOptions) (func(context.Context) error, error) {
	if !protocol.ValidateMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	room := opts.Room
	if room == "" {
		room = h.cfg.DefaultSessionID
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}

	token := h.subs.add(method, room, handler)
	h.mu.Lock()
	h.persisted[token] = persistedSub{method: method, room: room}
	h.mu.Unlock()

	if h.IsConnected() {
		env := protocol.NewSubscribe(room, method, room)
		if err := h.callAck(ctx, env, timeout); err != nil {
			h.subs.remove(method, room, token)
			h.mu.Lock()
			delete(h.persisted, token)
			h.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", method, err)
		}
	}

	var once sync.Once
	unsubscribe := func(ctx context.Context) error {
		var ackErr error
		once.Do(func() {
			if h.IsConnected() {
				env := protocol.NewUnsubscribe(room, method, room)
				if ackErr = h.callAck(ctx, env, timeout); ackErr != nil {
					slog.Warn("unsubscribe ack failed, cleaning up locally anyway",
						"method", method, "room", room, "error", ackErr)
				}
			}
			// 本地与远端状态不允许在错误时漂移：清理无条件执行
			h.subs.remove(method, room, token)
			h.mu.Lock()
			delete(h.persisted, token)
			h.mu.Unlock()
		})
		return ackErr
	}
	return unsubscribe, nil
}

// callAck 发送需要ACK的信封（SUBSCRIBE/UNSUBSCRIBE）并等待RESPONSE
func (h *MessageHub) callAck(ctx context.Context, env *protocol.Envelope, timeout time.Duration) error {
	h.mu.Lock()
	if len(h.pending) >= h.cfg.MaxPendingCalls {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d in flight", ErrTooManyPending, h.cfg.MaxPendingCalls)
	}
	call := newPendingCall(env.Method, env.SessionID)
	h.pending[env.ID] = call
	h.mu.Unlock()

	envID := env.ID
	call.timer = time.AfterFunc(timeout, func() {
		call.settle(nil, fmt.Errorf("%w: %s ack after %s", ErrRequestTimeout, env.Kind, timeout))
		h.removePending(envID, "")
	})

	if err := h.send(ctx, env); err != nil {
		call.settle(nil, err)
		h.removePending(envID, "")
		return err
	}
	_, err := call.wait(ctx)
	return err
}

// Dispatch 入站信封入口：transport的消息回调和服务端读循环都走这里。
// 非法信封静默丢弃（留日志），其余按类型分发；任何处理器抛出的东西
// 都不会逃出分发边界。
func (h *MessageHub) Dispatch(env *protocol.Envelope) {
	if !protocol.IsValidEnvelope(env) {
		slog.Warn("dropping invalid envelope")
		metrics.EnvelopeDropped()
		return
	}
	h.trackSequence(env)

	switch env.Kind {
	case protocol.KindResponse:
		h.handleResponse(env)
	case protocol.KindRequest:
		h.handleRequest(env)
	case protocol.KindEvent:
		h.handleEvent(env)
	case protocol.KindSubscribe:
		h.handleSubscribe(env)
	case protocol.KindUnsubscribe:
		h.handleUnsubscribe(env)
	case protocol.KindPing:
		h.respond(protocol.NewPong(env))
	case protocol.KindPong:
		// 接受并忽略：留作将来延迟统计的挂点
	}
}

// trackSequence 入站序列号诊断。低于期望记乱序，高于期望记空洞，
// 两种情况都只更新期望并照常投递——序列号永远不是投递闸门。
func (h *MessageHub) trackSequence(env *protocol.Envelope) {
	if env.Sequence == 0 {
		return
	}
	key := env.TransportName
	if env.FromClient != "" {
		key += "/" + env.FromClient
	}

	h.seqMu.Lock()
	expected, seen := h.expected[key]
	h.expected[key] = env.Sequence + 1
	h.seqMu.Unlock()

	if !seen {
		return
	}
	switch {
	case env.Sequence < expected:
		slog.Warn("out-of-order envelope", "peer", key, "sequence", env.Sequence, "expected", expected)
		metrics.SequenceAnomaly()
	case env.Sequence > expected:
		if h.cfg.WarnOnSequenceGap {
			slog.Warn("sequence gap detected", "peer", key, "gap", env.Sequence-expected,
				"sequence", env.Sequence, "expected", expected)
		}
		metrics.SequenceAnomaly()
	}
}

func (h *MessageHub) handleResponse(env *protocol.Envelope) {
	h.mu.Lock()
	call, ok := h.pending[env.RequestID]
	if ok {
		delete(h.pending, env.RequestID)
	}
	pendingCount := len(h.pending)
	h.mu.Unlock()

	if !ok {
		slog.Debug("response with no matching pending call", "request_id", env.RequestID, "method", env.Method)
		return
	}
	if call.dedupKey != "" {
		h.inflight.remove(call.dedupKey)
	}
	metrics.PendingCalls(pendingCount)

	if err := protocol.ResponseError(env); err != nil {
		call.settle(nil, err)
		return
	}
	call.settle(env.Data, nil)
}

// handleRequest 在独立goroutine里运行处理器：处理器可以阻塞，
// 但独立的请求彼此不串行。
func (h *MessageHub) handleRequest(env *protocol.Envelope) {
	go func() {
		if env.Method == MethodRoomJoin || env.Method == MethodRoomLeave {
			h.handleRoomControl(env)
			return
		}

		h.mu.Lock()
		handler, ok := h.requestHandlers[env.Method]
		h.mu.Unlock()
		if !ok {
			h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeUnknownMethod,
				fmt.Sprintf("no handler for method %s", env.Method)))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
		defer cancel()

		result, err := runRequestHandler(ctx, handler, env)
		if err != nil {
			// 处理器错误转为错误RESPONSE，绝不向transport层重抛
			h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeHandlerError, err.Error()))
			return
		}
		if result == nil {
			// 处理器没有返回值时自动回执
			result = map[string]bool{"acknowledged": true}
		}
		resp, mErr := protocol.NewResponse(env, result)
		if mErr != nil {
			h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeInvalidFormat, mErr.Error()))
			return
		}
		h.respond(resp)
	}()
}

// runRequestHandler 带panic边界地执行请求处理器
func runRequestHandler(ctx context.Context, handler RequestHandler, env *protocol.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

// handleRoomControl 处理保留方法room.join/room.leave
func (h *MessageHub) handleRoomControl(env *protocol.Envelope) {
	r := h.Router()
	if r == nil || env.FromClient == "" {
		h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeUnknownMethod,
			"room control requires a server-side router"))
		return
	}
	var req struct {
		Room string `json:"room"`
	}
	if err := env.DecodeData(&req); err != nil || req.Room == "" {
		h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeInvalidFormat, "room is required"))
		return
	}

	switch env.Method {
	case MethodRoomJoin:
		r.JoinRoom(env.FromClient, req.Room)
	case MethodRoomLeave:
		r.LeaveRoom(env.FromClient, req.Room)
	}
	resp, err := protocol.NewResponse(env, map[string]any{"room": req.Room, "ok": true})
	if err != nil {
		h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeInvalidFormat, err.Error()))
		return
	}
	h.respond(resp)
}

// respond 把RESPONSE送回请求来的那条路：服务端优先通过Router点对点发送，
// 否则用信封携带的到达transport标记原路返回。
func (h *MessageHub) respond(resp *protocol.Envelope) {
	if r := h.Router(); r != nil && resp.FromClient != "" {
		h.stamp(resp)
		if !r.SendToClient(resp.FromClient, resp) {
			slog.Debug("failed to respond, client gone", "client_id", resp.FromClient, "method", resp.Method)
		}
		return
	}
	if err := h.send(context.Background(), resp); err != nil {
		slog.Debug("failed to send response", "method", resp.Method, "error", err)
	}
}

// handleEvent 入站事件。重建订阅期间事件进入侧队列（之后整体丢弃），
// 服务端把来自客户端的事件继续向房间扇出，最后投递给本地订阅者。
func (h *MessageHub) handleEvent(env *protocol.Envelope) {
	h.resubMu.Lock()
	if h.resubscribing {
		h.resubQueue = append(h.resubQueue, env)
		h.resubMu.Unlock()
		return
	}
	h.resubMu.Unlock()

	if r := h.Router(); r != nil && env.FromClient != "" {
		h.stamp(env)
		r.RouteEvent(env)
	}
	h.dispatchEvent(context.Background(), env)
}

// dispatchEvent 把事件交给(method, 房间)匹配的本地订阅者。
// 递归保护：同一信封id的投递深度超过MaxEventDepth时拒绝投递，
// 防御同步重发同一事件的订阅者。
func (h *MessageHub) dispatchEvent(ctx context.Context, env *protocol.Envelope) {
	room := env.Room
	if room == "" {
		room = env.SessionID
	}
	handlers := h.subs.handlers(env.Method, room)
	if len(handlers) == 0 {
		return
	}

	if !h.enterEvent(env.ID) {
		slog.Error("event recursion depth exceeded, refusing delivery",
			"method", env.Method, "id", env.ID, "max", h.cfg.MaxEventDepth)
		metrics.EnvelopeDropped()
		return
	}
	defer h.leaveEvent(env.ID)

	if h.cfg.StopOnEventHandlerError {
		// 严格模式：串行执行，第一个错误即中止后续投递
		for _, handler := range handlers {
			if err := runEventHandler(ctx, handler, env); err != nil {
				slog.Error("event handler failed, stopping delivery", "method", env.Method, "error", err)
				metrics.RecordError()
				return
			}
		}
		return
	}

	// 默认模式：订阅者作为独立任务运行并各自等待完成，
	// 单个订阅者的失败只记日志，不阻塞也不跳过其他订阅者
	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(fn EventHandler) {
			defer wg.Done()
			if err := runEventHandler(ctx, fn, env); err != nil {
				slog.Error("event handler failed", "method", env.Method, "error", err)
				metrics.RecordError()
			}
		}(handler)
	}
	wg.Wait()
}

// runEventHandler 带panic边界地执行事件处理器
func runEventHandler(ctx context.Context, handler EventHandler, env *protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

func (h *MessageHub) enterEvent(id string) bool {
	h.depthMu.Lock()
	defer h.depthMu.Unlock()
	if h.eventDepth[id] >= h.cfg.MaxEventDepth {
		return false
	}
	h.eventDepth[id]++
	return true
}

func (h *MessageHub) leaveEvent(id string) {
	h.depthMu.Lock()
	defer h.depthMu.Unlock()
	if h.eventDepth[id] <= 1 {
		delete(h.eventDepth, id)
		return
	}
	h.eventDepth[id]--
}

// handleSubscribe 服务端：订阅即把来源客户端加入目标房间，然后回ACK
func (h *MessageHub) handleSubscribe(env *protocol.Envelope) {
	if r := h.Router(); r != nil && env.FromClient != "" {
		room := env.Room
		if room == "" {
			room = env.SessionID
		}
		r.JoinRoom(env.FromClient, room)
	}
	resp, err := protocol.NewResponse(env, map[string]bool{"subscribed": true})
	if err != nil {
		h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeInvalidFormat, err.Error()))
		return
	}
	h.respond(resp)
}

// handleUnsubscribe 服务端：回ACK。房间成员关系由room.leave或断连清理，
// 同一客户端可能还持有同房间其他方法的订阅。
func (h *MessageHub) handleUnsubscribe(env *protocol.Envelope) {
	resp, err := protocol.NewResponse(env, map[string]bool{"unsubscribed": true})
	if err != nil {
		h.respond(protocol.NewErrorResponse(env, protocol.ErrCodeInvalidFormat, err.Error()))
		return
	}
	h.respond(resp)
}

// onReconnected transport恢复连接后的订阅重建。并发的重连通知被去抖，
// 一次重连只做一次重建；重建期间到达的EVENT进入侧队列，
// 重建结束后整体丢弃——服务端在每个SUBSCRIBE ACK后会重发当前状态，
// 重放队列会造成重复投递。
func (h *MessageHub) onReconnected() {
	h.resubMu.Lock()
	if h.resubscribing {
		h.resubMu.Unlock()
		return
	}
	h.resubscribing = true
	h.resubMu.Unlock()

	// 序列号期望全部重置，对端重启不应产生假空洞告警
	h.seqMu.Lock()
	h.expected = make(map[string]uint64)
	h.seqMu.Unlock()

	h.mu.Lock()
	pairs := distinctPairs(h.persisted)
	h.mu.Unlock()

	go func() {
		for _, ps := range pairs {
			env := protocol.NewSubscribe(ps.room, ps.method, ps.room)
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
			if err := h.callAck(ctx, env, h.cfg.RequestTimeout); err != nil {
				slog.Warn("resubscribe failed", "method", ps.method, "room", ps.room, "error", err)
			}
			cancel()
		}

		h.resubMu.Lock()
		dropped := len(h.resubQueue)
		h.resubQueue = nil
		h.resubscribing = false
		h.resubMu.Unlock()

		if dropped > 0 {
			slog.Debug("discarded events queued during resubscribe", "count", dropped)
		}
		slog.Info("resubscribe complete", "subscriptions", len(pairs))
	}()
}

// onClientDisconnect 服务端transport报告的单客户端断开
func (h *MessageHub) onClientDisconnect(clientID string) {
	if r := h.Router(); r != nil {
		r.UnregisterConnection(clientID)
	}
}

// Close 关闭hub：所有在途请求以ErrHubClosed结清，transport回调全部解除
func (h *MessageHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := make([]*pendingCall, 0, len(h.pending))
	for _, call := range h.pending {
		pending = append(pending, call)
	}
	h.pending = make(map[string]*pendingCall)
	transports := make([]*registeredTransport, 0, len(h.transports))
	for _, rt := range h.transports {
		transports = append(transports, rt)
	}
	h.transports = make(map[string]*registeredTransport)
	h.order = nil
	h.primary = ""
	h.mu.Unlock()

	for _, call := range pending {
		call.settle(nil, ErrHubClosed)
	}
	for _, rt := range transports {
		for _, unsub := range rt.unsubs {
			unsub()
		}
	}
	metrics.PendingCalls(0)
	slog.Info("hub closed", "settled_pending", len(pending))
	return nil
}
