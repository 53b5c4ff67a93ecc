package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsm/neokai/internal/protocol"
)

// mockTransport 用于测试的transport模拟。deliver把信封当作入站消息
// 交给hub，responder可以对出站REQUEST自动应答。
type mockTransport struct {
	mu        sync.Mutex
	state     ConnectionState
	sent      []*protocol.Envelope
	sendErr   error
	nextID    uint64
	msgSubs   map[uint64]func(*protocol.Envelope)
	stateSubs map[uint64]func(ConnectionState)
	responder func(env *protocol.Envelope)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		state:     StateConnected,
		msgSubs:   make(map[uint64]func(*protocol.Envelope)),
		stateSubs: make(map[uint64]func(ConnectionState)),
	}
}

func (m *mockTransport) Send(ctx context.Context, env *protocol.Envelope) error {
	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, env)
	responder := m.responder
	m.mu.Unlock()

	if responder != nil {
		go responder(env)
	}
	return nil
}

func (m *mockTransport) OnMessage(fn func(*protocol.Envelope)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.msgSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.msgSubs, id)
	}
}

func (m *mockTransport) OnConnectionChange(fn func(ConnectionState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.stateSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

func (m *mockTransport) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *mockTransport) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// deliver 模拟对端发来的信封
func (m *mockTransport) deliver(env *protocol.Envelope) {
	m.mu.Lock()
	subs := make([]func(*protocol.Envelope), 0, len(m.msgSubs))
	for _, fn := range m.msgSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
}

// setState 模拟连接状态切换
func (m *mockTransport) setState(state ConnectionState) {
	m.mu.Lock()
	m.state = state
	subs := make([]func(ConnectionState), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (m *mockTransport) sentEnvelopes() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) sentCountOf(kind protocol.Kind) int {
	n := 0
	for _, env := range m.sentEnvelopes() {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

// echoResponder 对每条REQUEST/SUBSCRIBE/UNSUBSCRIBE回成功RESPONSE
func (m *mockTransport) echoResponder() {
	m.responder = func(env *protocol.Envelope) {
		switch env.Kind {
		case protocol.KindRequest:
			resp, _ := protocol.NewResponse(env, map[string]string{"echo": env.Method})
			m.deliver(resp)
		case protocol.KindSubscribe:
			resp, _ := protocol.NewResponse(env, map[string]bool{"subscribed": true})
			m.deliver(resp)
		case protocol.KindUnsubscribe:
			resp, _ := protocol.NewResponse(env, map[string]bool{"unsubscribed": true})
			m.deliver(resp)
		}
	}
}

func newTestHub(t *testing.T, cfg Config) (*MessageHub, *mockTransport) {
	t.Helper()
	h := NewMessageHub(cfg)
	mt := newMockTransport()
	unregister, err := h.RegisterTransport(mt, "mock", true)
	if err != nil {
		t.Fatalf("RegisterTransport failed: %v", err)
	}
	t.Cleanup(func() {
		unregister()
		_ = h.Close()
	})
	return h, mt
}

func TestRequestResponse(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.echoResponder()

	result, err := h.Request(context.Background(), "math.add", map[string]int{"a": 2, "b": 3}, SendOptions{})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if got["echo"] != "math.add" {
		t.Errorf("unexpected result: %v", got)
	}
	if h.PendingCount() != 0 {
		t.Errorf("expected no pending calls, got %d", h.PendingCount())
	}
}

func TestRequestTimeout(t *testing.T) {
	h, _ := newTestHub(t, DefaultConfig())

	_, err := h.Request(context.Background(), "slow.op", nil, SendOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	// 超时后簿记必须清空
	if h.PendingCount() != 0 {
		t.Errorf("expected no pending calls after timeout, got %d", h.PendingCount())
	}
}

func TestRequestNotConnected(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.mu.Lock()
	mt.state = StateDisconnected
	mt.mu.Unlock()

	_, err := h.Request(context.Background(), "math.add", nil, SendOptions{})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if len(mt.sentEnvelopes()) != 0 {
		t.Error("no envelope should be sent while disconnected")
	}
}

func TestRequestInvalidMethod(t *testing.T) {
	h, _ := newTestHub(t, DefaultConfig())

	for _, method := range []string{"", "nodot", ".leading", "trailing.", "has:colon.x", "bad chars.x"} {
		if _, err := h.Request(context.Background(), method, nil, SendOptions{}); !errors.Is(err, ErrInvalidMethod) {
			t.Errorf("method %q: expected ErrInvalidMethod, got %v", method, err)
		}
	}
}

func TestMaxPendingCalls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingCalls = 1
	h, _ := newTestHub(t, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.Request(context.Background(), "slow.one", nil, SendOptions{Timeout: time.Second})
	}()

	// 等第一条请求进入在途表
	deadline := time.Now().Add(time.Second)
	for h.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := h.Request(context.Background(), "slow.two", nil, SendOptions{})
	if !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}
	<-done
}

func TestRequestDedup(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	release := make(chan struct{})
	mt.responder = func(env *protocol.Envelope) {
		if env.Kind != protocol.KindRequest {
			return
		}
		<-release
		resp, _ := protocol.NewResponse(env, map[string]int{"sum": 5})
		mt.deliver(resp)
	}

	payload := map[string]int{"a": 2, "b": 3}
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup

	// 第一条调用先上线，确保第二条能命中在途缓存
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.Request(context.Background(), "math.add", payload, SendOptions{})
	}()
	deadline := time.Now().Add(time.Second)
	for mt.sentCountOf(protocol.KindRequest) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never hit the wire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.Request(context.Background(), "math.add", payload, SendOptions{})
	}()
	time.Sleep(50 * time.Millisecond)

	close(release)
	wg.Wait()

	if got := mt.sentCountOf(protocol.KindRequest); got != 1 {
		t.Errorf("expected exactly 1 wire request, got %d", got)
	}
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		var out map[string]int
		if err := json.Unmarshal(results[i], &out); err != nil || out["sum"] != 5 {
			t.Errorf("caller %d got unexpected result %s", i, results[i])
		}
	}
}

func TestDifferentPayloadsNotDeduped(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.echoResponder()

	if _, err := h.Request(context.Background(), "math.add", map[string]int{"a": 1}, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Request(context.Background(), "math.add", map[string]int{"a": 2}, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := mt.sentCountOf(protocol.KindRequest); got != 2 {
		t.Errorf("expected 2 wire requests, got %d", got)
	}
}

func TestPingPong(t *testing.T) {
	_, mt := newTestHub(t, DefaultConfig())

	ping := &protocol.Envelope{
		ID:        "ping-1",
		Kind:      protocol.KindPing,
		SessionID: "global",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	mt.deliver(ping)

	deadline := time.Now().Add(time.Second)
	for {
		for _, env := range mt.sentEnvelopes() {
			if env.Kind == protocol.KindPong {
				if env.RequestID != "ping-1" {
					t.Errorf("pong should carry ping id, got %q", env.RequestID)
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no pong was sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnRequestAutoAck(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	if _, err := h.OnRequest("job.start", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.NewRequest("global", "job.start", nil, "")
	mt.deliver(req)

	resp := waitForResponse(t, mt, req.ID)
	var ack map[string]bool
	if err := json.Unmarshal(resp.Data, &ack); err != nil || !ack["acknowledged"] {
		t.Errorf("expected auto acknowledgement, got %s", resp.Data)
	}
}

func TestOnRequestHandlerError(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	if _, err := h.OnRequest("job.fail", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.NewRequest("global", "job.fail", nil, "")
	mt.deliver(req)

	resp := waitForResponse(t, mt, req.ID)
	if resp.ErrorCode != protocol.ErrCodeHandlerError || resp.Error != "boom" {
		t.Errorf("expected handler error response, got code=%d error=%q", resp.ErrorCode, resp.Error)
	}
}

func TestOnRequestHandlerPanic(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	if _, err := h.OnRequest("job.panic", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.NewRequest("global", "job.panic", nil, "")
	mt.deliver(req)

	// panic必须被吸收并转为错误RESPONSE
	resp := waitForResponse(t, mt, req.ID)
	if resp.ErrorCode != protocol.ErrCodeHandlerError {
		t.Errorf("expected handler error code, got %d", resp.ErrorCode)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, mt := newTestHub(t, DefaultConfig())

	req, _ := protocol.NewRequest("global", "no.handler", nil, "")
	mt.deliver(req)

	resp := waitForResponse(t, mt, req.ID)
	if resp.ErrorCode != protocol.ErrCodeUnknownMethod {
		t.Errorf("expected unknown method code, got %d", resp.ErrorCode)
	}
}

// waitFor 轮询直到条件满足或超时
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForResponse(t *testing.T, mt *mockTransport, requestID string) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		for _, env := range mt.sentEnvelopes() {
			if env.Kind == protocol.KindResponse && env.RequestID == requestID {
				return env
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no response for request %s", requestID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventLocalDispatch(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.mu.Lock()
	mt.state = StateDisconnected
	mt.mu.Unlock()

	var received atomic.Int32
	// 未连接时Subscribe降级为仅本地订阅
	unsub, err := h.Subscribe(context.Background(), "tick.minute", func(ctx context.Context, env *protocol.Envelope) error {
		received.Add(1)
		return nil
	}, SendOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = unsub(context.Background()) }()

	// 断连时Event静默成功，本地订阅者仍然收到
	if err := h.Event("tick.minute", map[string]int{"n": 1}, SendOptions{}); err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("expected 1 local delivery, got %d", received.Load())
	}
}

func TestSubscribeSendsWireSubscribe(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.echoResponder()

	unsub, err := h.Subscribe(context.Background(), "stock.update", func(ctx context.Context, env *protocol.Envelope) error {
		return nil
	}, SendOptions{Room: "nasdaq"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := mt.sentCountOf(protocol.KindSubscribe); got != 1 {
		t.Errorf("expected 1 wire subscribe, got %d", got)
	}

	// 取消函数重复调用只发一条UNSUBSCRIBE
	if err := unsub(context.Background()); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if err := unsub(context.Background()); err != nil {
		t.Fatalf("second unsubscribe should be a no-op, got %v", err)
	}
	if got := mt.sentCountOf(protocol.KindUnsubscribe); got != 1 {
		t.Errorf("expected 1 wire unsubscribe, got %d", got)
	}
}

func TestSubscribeAckFailureRollsBack(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.responder = func(env *protocol.Envelope) {
		if env.Kind == protocol.KindSubscribe {
			mt.deliver(protocol.NewErrorResponse(env, protocol.ErrCodeRoomNotFound, "no such room"))
		}
	}

	var received atomic.Int32
	_, err := h.Subscribe(context.Background(), "stock.update", func(ctx context.Context, env *protocol.Envelope) error {
		received.Add(1)
		return nil
	}, SendOptions{Room: "ghost"})
	if err == nil {
		t.Fatal("expected subscribe to fail")
	}

	// 回滚后本地订阅不得残留
	_ = h.Event("stock.update", nil, SendOptions{Room: "ghost"})
	if received.Load() != 0 {
		t.Errorf("handler should not fire after rollback, got %d", received.Load())
	}
}

func TestEventRecursionGuard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEventDepth = 3
	h, mt := newTestHub(t, cfg)
	mt.mu.Lock()
	mt.state = StateDisconnected
	mt.mu.Unlock()

	env, _ := protocol.NewEvent("global", "loop.event", nil, "")

	var calls atomic.Int32
	_, err := h.Subscribe(context.Background(), "loop.event", func(ctx context.Context, e *protocol.Envelope) error {
		calls.Add(1)
		// 同步重投同一信封，构造递归
		h.Dispatch(e)
		return nil
	}, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	h.Dispatch(env)

	if got := calls.Load(); got != int32(cfg.MaxEventDepth) {
		t.Errorf("expected delivery capped at depth %d, got %d", cfg.MaxEventDepth, got)
	}
}

func TestSequenceGapDoesNotBlockDelivery(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.mu.Lock()
	mt.state = StateDisconnected
	mt.mu.Unlock()

	var received atomic.Int32
	if _, err := h.Subscribe(context.Background(), "feed.item", func(ctx context.Context, env *protocol.Envelope) error {
		received.Add(1)
		return nil
	}, SendOptions{}); err != nil {
		t.Fatal(err)
	}

	for _, seq := range []uint64{1, 5, 3} {
		env, _ := protocol.NewEvent("global", "feed.item", nil, "")
		env.Sequence = seq
		mt.deliver(env)
	}

	deadline := time.Now().Add(time.Second)
	for received.Load() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected all 3 out-of-order events delivered, got %d", received.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopOnEventHandlerError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopOnEventHandlerError = true
	h, mt := newTestHub(t, cfg)
	// 断连，Subscribe走纯本地路径
	mt.mu.Lock()
	mt.state = StateDisconnected
	mt.mu.Unlock()

	var after atomic.Int32
	failing := func(ctx context.Context, env *protocol.Envelope) error {
		return errors.New("first failed")
	}
	counting := func(ctx context.Context, env *protocol.Envelope) error {
		after.Add(1)
		return nil
	}
	// 严格模式下处理器串行，首个错误中止后续投递。
	// map迭代顺序不定，计数处理器要么在失败者之前跑一次，要么被跳过。
	if _, err := h.Subscribe(context.Background(), "strict.event", failing, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Subscribe(context.Background(), "strict.event", counting, SendOptions{}); err != nil {
		t.Fatal(err)
	}

	env, _ := protocol.NewEvent("global", "strict.event", nil, "")
	h.Dispatch(env)
	if after.Load() > 1 {
		t.Errorf("strict mode must not deliver past the first error, got %d", after.Load())
	}

	// 默认模式对照：失败不影响其余订阅者
	cfgLoose := DefaultConfig()
	h2, mt2 := newTestHub(t, cfgLoose)
	mt2.mu.Lock()
	mt2.state = StateDisconnected
	mt2.mu.Unlock()

	var loose atomic.Int32
	if _, err := h2.Subscribe(context.Background(), "loose.event", failing, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h2.Subscribe(context.Background(), "loose.event", func(ctx context.Context, env *protocol.Envelope) error {
		loose.Add(1)
		return nil
	}, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	env2, _ := protocol.NewEvent("global", "loose.event", nil, "")
	h2.Dispatch(env2)
	if loose.Load() != 1 {
		t.Errorf("default mode must deliver to remaining subscribers, got %d", loose.Load())
	}
}

func TestResubscribeOnReconnect(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.echoResponder()

	if _, err := h.Subscribe(context.Background(), "stock.update", func(ctx context.Context, env *protocol.Envelope) error {
		return nil
	}, SendOptions{Room: "nasdaq"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Subscribe(context.Background(), "news.flash", func(ctx context.Context, env *protocol.Envelope) error {
		return nil
	}, SendOptions{Room: "nasdaq"}); err != nil {
		t.Fatal(err)
	}
	// 相同(method, room)的第二个订阅重连时不应重复发SUBSCRIBE
	if _, err := h.Subscribe(context.Background(), "stock.update", func(ctx context.Context, env *protocol.Envelope) error {
		return nil
	}, SendOptions{Room: "nasdaq"}); err != nil {
		t.Fatal(err)
	}
	before := mt.sentCountOf(protocol.KindSubscribe)
	if before != 3 {
		t.Fatalf("expected 3 initial subscribes, got %d", before)
	}

	mt.setState(StateDisconnected)
	mt.setState(StateConnected)

	deadline := time.Now().Add(2 * time.Second)
	for mt.sentCountOf(protocol.KindSubscribe) < before+2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 resubscribes, got %d", mt.sentCountOf(protocol.KindSubscribe)-before)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := mt.sentCountOf(protocol.KindSubscribe) - before; got != 2 {
		t.Errorf("expected exactly 2 distinct resubscribes, got %d", got)
	}
}

func TestOnEventNoWireTraffic(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	var received atomic.Int32
	unreg, err := h.OnEvent("diag.tick", func(ctx context.Context, env *protocol.Envelope) error {
		received.Add(1)
		return nil
	}, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// 纯本地登记，不产生SUBSCRIBE
	if got := mt.sentCountOf(protocol.KindSubscribe); got != 0 {
		t.Errorf("OnEvent must not emit wire traffic, got %d subscribes", got)
	}

	// 入站与本地事件都能命中
	env, _ := protocol.NewEvent("global", "diag.tick", nil, "")
	mt.deliver(env)
	waitFor(t, func() bool { return received.Load() == 1 })

	unreg()
	unreg() // 幂等
	env2, _ := protocol.NewEvent("global", "diag.tick", nil, "")
	mt.deliver(env2)
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 1 {
		t.Errorf("handler must not fire after unregister, got %d", received.Load())
	}
}

// 重建期间入队的事件必须被丢弃而不是重放，否则服务端重发状态会造成重复投递
func TestEventsDuringResubscribeAreDiscarded(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	gate := make(chan struct{})
	var gateOnce sync.Once
	first := true
	mt.responder = func(env *protocol.Envelope) {
		switch env.Kind {
		case protocol.KindSubscribe:
			if first {
				first = false
				resp, _ := protocol.NewResponse(env, map[string]bool{"subscribed": true})
				mt.deliver(resp)
				return
			}
			// 重连后的SUBSCRIBE压住不回，保持resubscribing窗口打开
			go func() {
				<-gate
				resp, _ := protocol.NewResponse(env, map[string]bool{"subscribed": true})
				mt.deliver(resp)
			}()
		}
	}

	var received atomic.Int32
	if _, err := h.Subscribe(context.Background(), "stock.update", func(ctx context.Context, env *protocol.Envelope) error {
		received.Add(1)
		return nil
	}, SendOptions{}); err != nil {
		t.Fatal(err)
	}

	mt.setState(StateDisconnected)
	mt.setState(StateConnected)

	// 等重建开始（第二条SUBSCRIBE上线）
	waitFor(t, func() bool { return mt.sentCountOf(protocol.KindSubscribe) >= 2 })

	queued, _ := protocol.NewEvent("global", "stock.update", map[string]int{"n": 1}, "")
	mt.deliver(queued)
	time.Sleep(50 * time.Millisecond)
	if received.Load() != 0 {
		t.Fatalf("events during resubscribe must be queued, not delivered, got %d", received.Load())
	}

	gateOnce.Do(func() { close(gate) })

	// 重建完成后正常到达的事件恰好投递一次，队列里的副本被丢弃
	deadline := time.Now().Add(2 * time.Second)
	for {
		fresh, _ := protocol.NewEvent("global", "stock.update", map[string]int{"n": 2}, "")
		mt.deliver(fresh)
		if received.Load() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resubscribe never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if received.Load() != 1 {
		t.Errorf("expected exactly one delivery after rebuild, got %d", received.Load())
	}
}

func TestTransportNameConflict(t *testing.T) {
	h := NewMessageHub(DefaultConfig())
	defer h.Close()

	if _, err := h.RegisterTransport(newMockTransport(), "dup", false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RegisterTransport(newMockTransport(), "dup", false); !errors.Is(err, ErrTransportNameTaken) {
		t.Fatalf("expected ErrTransportNameTaken, got %v", err)
	}
}

func TestPrimaryPromotion(t *testing.T) {
	h := NewMessageHub(DefaultConfig())
	defer h.Close()

	unregA, err := h.RegisterTransport(newMockTransport(), "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.RegisterTransport(newMockTransport(), "b", false); err != nil {
		t.Fatal(err)
	}
	if h.PrimaryTransport() != "a" {
		t.Fatalf("expected primary a, got %s", h.PrimaryTransport())
	}

	unregA()
	if h.PrimaryTransport() != "b" {
		t.Errorf("expected b promoted to primary, got %s", h.PrimaryTransport())
	}

	// 注销幂等
	unregA()
	if h.PrimaryTransport() != "b" {
		t.Errorf("double unregister must be harmless")
	}
}

func TestAutoTransportName(t *testing.T) {
	h := NewMessageHub(DefaultConfig())
	defer h.Close()

	if _, err := h.RegisterTransport(newMockTransport(), "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RegisterTransport(newMockTransport(), "", false); err != nil {
		t.Fatalf("auto-named transports must not collide: %v", err)
	}
}

func TestCloseSettlesPending(t *testing.T) {
	h := NewMessageHub(DefaultConfig())
	mt := newMockTransport()
	if _, err := h.RegisterTransport(mt, "mock", true); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), "slow.op", nil, SendOptions{Timeout: 10 * time.Second})
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for h.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHubClosed) {
			t.Errorf("expected ErrHubClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not settled on close")
	}
}

func TestInvalidEnvelopeDropped(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	var received atomic.Int32
	mt.mu.Lock()
	mt.state = StateDisconnected
	mt.mu.Unlock()
	if _, err := h.Subscribe(context.Background(), "feed.item", func(ctx context.Context, env *protocol.Envelope) error {
		received.Add(1)
		return nil
	}, SendOptions{}); err != nil {
		t.Fatal(err)
	}

	// 缺id、未知类型、RESPONSE缺requestId都必须被静默丢弃
	mt.deliver(&protocol.Envelope{Kind: protocol.KindEvent, SessionID: "global", Method: "feed.item"})
	mt.deliver(&protocol.Envelope{ID: "x", Kind: "BOGUS", SessionID: "global", Timestamp: "now", Method: "feed.item"})
	mt.deliver(&protocol.Envelope{ID: "y", Kind: protocol.KindResponse, SessionID: "global", Method: "feed.item", Timestamp: "now"})
	mt.deliver(nil)

	time.Sleep(50 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("invalid envelopes must not reach handlers, got %d deliveries", received.Load())
	}
}

func TestRoomControlWithoutRouter(t *testing.T) {
	_, mt := newTestHub(t, DefaultConfig())

	req, _ := protocol.NewRequest("global", MethodRoomJoin, map[string]string{"room": "lobby"}, "")
	mt.deliver(req)

	resp := waitForResponse(t, mt, req.ID)
	if resp.ErrorCode == 0 {
		t.Error("room control without a router must fail")
	}
}

func TestOnRequestReplacesHandler(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())

	if _, err := h.OnRequest("job.run", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		return map[string]string{"version": "old"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.OnRequest("job.run", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		return map[string]string{"version": "new"}, nil
	}); err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.NewRequest("global", "job.run", nil, "")
	mt.deliver(req)

	resp := waitForResponse(t, mt, req.ID)
	var out map[string]string
	if err := json.Unmarshal(resp.Data, &out); err != nil || out["version"] != "new" {
		t.Errorf("expected replacement handler to win, got %s", resp.Data)
	}
}

func TestOutboundSequenceMonotonic(t *testing.T) {
	h, mt := newTestHub(t, DefaultConfig())
	mt.echoResponder()

	for i := 0; i < 3; i++ {
		if _, err := h.Request(context.Background(), "seq.probe", fmt.Sprintf("n%d", i), SendOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	var last uint64
	for _, env := range mt.sentEnvelopes() {
		if env.Kind != protocol.KindRequest {
			continue
		}
		if env.Sequence <= last {
			t.Errorf("sequence not strictly increasing: %d after %d", env.Sequence, last)
		}
		last = env.Sequence
	}
	if last == 0 {
		t.Fatal("outbound envelopes must carry a sequence")
	}
}
