package hub

import (
	"context"
	"sync"

	"github.com/lsm/neokai/internal/protocol"
)

// EventHandler 事件订阅处理函数。处理器可以阻塞，hub会等待其完成，
// 但同一事件的多个订阅者彼此独立，互不影响。
type EventHandler func(ctx context.Context, env *protocol.Envelope) error

// RequestHandler 请求处理函数。返回(nil, nil)时hub自动回ACK；
// 返回错误时hub回带错误的RESPONSE，绝不向transport层重新抛出。
type RequestHandler func(ctx context.Context, env *protocol.Envelope) (any, error)

// subscriptionSet 订阅表：method → sessionID → token → handler。
// 订阅逻辑上归调用方持有（通过返回的取消函数），这里只做镜像。
type subscriptionSet struct {
	mu        sync.RWMutex
	byMethod  map[string]map[string]map[uint64]EventHandler
	nextToken uint64
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{
		byMethod: make(map[string]map[string]map[uint64]EventHandler),
	}
}

// add 登记一个处理器，返回用于移除的token
func (s *subscriptionSet) add(method, sessionID string, h EventHandler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	token := s.nextToken

	sessions, ok := s.byMethod[method]
	if !ok {
		sessions = make(map[string]map[uint64]EventHandler)
		s.byMethod[method] = sessions
	}
	handlers, ok := sessions[sessionID]
	if !ok {
		handlers = make(map[uint64]EventHandler)
		sessions[sessionID] = handlers
	}
	handlers[token] = h
	return token
}

// remove 移除处理器。重复移除是空操作，不会误删其他订阅。
func (s *subscriptionSet) remove(method, sessionID string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, ok := s.byMethod[method]
	if !ok {
		return
	}
	handlers, ok := sessions[sessionID]
	if !ok {
		return
	}
	delete(handlers, token)
	if len(handlers) == 0 {
		delete(sessions, sessionID)
	}
	if len(sessions) == 0 {
		delete(s.byMethod, method)
	}
}

// handlers 返回(method, sessionID)对应处理器的快照，投递时不持锁
func (s *subscriptionSet) handlers(method, sessionID string) []EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions, ok := s.byMethod[method]
	if !ok {
		return nil
	}
	handlers, ok := sessions[sessionID]
	if !ok || len(handlers) == 0 {
		return nil
	}
	out := make([]EventHandler, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h)
	}
	return out
}

// persistedSub 记录需要在重连后重建的订阅
type persistedSub struct {
	method string
	room   string
}

// distinctPairs 对持久化订阅按(method, room)去重，
// 重连时同一对只重发一条SUBSCRIBE。
func distinctPairs(subs map[uint64]persistedSub) []persistedSub {
	seen := make(map[persistedSub]struct{}, len(subs))
	out := make([]persistedSub, 0, len(subs))
	for _, ps := range subs {
		if _, dup := seen[ps]; dup {
			continue
		}
		seen[ps] = struct{}{}
		out = append(out, ps)
	}
	return out
}
