package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// pendingCall 一次在途请求的簿记。键为信封id，
// 在收到匹配的RESPONSE或定时器触发时销毁，二者有且只有其一生效。
type pendingCall struct {
	method    string
	sessionID string
	dedupKey  string // 在途去重缓存里的键，结清时一并清除
	timer     *time.Timer

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newPendingCall(method, sessionID string) *pendingCall {
	return &pendingCall{
		method:    method,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// settle 写入最终结果。对同一个pendingCall只有第一次调用生效，
// 之后的settle是无害的空操作，保证每次请求恰好一个结局。
func (p *pendingCall) settle(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
	})
}

// wait 阻塞直到请求有结果或ctx被取消。
// 多个调用方可以同时wait同一个pendingCall（请求去重时共享结果）。
func (p *pendingCall) wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
