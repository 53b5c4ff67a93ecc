package hub

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// inflightCache 在途请求去重缓存。键为(method, sessionID, 负载哈希)，
// 带LRU淘汰和TTL过期：相同请求在第一个还未完成时再次发起，
// 直接共享同一个pendingCall，不再发出第二条线上REQUEST。
type inflightCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // 头部最新，尾部最旧
	max     int
	ttl     time.Duration
}

type inflightEntry struct {
	key     string
	call    *pendingCall
	addedAt time.Time
}

func newInflightCache(max int, ttl time.Duration) *inflightCache {
	return &inflightCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     max,
		ttl:     ttl,
	}
}

// requestKey 计算去重键。负载用xxhash摘要，避免把整个body拼进键里。
// 分隔符':'在方法名中是非法字符，因此键不会产生歧义。
func requestKey(method, sessionID string, data []byte) string {
	return fmt.Sprintf("%s:%s:%016x", method, sessionID, xxhash.Sum64(data))
}

// get 查找在途请求；过期条目顺手移除
func (c *inflightCache) get(key string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*inflightEntry)
	if time.Since(entry.addedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil
	}
	c.order.MoveToFront(elem)
	return entry.call
}

// put 登记在途请求，超出容量时淘汰最旧条目
func (c *inflightCache) put(key string, call *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*inflightEntry).call = call
		elem.Value.(*inflightEntry).addedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&inflightEntry{key: key, call: call, addedAt: time.Now()})
	c.entries[key] = elem

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*inflightEntry).key)
	}
}

// remove 请求结束后移除条目
func (c *inflightCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// len 当前缓存条目数
func (c *inflightCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
