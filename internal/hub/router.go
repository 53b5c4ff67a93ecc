package hub

import (
	"log/slog"
	"sync"

	"github.com/lsm/neokai/internal/metrics"
	"github.com/lsm/neokai/internal/protocol"
)

// GlobalRoom 所有已注册客户端默认加入的房间
const GlobalRoom = protocol.GlobalSession

// ClientConnection 注册到Router的连接能力。Router从不自己构造socket，
// 只拿到一个不透明的发送句柄。
type ClientConnection interface {
	// ID 客户端唯一标识
	ID() string
	// Send 向该客户端发送信封；序列化失败也通过error返回
	Send(env *protocol.Envelope) error
	// IsOpen 连接是否仍然可写
	IsOpen() bool
}

// AcceptChecker 连接的可选背压信号：返回false表示发送队列已满，
// 本次投递应跳过该客户端而不是阻塞。
type AcceptChecker interface {
	CanAccept() bool
}

// RouteResult 一次扇出的结果统计
type RouteResult struct {
	Sent             int // 成功投递数
	Failed           int // 失败/跳过数
	TotalSubscribers int // 目标房间成员总数
}

// Router 服务端路由器：维护客户端注册表和房间成员关系，
// 决定一条出站事件应当送达哪些socket，并逐个执行发送（失败彼此隔离）。
type Router struct {
	mu          sync.RWMutex
	clients     map[string]ClientConnection
	rooms       map[string]map[string]struct{} // room → clientID集合
	clientRooms map[string]map[string]struct{} // clientID → room集合，反向索引用于干净注销
}

// NewRouter 创建路由器
func NewRouter() *Router {
	return &Router{
		clients:     make(map[string]ClientConnection),
		rooms:       make(map[string]map[string]struct{}),
		clientRooms: make(map[string]map[string]struct{}),
	}
}

// RegisterConnection 注册客户端连接并返回其ID。按连接身份幂等：
// 同一个连接重复注册返回同一ID且不产生重复状态；
// 同ID的新连接会顶替旧连接的句柄。新客户端自动加入"global"房间。
func (r *Router) RegisterConnection(conn ClientConnection) string {
	id := conn.ID()

	r.mu.Lock()
	if old, exists := r.clients[id]; exists {
		if old == conn {
			r.mu.Unlock()
			return id
		}
		slog.Info("replacing existing connection", "client_id", id)
	}
	r.clients[id] = conn
	r.joinLocked(id, GlobalRoom)
	total := len(r.clients)
	r.mu.Unlock()

	metrics.ClientConnected()
	slog.Info("client registered", "id", id, "total", total)
	return id
}

// UnregisterConnection 注销客户端：从注册表和其所在的每个房间移除，
// 不留悬空的成员关系。
func (r *Router) UnregisterConnection(clientID string) {
	r.mu.Lock()
	_, exists := r.clients[clientID]
	if exists {
		delete(r.clients, clientID)
		for room := range r.clientRooms[clientID] {
			r.leaveLocked(clientID, room)
		}
		delete(r.clientRooms, clientID)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if exists {
		metrics.ClientDisconnected()
		slog.Info("client unregistered", "id", clientID, "remaining", remaining)
	}
}

// JoinRoom 将客户端加入房间。未知客户端是空操作而不是错误，
// 以容忍与断开连接的竞争。
func (r *Router) JoinRoom(clientID, room string) {
	if room == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[clientID]; !exists {
		return
	}
	r.joinLocked(clientID, room)
}

// LeaveRoom 将客户端移出房间。未知客户端或未加入的房间都是空操作。
func (r *Router) LeaveRoom(clientID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(clientID, room)
}

func (r *Router) joinLocked(clientID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, in := members[clientID]; in {
		return
	}
	members[clientID] = struct{}{}

	joined, ok := r.clientRooms[clientID]
	if !ok {
		joined = make(map[string]struct{})
		r.clientRooms[clientID] = joined
	}
	joined[room] = struct{}{}

	metrics.RoomJoined()
	slog.Debug("client joined room", "client_id", clientID, "room", room, "members", len(members))
}

func (r *Router) leaveLocked(clientID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, in := members[clientID]; !in {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined, ok := r.clientRooms[clientID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.clientRooms, clientID)
		}
	}
	metrics.RoomLeft()
	slog.Debug("client left room", "client_id", clientID, "room", room)
}

// RouteEvent 将事件信封扇出到目标房间。目标取env.Room，缺省时退回
// env.SessionID。关闭或背压中的连接计为失败并跳过，绝不中止对
// 其余成员的投递。
func (r *Router) RouteEvent(env *protocol.Envelope) RouteResult {
	room := env.Room
	if room == "" {
		room = env.SessionID
	}
	if room == "" {
		room = GlobalRoom
	}

	r.mu.RLock()
	members, ok := r.rooms[room]
	targets := make([]ClientConnection, 0, len(members))
	if ok {
		for id := range members {
			if conn, exists := r.clients[id]; exists {
				targets = append(targets, conn)
			}
		}
	}
	r.mu.RUnlock()

	result := RouteResult{TotalSubscribers: len(targets)}
	for _, conn := range targets {
		if r.deliver(conn, env) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	metrics.EventRouted(result.Sent)
	slog.Debug("event routed", "method", env.Method, "room", room,
		"sent", result.Sent, "failed", result.Failed)
	return result
}

// SendToClient 向单个客户端直接投递。未知或已关闭的客户端返回false，
// 绝不panic。
func (r *Router) SendToClient(clientID string, env *protocol.Envelope) bool {
	r.mu.RLock()
	conn, exists := r.clients[clientID]
	r.mu.RUnlock()

	if !exists {
		return false
	}
	return r.deliver(conn, env)
}

// Broadcast 向所有已注册客户端投递，不区分房间
func (r *Router) Broadcast(env *protocol.Envelope) RouteResult {
	r.mu.RLock()
	targets := make([]ClientConnection, 0, len(r.clients))
	for _, conn := range r.clients {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	result := RouteResult{TotalSubscribers: len(targets)}
	for _, conn := range targets {
		if r.deliver(conn, env) {
			result.Sent++
		} else {
			result.Failed++
		}
	}
	metrics.EventRouted(result.Sent)
	return result
}

// deliver 对单个接收方执行发送。每个接收方的失败（连接关闭、背压、
// 序列化错误）都在这里吸收，一个坏负载不能拖垮整轮投递。
func (r *Router) deliver(conn ClientConnection, env *protocol.Envelope) bool {
	if !conn.IsOpen() {
		return false
	}
	if ac, ok := conn.(AcceptChecker); ok && !ac.CanAccept() {
		slog.Debug("skipping backpressured client", "client_id", conn.ID(), "method", env.Method)
		return false
	}
	if err := conn.Send(env); err != nil {
		slog.Debug("failed to deliver to client", "client_id", conn.ID(), "error", err)
		metrics.RecordError()
		return false
	}
	return true
}

// ClientCount 当前注册的客户端数量
func (r *Router) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// RoomMembers 返回房间成员ID列表
func (r *Router) RoomMembers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		members = append(members, id)
	}
	return members
}

// ClientRooms 返回客户端当前加入的房间列表
func (r *Router) ClientRooms(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.clientRooms[clientID]))
	for room := range r.clientRooms[clientID] {
		rooms = append(rooms, room)
	}
	return rooms
}
