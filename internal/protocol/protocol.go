// Package protocol 定义信封的线上格式、校验规则与构造函数。
// 本包只包含纯函数，不做任何I/O，也不持有可变状态。
package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version 当前协议版本。版本不匹配只记录日志，不拒绝消息（保持前后兼容）。
const Version = "1"

// Kind 信封类型
type Kind string

const (
	KindEvent       Kind = "EVENT"       // 单向事件
	KindRequest     Kind = "REQUEST"     // 请求，期待RESPONSE
	KindResponse    Kind = "RESPONSE"    // 响应，requestId关联REQUEST
	KindSubscribe   Kind = "SUBSCRIBE"   // 订阅，期待ACK
	KindUnsubscribe Kind = "UNSUBSCRIBE" // 取消订阅，期待ACK
	KindPing        Kind = "PING"        // 心跳探测
	KindPong        Kind = "PONG"        // 心跳应答
)

// Known 判断类型是否为已知的信封类型
func (k Kind) Known() bool {
	switch k {
	case KindEvent, KindRequest, KindResponse, KindSubscribe, KindUnsubscribe, KindPing, KindPong:
		return true
	default:
		return false
	}
}

// GlobalSession 系统级流量使用的会话标识
const GlobalSession = "global"

// Envelope 线上消息单元。Sequence由hub在发送时填充，构造函数不赋值。
type Envelope struct {
	ID        string          `json:"id"`                  // 全局唯一，关联响应并用于递归去重
	Kind      Kind            `json:"kind"`                // 信封类型，构造后不可变
	SessionID string          `json:"sessionId"`           // 逻辑路由键，"global"为系统级流量
	Method    string          `json:"method,omitempty"`    // 点分方法名(domain.action)
	Data      json.RawMessage `json:"data,omitempty"`      // 负载
	RequestID string          `json:"requestId,omitempty"` // 仅RESPONSE携带，关联REQUEST的id
	Error     string          `json:"error,omitempty"`     // 错误信息
	ErrorCode int             `json:"errorCode,omitempty"` // 错误码，见errors.go
	Timestamp string          `json:"timestamp"`           // ISO-8601
	Sequence  uint64          `json:"sequence,omitempty"`  // 发送方单调递增计数，仅用于诊断
	Room      string          `json:"room,omitempty"`      // 显式扇出目标，缺省时使用sessionId
	Version   string          `json:"version,omitempty"`   // 协议版本

	// 以下为hub内部元数据，不属于应用可见负载，也不上线
	TransportName string `json:"-"` // 信封到达时经过的transport名称，用于原路返回响应
	FromClient    string `json:"-"` // 服务端：信封来源的客户端ID
}

// ValidateMethod 校验方法名：至少包含一个'.'，不以'.'开头或结尾，
// 不含':'（保留给内部元数据），且只由[A-Za-z0-9._-]组成。
func ValidateMethod(name string) bool {
	if name == "" {
		return false
	}
	if !strings.Contains(name, ".") {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// IsValidEnvelope 对信封做结构性校验。任何违规都返回false，绝不panic；
// 调用方收到false后必须静默丢弃该信封（留一条日志）。
func IsValidEnvelope(env *Envelope) bool {
	if env == nil {
		return false
	}
	if env.ID == "" || env.SessionID == "" || env.Timestamp == "" {
		return false
	}
	if !env.Kind.Known() {
		return false
	}
	// PING/PONG不携带方法名，其余类型必须携带合法方法名
	if env.Kind != KindPing && env.Kind != KindPong {
		if !ValidateMethod(env.Method) {
			return false
		}
	}
	if env.Kind == KindResponse && env.RequestID == "" {
		return false
	}
	if env.Version != "" && env.Version != Version {
		// 版本不匹配只记录，不拒绝
		slog.Debug("envelope protocol version mismatch", "got", env.Version, "want", Version, "id", env.ID)
	}
	return true
}

// marshalData 将任意负载编码为RawMessage；nil负载保持为空
func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

// newEnvelope 填充所有构造函数共享的字段
func newEnvelope(kind Kind, sessionID, method string) *Envelope {
	if sessionID == "" {
		sessionID = GlobalSession
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		SessionID: sessionID,
		Method:    method,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Version:   Version,
	}
}

// NewEvent 构造EVENT信封
func NewEvent(sessionID, method string, data any, room string) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	env := newEnvelope(KindEvent, sessionID, method)
	env.Data = raw
	env.Room = room
	return env, nil
}

// NewRequest 构造REQUEST信封
func NewRequest(sessionID, method string, data any, room string) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	env := newEnvelope(KindRequest, sessionID, method)
	env.Data = raw
	env.Room = room
	return env, nil
}

// NewResponse 构造成功的RESPONSE信封，关联req的id并沿用其路由元数据
func NewResponse(req *Envelope, data any) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	env := newEnvelope(KindResponse, req.SessionID, req.Method)
	env.Data = raw
	env.RequestID = req.ID
	env.TransportName = req.TransportName
	env.FromClient = req.FromClient
	return env, nil
}

// NewErrorResponse 构造携带错误的RESPONSE信封
func NewErrorResponse(req *Envelope, code int, message string) *Envelope {
	env := newEnvelope(KindResponse, req.SessionID, req.Method)
	env.RequestID = req.ID
	env.Error = message
	env.ErrorCode = code
	env.TransportName = req.TransportName
	env.FromClient = req.FromClient
	return env
}

// NewSubscribe 构造SUBSCRIBE信封
func NewSubscribe(sessionID, method, room string) *Envelope {
	env := newEnvelope(KindSubscribe, sessionID, method)
	env.Room = room
	return env
}

// NewUnsubscribe 构造UNSUBSCRIBE信封
func NewUnsubscribe(sessionID, method, room string) *Envelope {
	env := newEnvelope(KindUnsubscribe, sessionID, method)
	env.Room = room
	return env
}

// NewPong 构造PONG应答，requestId携带PING的id以便对端做延迟统计
func NewPong(ping *Envelope) *Envelope {
	env := newEnvelope(KindPong, ping.SessionID, "")
	env.RequestID = ping.ID
	env.TransportName = ping.TransportName
	env.FromClient = ping.FromClient
	return env
}

// Decode 从原始字节解析信封。解析失败或结构非法都返回false。
func Decode(data []byte) (*Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if !IsValidEnvelope(&env) {
		return nil, false
	}
	return &env, true
}

// Encode 将信封序列化为线上字节
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData 将信封负载解码到指定结构
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}
