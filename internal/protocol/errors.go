package protocol

import "fmt"

// 错误码定义
const (
	// 系统相关错误码 (1000-1999)
	ErrCodeUnknown        = 1000 // 未知错误
	ErrCodeInvalidFormat  = 1001 // 无效的信封格式
	ErrCodeInvalidMethod  = 1002 // 无效的方法名
	ErrCodeHandlerError   = 1003 // 处理器执行失败
	ErrCodeTimeout        = 1004 // 操作超时
	ErrCodeBackpressure   = 1005 // 在途请求达到上限
	ErrCodeNotConnected   = 1006 // 没有可用的transport
	ErrCodeUnknownMethod  = 1007 // 没有注册对应的请求处理器
	ErrCodeEventDepth     = 1008 // 事件递归深度超限

	// 房间相关错误码 (3000-3999)
	ErrCodeRoomNotFound = 3000 // 房间不存在
	ErrCodeNotInRoom    = 3001 // 不在房间中

	// 客户端相关错误码 (4000-4999)
	ErrCodeClientNotFound = 4000 // 客户端不存在
	ErrCodeClientClosed   = 4001 // 客户端连接已关闭
)

// WireError 对端通过RESPONSE返回的错误
type WireError struct {
	Code    int    // 错误码
	Message string // 错误信息
	Method  string // 出错的请求方法
}

// Error 实现error接口
func (e *WireError) Error() string {
	return fmt.Sprintf("remote error %d on %s: %s", e.Code, e.Method, e.Message)
}

// ResponseError 从RESPONSE信封提取错误；信封未携带错误时返回nil
func ResponseError(env *Envelope) error {
	if env.Error == "" && env.ErrorCode == 0 {
		return nil
	}
	code := env.ErrorCode
	if code == 0 {
		code = ErrCodeUnknown
	}
	return &WireError{Code: code, Message: env.Error, Method: env.Method}
}
