package ws

import "time"

// Config WebSocket transport配置
type Config struct {
	ReadTimeout             time.Duration `mapstructure:"read_timeout" json:"read_timeout"`                           // 读超时
	WriteTimeout            time.Duration `mapstructure:"write_timeout" json:"write_timeout"`                         // 写超时
	HandshakeTimeout        time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`                 // 拨号握手超时
	ReadLimit               int64         `mapstructure:"read_limit" json:"read_limit"`                               // 单条消息大小上限
	SendQueueSize           int           `mapstructure:"send_queue_size" json:"send_queue_size"`                     // 服务端连接的发送队列容量
	ReconnectMaxRetries     int           `mapstructure:"reconnect_max_retries" json:"reconnect_max_retries"`         // 重连最大尝试次数
	ReconnectInitialBackoff time.Duration `mapstructure:"reconnect_initial_backoff" json:"reconnect_initial_backoff"` // 重连初始退避
	ReconnectMaxBackoff     time.Duration `mapstructure:"reconnect_max_backoff" json:"reconnect_max_backoff"`         // 重连最大退避
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ReadTimeout:             3 * time.Minute,
		WriteTimeout:            10 * time.Second,
		HandshakeTimeout:        5 * time.Second,
		ReadLimit:               1 << 20, // 1MB
		SendQueueSize:           256,
		ReconnectMaxRetries:     10,
		ReconnectInitialBackoff: 500 * time.Millisecond,
		ReconnectMaxBackoff:     30 * time.Second,
	}
}
