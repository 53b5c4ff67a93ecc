package hub

import "time"

// Config hub引擎配置
type Config struct {
	DefaultSessionID        string        `mapstructure:"default_session_id" json:"default_session_id"`               // 默认会话标识
	RequestTimeout          time.Duration `mapstructure:"request_timeout" json:"request_timeout"`                     // 请求默认超时
	MaxPendingCalls         int           `mapstructure:"max_pending_calls" json:"max_pending_calls"`                 // 在途请求上限，超出直接拒绝
	MaxEventDepth           int           `mapstructure:"max_event_depth" json:"max_event_depth"`                     // 同一信封的递归投递深度上限
	MaxCacheSize            int           `mapstructure:"max_cache_size" json:"max_cache_size"`                       // 请求去重缓存容量(LRU)
	CacheTTL                time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`                                 // 请求去重缓存生存时间
	WarnOnSequenceGap       bool          `mapstructure:"warn_on_sequence_gap" json:"warn_on_sequence_gap"`           // 检测到序列号空洞时是否告警
	StopOnEventHandlerError bool          `mapstructure:"stop_on_event_handler_error" json:"stop_on_event_handler_error"` // 事件处理器出错时是否中止后续投递
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DefaultSessionID:        "global",
		RequestTimeout:          10 * time.Second,
		MaxPendingCalls:         1000,
		MaxEventDepth:           10,
		MaxCacheSize:            500,
		CacheTTL:                60 * time.Second,
		WarnOnSequenceGap:       true,
		StopOnEventHandlerError: false,
	}
}

// normalize 兜底零值，避免配置缺项时引擎失去保护
func (c Config) normalize() Config {
	if c.DefaultSessionID == "" {
		c.DefaultSessionID = "global"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxPendingCalls <= 0 {
		c.MaxPendingCalls = 1000
	}
	if c.MaxEventDepth <= 0 {
		c.MaxEventDepth = 10
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 500
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	return c
}
