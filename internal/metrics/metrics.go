// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 连接指标
	ConnectedClients  prometheus.Gauge
	ConnectionRate    prometheus.Counter
	DisconnectionRate prometheus.Counter

	// 请求/响应指标
	PendingCalls   prometheus.Gauge
	RequestsTotal  prometheus.Counter
	RequestLatency prometheus.Histogram

	// 事件指标
	EventsRouted      prometheus.Counter
	EnvelopesDropped  prometheus.Counter
	SequenceAnomalies prometheus.Counter

	// 房间指标
	RoomJoins  prometheus.Counter
	RoomLeaves prometheus.Counter

	// 错误指标
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal prometheus.Counter
}

// NewMetrics 创建新的Metrics实例
func NewMetrics(namespace string) *Metrics {
	registry = prometheus.NewRegistry()

	metrics := &Metrics{
		// 连接指标
		ConnectedClients: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "当前连接的客户端总数",
		}),
		ConnectionRate: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rate",
			Help:      "新连接速率",
		}),
		DisconnectionRate: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnection_rate",
			Help:      "断开连接速率",
		}),

		// 请求/响应指标
		PendingCalls: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "当前在途请求数",
		}),
		RequestsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "发出的请求总数",
		}),
		RequestLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency",
			Help:      "请求往返延迟(毫秒)",
			Buckets:   prometheus.DefBuckets,
		}),

		// 事件指标
		EventsRouted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed",
			Help:      "成功扇出的事件投递次数",
		}),
		EnvelopesDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped",
			Help:      "被丢弃的信封数(非法格式或递归超限)",
		}),
		SequenceAnomalies: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_anomalies",
			Help:      "检测到的序列号乱序/空洞次数",
		}),

		// 房间指标
		RoomJoins: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins",
			Help:      "加入房间操作计数",
		}),
		RoomLeaves: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_leaves",
			Help:      "离开房间操作计数",
		}),

		// 错误指标
		ErrorsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}),
	}

	return metrics
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics("neokai")
	})
	return defaultMetrics
}

// 便捷方法，用于快速记录指标

// ClientConnected 记录客户端连接
func ClientConnected() {
	m := Default()
	m.ConnectedClients.Inc()
	m.ConnectionRate.Inc()
}

// ClientDisconnected 记录客户端断开连接
func ClientDisconnected() {
	m := Default()
	m.ConnectedClients.Dec()
	m.DisconnectionRate.Inc()
}

// PendingCalls 更新在途请求数
func PendingCalls(n int) {
	Default().PendingCalls.Set(float64(n))
}

// RequestStarted 记录请求发出
func RequestStarted() {
	Default().RequestsTotal.Inc()
}

// RequestFinished 记录请求完成及其延迟
func RequestFinished(latencyMs float64) {
	Default().RequestLatency.Observe(latencyMs)
}

// EventRouted 记录一次扇出的成功投递次数
func EventRouted(sent int) {
	if sent > 0 {
		Default().EventsRouted.Add(float64(sent))
	}
}

// EnvelopeDropped 记录丢弃的信封
func EnvelopeDropped() {
	Default().EnvelopesDropped.Inc()
}

// SequenceAnomaly 记录序列号乱序/空洞
func SequenceAnomaly() {
	Default().SequenceAnomalies.Inc()
}

// RoomJoined 记录加入房间
func RoomJoined() {
	Default().RoomJoins.Inc()
}

// RoomLeft 记录离开房间
func RoomLeft() {
	Default().RoomLeaves.Inc()
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	Default().CriticalErrorsTotal.Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
