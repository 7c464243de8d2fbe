package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rtsync/internal/model"
)

const namespace = "rtsync"

// Metrics 同步管道的Prometheus指标。nil值可安全调用，所有方法都是空操作
type Metrics struct {
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	connectionStatus  *prometheus.GaugeVec
	reconnects        prometheus.Counter
	latency           prometheus.Histogram
	queueDepth        *prometheus.GaugeVec
	queueEvictions    *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	validationErrors  *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	offlineRecords    prometheus.Gauge
	offlineConflicts  prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
}

// New 在reg上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Frames written to the transport by envelope type.",
		}, []string{"type"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Frames read from the transport by envelope type.",
		}, []string{"type"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the transport.",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the transport.",
		}),
		connectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip time of heartbeat envelopes.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Outbound messages by queue set.",
		}, []string{"set"}),
		queueEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_evictions_total",
			Help:      "Pending messages evicted because the buffer was full.",
		}, []string{"priority"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Messages that exhausted their retry budget.",
		}),
		validationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Rejected payloads by direction.",
		}, []string{"direction"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before reaching listeners.",
		}, []string{"reason"}),
		offlineRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_records",
			Help:      "Offline records awaiting replay.",
		}),
		offlineConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_conflicts_total",
			Help:      "Offline records that collided with a newer server version.",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		cacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted by the LRU policy or expiry.",
		}),
	}
}

// MessageSent 记录一帧出站消息
func (m *Metrics) MessageSent(t model.EnvelopeType, bytes int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(string(t)).Inc()
	m.bytesSent.Add(float64(bytes))
}

// MessageReceived 记录一帧入站消息
func (m *Metrics) MessageReceived(t model.EnvelopeType, bytes int) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(string(t)).Inc()
	m.bytesReceived.Add(float64(bytes))
}

var statuses = []model.Status{
	model.StatusDisconnected,
	model.StatusConnecting,
	model.StatusConnected,
	model.StatusReconnecting,
	model.StatusError,
}

// SetStatus 更新当前连接状态
func (m *Metrics) SetStatus(s model.Status) {
	if m == nil {
		return
	}
	for _, st := range statuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionStatus.WithLabelValues(string(st)).Set(v)
	}
}

// Reconnect 记录一次重连
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ObserveLatency 记录心跳往返时间
func (m *Metrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// SetQueueDepth 更新队列各集合的大小
func (m *Metrics) SetQueueDepth(pending, failed, acknowledged int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
	m.queueDepth.WithLabelValues("acknowledged").Set(float64(acknowledged))
}

// QueueEviction 记录一次缓冲区淘汰
func (m *Metrics) QueueEviction(p model.Priority) {
	if m == nil {
		return
	}
	m.queueEvictions.WithLabelValues(string(p)).Inc()
}

// DeliveryFailure 记录一次最终投递失败
func (m *Metrics) DeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// ValidationError 记录校验失败，direction为inbound或outbound
func (m *Metrics) ValidationError(direction string) {
	if m == nil {
		return
	}
	m.validationErrors.WithLabelValues(direction).Inc()
}

// EventDropped 记录被丢弃的入站事件
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// SetOfflineRecords 更新离线记录数
func (m *Metrics) SetOfflineRecords(n int) {
	if m == nil {
		return
	}
	m.offlineRecords.Set(float64(n))
}

// OfflineConflict 记录一次离线冲突
func (m *Metrics) OfflineConflict() {
	if m == nil {
		return
	}
	m.offlineConflicts.Inc()
}

// CacheLookup 记录缓存命中或未命中
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// CacheEviction 记录缓存淘汰
func (m *Metrics) CacheEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}
