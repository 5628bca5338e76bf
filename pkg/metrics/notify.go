package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NotifyMetrics records cache, queue, and delivery behaviour for the
// notification subsystem.
type NotifyMetrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	queueReplays   *prometheus.CounterVec
	queueDropped   prometheus.Counter
	reconnects     prometheus.Counter
	deliveries     *prometheus.CounterVec
	errorsHandled  *prometheus.CounterVec
}

// NewNotifyMetrics registers the subsystem metrics on the provided registerer.
// A nil registerer yields a no-op instance.
func NewNotifyMetrics(reg prometheus.Registerer) *NotifyMetrics {
	if reg == nil {
		return &NotifyMetrics{}
	}
	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_cache_hits_total",
		Help: "Cache hits by cache name.",
	}, []string{"cache"})
	cacheMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_cache_misses_total",
		Help: "Cache misses by cache name.",
	}, []string{"cache"})
	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_cache_evictions_total",
		Help: "Entries evicted by capacity pressure or expiry sweep.",
	}, []string{"cache", "reason"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_retry_queue_depth",
		Help: "Items currently waiting in the retry queue.",
	})
	queueReplays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_retry_queue_replays_total",
		Help: "Replay attempts by outcome.",
	}, []string{"outcome"})
	queueDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_retry_queue_dropped_total",
		Help: "Items permanently dropped after exhausting retries or capacity.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_realtime_reconnects_total",
		Help: "Reconnect attempts scheduled by the connection manager.",
	})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_deliveries_total",
		Help: "Live events delivered to subscribers by type.",
	}, []string{"type"})
	errorsHandled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_errors_handled_total",
		Help: "Errors processed by the recovery engine by severity.",
	}, []string{"severity"})
	reg.MustRegister(
		cacheHits, cacheMisses, cacheEvictions,
		queueDepth, queueReplays, queueDropped,
		reconnects, deliveries, errorsHandled,
	)
	return &NotifyMetrics{
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
		cacheEvictions: cacheEvictions,
		queueDepth:     queueDepth,
		queueReplays:   queueReplays,
		queueDropped:   queueDropped,
		reconnects:     reconnects,
		deliveries:     deliveries,
		errorsHandled:  errorsHandled,
	}
}

// IncCacheHit increments the hit counter for the named cache.
func (m *NotifyMetrics) IncCacheHit(cache string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.WithLabelValues(normalizeLabel(cache)).Inc()
}

// IncCacheMiss increments the miss counter for the named cache.
func (m *NotifyMetrics) IncCacheMiss(cache string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.WithLabelValues(normalizeLabel(cache)).Inc()
}

// IncCacheEviction increments the eviction counter with a reason label.
func (m *NotifyMetrics) IncCacheEviction(cache, reason string) {
	if m == nil || m.cacheEvictions == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(normalizeLabel(cache), normalizeLabel(reason)).Inc()
}

// SetQueueDepth records the current retry queue size.
func (m *NotifyMetrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// IncQueueReplay records one replay attempt outcome ("success" or "failure").
func (m *NotifyMetrics) IncQueueReplay(outcome string) {
	if m == nil || m.queueReplays == nil {
		return
	}
	m.queueReplays.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncQueueDropped counts a permanently dropped queue item.
func (m *NotifyMetrics) IncQueueDropped() {
	if m == nil || m.queueDropped == nil {
		return
	}
	m.queueDropped.Inc()
}

// IncReconnect counts a scheduled reconnect attempt.
func (m *NotifyMetrics) IncReconnect() {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Inc()
}

// IncDelivery counts a delivered live event by notification type.
func (m *NotifyMetrics) IncDelivery(notificationType string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

// IncErrorHandled counts a recovery engine pass by severity.
func (m *NotifyMetrics) IncErrorHandled(severity string) {
	if m == nil || m.errorsHandled == nil {
		return
	}
	m.errorsHandled.WithLabelValues(normalizeLabel(severity)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
