// Package metrics 定义中继进程的 Prometheus 指标，在健康检查端口的 /metrics 暴露。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livechat"

var Registry = prometheus.NewRegistry()

var (
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Number of registered realtime sessions.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Number of users with at least one live session.",
	})

	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_transitions_total",
		Help:      "Presence edge transitions by direction.",
	}, []string{"direction"})

	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_events_total",
		Help:      "Inbound realtime events by kind.",
	}, []string{"event"})

	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_errors_total",
		Help:      "Inbound events that ended in an error reply.",
	}, []string{"event"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_events_total",
		Help:      "Inbound events rejected by the per-session limiter.",
	})

	Pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pushes_total",
		Help:      "Outbound frames handed to sessions by event type.",
	}, []string{"event"})

	PushFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_failures_total",
		Help:      "Outbound frames a session refused by event type.",
	}, []string{"event"})

	DeliveryTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_transitions_total",
		Help:      "Persisted message status transitions by target status.",
	}, []string{"status"})

	ReactionToggles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaction_toggles_total",
		Help:      "Persisted reaction toggles by action.",
	}, []string{"action"})

	IdleTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idle_timeouts_total",
		Help:      "Connections closed by the heartbeat checker.",
	})

	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_operation_seconds",
		Help:      "Latency of persistence calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Sessions,
		OnlineUsers,
		PresenceTransitions,
		InboundEvents,
		EventErrors,
		RateLimited,
		Pushes,
		PushFailures,
		DeliveryTransitions,
		ReactionToggles,
		IdleTimeouts,
		StoreLatency,
	)
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
