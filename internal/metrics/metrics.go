package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_relay_online_conns",
		Help: "Current open websocket connections.",
	})
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_relay_online_identities",
		Help: "Identities with at least one open connection.",
	})

	AuthFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_auth_fail_total",
		Help: "Rejected connection attempts by reason.",
	}, []string{"reason"})

	EventsIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_events_in_total",
		Help: "Client events received by event name.",
	}, []string{"event"})
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_rate_limited_total",
		Help: "Client events dropped by the per-connection rate limiter.",
	})

	WSPushOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_ws_push_ok_total",
		Help: "Total ws frames queued successfully.",
	})
	WSPushBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_ws_backpressure_total",
		Help: "Total times an outbound queue was full and the frame was dropped for that member.",
	})

	SendOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_send_ok_total",
		Help: "Messages persisted and acknowledged.",
	})
	SendFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_send_fail_total",
		Help: "Send intents answered with message-error, by kind.",
	}, []string{"kind"})
	DeliveredAtSend = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_delivered_at_send_total",
		Help: "Messages confirmed delivered at send time (receiver online).",
	})
	OfflinePublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_offline_published_total",
		Help: "Offline receiver events handed to MQ.",
	})

	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "im_relay_store_seconds",
		Help:    "Latency of persistence store calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_breaker_open_total",
		Help: "Total times the store circuit breaker opened.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, OnlineIdentities,
		AuthFail,
		EventsIn, RateLimited,
		WSPushOK, WSPushBackpressure,
		SendOK, SendFail, DeliveredAtSend, OfflinePublished,
		StoreLatency, BreakerOpen,
	)
}
