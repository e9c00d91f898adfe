package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Number of messages waiting in the queue.",
	})
	QueueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_in_flight",
		Help: "Number of messages currently being delivered.",
	})
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total messages processed by terminal outcome.",
	}, []string{"outcome"})
	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_delivery_latency_seconds",
		Help:    "Time between enqueue and acknowledgement.",
		Buckets: prometheus.DefBuckets,
	})
	ServicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_services_registered",
		Help: "Number of currently registered service instances.",
	})
	ServiceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_service_events_total",
		Help: "Total registry lifecycle events by type.",
	}, []string{"type"})
	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_health_checks_total",
		Help: "Total health probes by result.",
	}, []string{"result"})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_breaker_transitions_total",
		Help: "Circuit breaker state transitions by breaker and new state.",
	}, []string{"breaker", "state"})
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_requests_total",
		Help: "Total gateway requests by method and status code.",
	}, []string{"method", "code"})
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_gateway_request_duration_seconds",
		Help:    "Gateway request processing time.",
		Buckets: prometheus.DefBuckets,
	})
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gateway_proxied_total",
		Help: "Requests proxied to discovered backends by service and outcome.",
	}, []string{"service", "outcome"})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
)
