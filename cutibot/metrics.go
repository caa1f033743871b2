package cutibot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const metricsNamespace = "cutibot"

// botMetrics holds the bot's prometheus collectors. Each bot gets its
// own registry, so multiple instances (ex: in tests) don't collide.
type botMetrics struct {
	registry *prometheus.Registry

	mentions          *prometheus.CounterVec
	modelCalls        *prometheus.CounterVec
	modelCallDuration prometheus.Histogram
	governorWait      prometheus.Histogram
	fallbackReplies   prometheus.Counter
	memoryResets      *prometheus.CounterVec
	refereeActions    *prometheus.CounterVec
	moderationActions *prometheus.CounterVec
	interactions      *prometheus.CounterVec
	apiRequests       *prometheus.CounterVec
}

func newBotMetrics(memory *ConversationMemory) *botMetrics {
	reg := prometheus.NewRegistry()
	m := &botMetrics{
		registry: reg,
		mentions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "mentions_total",
				Help:      "Mentions handled, by persona.",
			},
			[]string{"persona"},
		),
		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "model_calls_total",
				Help:      "Model calls, by provider and result.",
			},
			[]string{"provider", "result"},
		),
		modelCallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "model_call_duration_seconds",
				Help:      "Duration of model calls, excluding governor wait time.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
			},
		),
		governorWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "governor_wait_seconds",
				Help:      "Time callers waited on the request governor.",
				Buckets:   prometheus.LinearBuckets(0.5, 0.5, 12),
			},
		),
		fallbackReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fallback_replies_total",
				Help:      "Replies where the fallback text was used.",
			},
		),
		memoryResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "memory_resets_total",
				Help:      "Conversation memory resets, by scope.",
			},
			[]string{"scope"},
		),
		refereeActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "referee_actions_total",
				Help:      "Referee claim/cancel attempts, by action and result.",
			},
			[]string{"action", "result"},
		),
		moderationActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "moderation_actions_total",
				Help:      "Moderation commands executed, by command.",
			},
			[]string{"command"},
		),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "interactions_total",
				Help:      "Discord interactions received, by type.",
			},
			[]string{"type"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "Admin API requests, by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mentions,
		m.modelCalls,
		m.modelCallDuration,
		m.governorWait,
		m.fallbackReplies,
		m.memoryResets,
		m.refereeActions,
		m.moderationActions,
		m.interactions,
		m.apiRequests,
	)
	if memory != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Name:      "memory_users",
					Help:      "Users with a non-empty conversation buffer.",
				},
				func() float64 {
					return float64(len(memory.Users()))
				},
			),
		)
	}
	return m
}

func (m *botMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
