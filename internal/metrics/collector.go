// Package metrics exposes Prometheus metrics for actionbridge. Each Collector
// owns its registry so tests and multiple engines never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actionbridge/internal/domain"
)

const namespace = "actionbridge"

// Collector implements the recorder interfaces of the API client, the tool
// registry, the LLM processor and the orchestrator.
type Collector struct {
	registry *prometheus.Registry
	start    time.Time

	turns          *prometheus.CounterVec
	reprompts      prometheus.Counter
	activeSessions prometheus.Gauge

	llmRequests *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec

	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	apiAttempts *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	c := &Collector{registry: reg, start: time.Now()}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds",
	}, func() float64 { return time.Since(c.start).Seconds() })

	c.turns = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Utterances processed, by terminal status",
	}, []string{"status"})
	c.reprompts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reprompts_total",
		Help:      "Re-prompts sent to the LLM after validation failures",
	})
	c.activeSessions = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently open",
	})

	c.llmRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_requests_total",
		Help:      "LLM attempts by provider and outcome",
	}, []string{"provider", "outcome"})
	c.llmLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_latency_seconds",
		Help:      "LLM request latency in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})
	c.llmTokens = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens used by LLM requests",
	}, []string{"provider", "type"})

	c.dispatches = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Action dispatches by tool and outcome",
	}, []string{"tool", "outcome"})
	c.dispatchLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Action dispatch latency in seconds, retries included",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"tool"})

	c.apiAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_attempts_total",
		Help:      "Backend HTTP attempts by method and outcome",
	}, []string{"method", "outcome"})
	c.apiLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_latency_seconds",
		Help:      "Backend HTTP attempt latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Uptime() time.Duration { return time.Since(c.start) }

// APIAttempt records one backend HTTP attempt.
func (c *Collector) APIAttempt(method, outcome string, elapsed time.Duration) {
	c.apiAttempts.WithLabelValues(method, outcome).Inc()
	c.apiLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Dispatch records one registry dispatch; kind is "ok" or an error kind.
func (c *Collector) Dispatch(tool, kind string, elapsed time.Duration) {
	c.dispatches.WithLabelValues(tool, kind).Inc()
	c.dispatchLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// LLMCall records one provider attempt.
func (c *Collector) LLMCall(provider, outcome string, elapsed time.Duration, usage domain.Usage) {
	c.llmRequests.WithLabelValues(provider, outcome).Inc()
	c.llmLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	if usage.PromptTokens > 0 {
		c.llmTokens.WithLabelValues(provider, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.llmTokens.WithLabelValues(provider, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (c *Collector) Turn(status domain.TurnStatus) {
	c.turns.WithLabelValues(string(status)).Inc()
}

func (c *Collector) Reprompt() { c.reprompts.Inc() }

func (c *Collector) SessionOpened() { c.activeSessions.Inc() }
func (c *Collector) SessionClosed() { c.activeSessions.Dec() }
