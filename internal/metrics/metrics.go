// Package metrics holds the Prometheus collectors for request routing,
// skill execution, circuit breakers and the fallback path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jarvis"

// Request paths used as the "path" label.
const (
	PathSkill    = "skill"
	PathFallback = "fallback"
	PathError    = "error"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	skillCalls      *prometheus.CounterVec
	skillFailures   *prometheus.CounterVec
	skillRejections *prometheus.CounterVec
	fallbackCalls   prometheus.Counter
	fallbackErrors  prometheus.Counter
	breakerState    *prometheus.GaugeVec
	schemasLoaded   prometheus.Gauge
	messages        *prometheus.CounterVec
}

// MustNew registers the collectors with reg and panics on a conflicting
// registration. Collectors already registered under the same name are
// reused, so building twice against one registry is fine.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	start := time.Now()

	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a request, by path taken.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"path"}),
		skillCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_calls_total",
			Help:      "Skill invocations admitted by the circuit breaker.",
		}, []string{"skill"}),
		skillFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_failures_total",
			Help:      "Skill invocations that returned an error, timed out or panicked.",
		}, []string{"skill"}),
		skillRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_rejections_total",
			Help:      "Skill invocations rejected by an open circuit breaker.",
		}, []string{"skill"}),
		fallbackCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_calls_total",
			Help:      "Requests answered by the fallback responder.",
		}),
		fallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_failures_total",
			Help:      "Fallback responses that degraded because the provider failed or is unavailable.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per skill (0 closed, 1 open, 2 half-open).",
		}, []string{"skill"}),
		schemasLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schemas_loaded",
			Help:      "Skill schemas in the current registry snapshot.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound channel messages dispatched to the router.",
		}, []string{"channel"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds.",
	}, func() float64 { return time.Since(start).Seconds() })

	m.requestDuration = register(reg, m.requestDuration)
	m.skillCalls = register(reg, m.skillCalls)
	m.skillFailures = register(reg, m.skillFailures)
	m.skillRejections = register(reg, m.skillRejections)
	m.fallbackCalls = register(reg, m.fallbackCalls)
	m.fallbackErrors = register(reg, m.fallbackErrors)
	m.breakerState = register(reg, m.breakerState)
	m.schemasLoaded = register(reg, m.schemasLoaded)
	m.messages = register(reg, m.messages)
	register[prometheus.Collector](reg, uptime)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the collectors of g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(path).Observe(d.Seconds())
}

func (m *Metrics) SkillCall(skill string) {
	if m == nil {
		return
	}
	m.skillCalls.WithLabelValues(skill).Inc()
}

func (m *Metrics) SkillFailure(skill string) {
	if m == nil {
		return
	}
	m.skillFailures.WithLabelValues(skill).Inc()
}

func (m *Metrics) SkillRejection(skill string) {
	if m == nil {
		return
	}
	m.skillRejections.WithLabelValues(skill).Inc()
}

// FallbackCall counts one fallback response; ok is false when it degraded.
func (m *Metrics) FallbackCall(ok bool) {
	if m == nil {
		return
	}
	m.fallbackCalls.Inc()
	if !ok {
		m.fallbackErrors.Inc()
	}
}

// BreakerState records the numeric state of a skill's breaker.
func (m *Metrics) BreakerState(skill string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(skill).Set(float64(state))
}

func (m *Metrics) SchemasLoaded(n int) {
	if m == nil {
		return
	}
	m.schemasLoaded.Set(float64(n))
}

func (m *Metrics) Message(channel string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(channel).Inc()
}
