// AngelaMos | 2026
// metrics.go

package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "varylite"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	chargeOutcomes   *prometheus.CounterVec
	creditsCharged   prometheus.Counter
	creditsRefunded  prometheus.Counter
	creditsAdded     *prometheus.CounterVec
	promoRedemptions *prometheus.CounterVec
	levelUps         prometheus.Counter
	providerRequests *prometheus.CounterVec
	balanceRepairs   prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		chargeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "credits",
			Name:      "charge_attempts_total",
			Help:      "Credit charge attempts by outcome.",
		}, []string{"outcome"}),
		creditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "credits",
			Name:      "charged_total",
			Help:      "Sum of credits charged.",
		}),
		creditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "credits",
			Name:      "refunded_total",
			Help:      "Sum of credits refunded.",
		}),
		creditsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "credits",
			Name:      "added_total",
			Help:      "Sum of credits added by source.",
		}, []string{"source"}),
		promoRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "promo",
			Name:      "redemptions_total",
			Help:      "Promo code redemption attempts by result.",
		}, []string{"result"}),
		levelUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "progression",
			Name:      "level_ups_total",
			Help:      "Number of user level increases.",
		}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Generation provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		balanceRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "credits",
			Name:      "balance_repairs_total",
			Help:      "Cached balances corrected by reconciliation.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
	}

	registry.MustRegister(
		m.chargeOutcomes,
		m.creditsCharged,
		m.creditsRefunded,
		m.creditsAdded,
		m.promoRedemptions,
		m.levelUps,
		m.providerRequests,
		m.balanceRepairs,
		m.httpRequests,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ChargeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.chargeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CreditsCharged(amount float64) {
	if m == nil {
		return
	}
	m.creditsCharged.Add(amount)
}

func (m *Metrics) CreditsRefunded(amount float64) {
	if m == nil {
		return
	}
	m.creditsRefunded.Add(amount)
}

func (m *Metrics) CreditsAdded(source string, amount float64) {
	if m == nil {
		return
	}
	m.creditsAdded.WithLabelValues(source).Add(amount)
}

func (m *Metrics) PromoRedemption(result string) {
	if m == nil {
		return
	}
	m.promoRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) LevelUp() {
	if m == nil {
		return
	}
	m.levelUps.Inc()
}

func (m *Metrics) ProviderRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) BalanceRepaired() {
	if m == nil {
		return
	}
	m.balanceRepairs.Inc()
}

func (m *Metrics) HTTPRequest(method, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, status).Inc()
}
