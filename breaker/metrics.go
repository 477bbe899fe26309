package breaker

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Breaker's Metrics() snapshot to the Prometheus
// collector interface, grounded on weisyn-go-weisyn's practice of exposing
// internal service counters as prometheus.Collectors rather than pushing
// values imperatively.
type Collector struct {
	b *Breaker

	stateDesc       *prometheus.Desc
	failuresDesc    *prometheus.Desc
	successesDesc   *prometheus.Desc
	transitionsDesc *prometheus.Desc
	timeoutsDesc    *prometheus.Desc
	halfOpenDesc    *prometheus.Desc
	timeInStateDesc *prometheus.Desc
}

// NewCollector wraps b for registration with a prometheus.Registry.
func NewCollector(b *Breaker) *Collector {
	constLabels := prometheus.Labels{"endpoint": b.Endpoint()}
	return &Collector{
		b: b,
		stateDesc: prometheus.NewDesc(
			"circuit_breaker_state", "Current breaker state (0=Closed,1=Open,2=HalfOpen).",
			nil, constLabels),
		failuresDesc: prometheus.NewDesc(
			"circuit_breaker_failures_total", "Total recorded failures.", nil, constLabels),
		successesDesc: prometheus.NewDesc(
			"circuit_breaker_successes_total", "Total recorded successes.", nil, constLabels),
		transitionsDesc: prometheus.NewDesc(
			"circuit_breaker_state_transitions_total", "Total state transitions.", nil, constLabels),
		timeoutsDesc: prometheus.NewDesc(
			"circuit_breaker_timeout_events_total", "Total Open-window timeouts started.", nil, constLabels),
		halfOpenDesc: prometheus.NewDesc(
			"circuit_breaker_half_open_attempts_total", "Total HalfOpen probes granted.", nil, constLabels),
		timeInStateDesc: prometheus.NewDesc(
			"circuit_breaker_time_in_state_seconds", "Cumulative seconds spent in a state.",
			[]string{"state"}, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.failuresDesc
	ch <- c.successesDesc
	ch <- c.transitionsDesc
	ch <- c.timeoutsDesc
	ch <- c.halfOpenDesc
	ch <- c.timeInStateDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.b.Metrics()

	ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, float64(m.State))
	ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(m.TotalFailures))
	ch <- prometheus.MustNewConstMetric(c.successesDesc, prometheus.CounterValue, float64(m.TotalSuccesses))
	ch <- prometheus.MustNewConstMetric(c.transitionsDesc, prometheus.CounterValue, float64(m.StateTransitions))
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue, float64(m.TimeoutEvents))
	ch <- prometheus.MustNewConstMetric(c.halfOpenDesc, prometheus.CounterValue, float64(m.HalfOpenAttempts))

	ch <- prometheus.MustNewConstMetric(c.timeInStateDesc, prometheus.CounterValue, m.TimeInClosed.Seconds(), "Closed")
	ch <- prometheus.MustNewConstMetric(c.timeInStateDesc, prometheus.CounterValue, m.TimeInOpen.Seconds(), "Open")
	ch <- prometheus.MustNewConstMetric(c.timeInStateDesc, prometheus.CounterValue, m.TimeInHalfOpen.Seconds(), "HalfOpen")
}
