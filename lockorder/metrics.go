package lockorder

import "github.com/prometheus/client_golang/prometheus"

// Metrics accumulates per-lock contention counters for direct inspection in
// tests, mirrored onto Prometheus by Collector below.
type Metrics struct {
	waitCount   map[string]uint64
	holdSeconds map[string]float64
}

func (m *Metrics) ensure() {
	if m.waitCount == nil {
		m.waitCount = make(map[string]uint64)
	}
	if m.holdSeconds == nil {
		m.holdSeconds = make(map[string]float64)
	}
}

// WaitCount returns the number of record_wait calls observed for lock.
func (v *Validator) WaitCount(lock string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.metrics.waitCount[lock]
}

// HoldSeconds returns the cumulative hold time recorded for lock.
func (v *Validator) HoldSeconds(lock string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.metrics.holdSeconds[lock]
}

// Collector exposes a Validator's contention metrics as Prometheus counters,
// consistent with the breaker's metrics story in §4.1.
type Collector struct {
	v            *Validator
	waitDesc     *prometheus.Desc
	holdDesc     *prometheus.Desc
	violationsDesc *prometheus.Desc
}

// NewCollector wraps v for registration with a prometheus.Registry.
func NewCollector(v *Validator) *Collector {
	return &Collector{
		v:        v,
		waitDesc: prometheus.NewDesc("lock_wait_seconds", "cumulative contention events per lock", []string{"lock"}, nil),
		holdDesc: prometheus.NewDesc("lock_hold_seconds", "cumulative hold time per lock", []string{"lock"}, nil),
		violationsDesc: prometheus.NewDesc("lock_order_violations_total", "count of ordering violations observed", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.waitDesc
	ch <- c.holdDesc
	ch <- c.violationsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.v.mu.Lock()
	locks := append([]string(nil), c.v.order...)
	waitCount := make(map[string]uint64, len(locks))
	holdSeconds := make(map[string]float64, len(locks))
	for _, lock := range locks {
		waitCount[lock] = c.v.metrics.waitCount[lock]
		holdSeconds[lock] = c.v.metrics.holdSeconds[lock]
	}
	c.v.mu.Unlock()

	for _, lock := range locks {
		ch <- prometheus.MustNewConstMetric(c.waitDesc, prometheus.CounterValue, float64(waitCount[lock]), lock)
		ch <- prometheus.MustNewConstMetric(c.holdDesc, prometheus.CounterValue, holdSeconds[lock], lock)
	}
	ch <- prometheus.MustNewConstMetric(c.violationsDesc, prometheus.CounterValue, float64(c.v.Violations()))
}
