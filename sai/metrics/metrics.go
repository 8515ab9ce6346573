// Package metrics is a thin counter/gauge facade over
// prometheus/client_golang, mirroring the one-counter-per-event style
// test_machine_monitor's server package uses (getStateRequests,
// getStateRequestsSuccess, ...) but backed by a real Prometheus registry
// instead of an internal metrics2 server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles a prometheus.Registerer with label-keyed counter/gauge
// caches so call sites can ask for "the counter named X with labels Y"
// without worrying about double-registration.
type Registry struct {
	reg      prometheus.Registerer
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// New wraps reg (pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests).
func New(reg prometheus.Registerer) *Registry {
	return &Registry{
		reg:      reg,
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
	}
}

// Counter returns (registering on first use) the named counter vector.
func (r *Registry) Counter(name, help string, labelNames ...string) *prometheus.CounterVec {
	if cv, ok := r.counters[name]; ok {
		return cv
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(cv)
	r.counters[name] = cv
	return cv
}

// Gauge returns (registering on first use) the named gauge vector.
func (r *Registry) Gauge(name, help string, labelNames ...string) *prometheus.GaugeVec {
	if gv, ok := r.gauges[name]; ok {
		return gv
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(gv)
	r.gauges[name] = gv
	return gv
}
