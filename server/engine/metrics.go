package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exported by the engine and the request handler
type Metrics struct {
	Active    prometheus.Gauge
	Accepted  prometheus.Counter
	Rejected  *prometheus.CounterVec // by reason: busy, rate
	Closed    prometheus.Counter
	QueueFull prometheus.Counter
	Responses *prometheus.CounterVec // by status code

	CGILaunched prometheus.Counter
	CGIFailed   prometheus.Counter
	CGIReaped   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg
// a nil reg leaves them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cgiserver", Name: "connections_active",
			Help: "Connections currently holding a slot.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "connections_accepted_total",
			Help: "Connections accepted into a slot.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "connections_rejected_total",
			Help: "Connections refused with the busy response.",
		}, []string{"reason"}),
		Closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "connections_closed_total",
			Help: "Connections torn down.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "queue_full_total",
			Help: "Ready connections dropped because the work queue was full.",
		}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "responses_total",
			Help: "Buffered responses by status code.",
		}, []string{"code"}),
		CGILaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "cgi_launched_total",
			Help: "CGI children started.",
		}),
		CGIFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "cgi_failed_total",
			Help: "CGI launches that failed to fork or exec.",
		}),
		CGIReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgiserver", Name: "cgi_reaped_total",
			Help: "CGI children reaped with a known owner.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Active, m.Accepted, m.Rejected, m.Closed, m.QueueFull,
			m.Responses, m.CGILaunched, m.CGIFailed, m.CGIReaped)
	}
	return m
}
