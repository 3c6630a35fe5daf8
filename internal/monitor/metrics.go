package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apiguard_security_events_total",
		Help: "Security events recorded, by type and severity.",
	}, []string{"type", "severity"})

	suspiciousIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "apiguard_suspicious_ips",
		Help: "Source addresses currently marked suspicious.",
	})

	alertFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "apiguard_alert_failures_total",
		Help: "Alert hook deliveries that failed or were dropped.",
	}, []string{"hook"})

	archiveDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apiguard_archive_dropped_total",
		Help: "Events not archived because the archive queue was full.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, suspiciousIPs, alertFailures, archiveDropped)
}
