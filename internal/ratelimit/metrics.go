package ratelimit

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeAllowed  = "allowed"
	outcomeDenied   = "denied"
	outcomeFailOpen = "fail_open"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "apiguard_ratelimit_decisions_total",
	Help: "Rate limit decisions by scope and outcome.",
}, []string{"scope", "outcome"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}
