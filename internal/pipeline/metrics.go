package pipeline

import "github.com/prometheus/client_golang/prometheus"

var denialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "apiguard_pipeline_denials_total",
	Help: "Requests denied by the pipeline, by gate and error code.",
}, []string{"gate", "code"})

func init() {
	prometheus.MustRegister(denialsTotal)
}
