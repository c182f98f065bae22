package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	switchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modeswitcher_switches_total",
		Help: "Completed switch pipelines by terminal state.",
	}, []string{"result"})

	switchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "modeswitcher_switch_duration_seconds",
		Help:    "Wall-clock duration of completed switch pipelines.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	rollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modeswitcher_rollbacks_total",
		Help: "Switch pipelines that entered the rollback protocol.",
	})

	leaseExpirationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modeswitcher_lease_expirations_total",
		Help: "ComfyUI leases reclaimed by the monitor.",
	})
)

func init() {
	prometheus.MustRegister(switchesTotal, switchDuration, rollbacksTotal, leaseExpirationsTotal)
}
