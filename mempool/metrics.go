package mempool

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	txs      prometheus.Gauge
	weight   prometheus.Gauge
	rejected *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		txs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saferun_txpool_transactions",
			Help: "Transactions in the pool.",
		}),
		weight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saferun_txpool_weight_bytes",
			Help: "Total weight of pooled transactions.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saferun_txpool_rejected_total",
			Help: "Transactions refused by the pool, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.txs, m.weight, m.rejected)
	}
	return m
}

func (m *metrics) update(count int, weight uint64) {
	m.txs.Set(float64(count))
	m.weight.Set(float64(weight))
}
