package chain

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	height     prometheus.Gauge
	processing prometheus.Histogram
	added      prometheus.Counter
	reorgs     prometheus.Counter
	alt        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saferun_chain_height",
			Help: "Number of blocks in the main chain.",
		}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saferun_block_processing_seconds",
			Help:    "Time spent handling an incoming block.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		added: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saferun_blocks_added_total",
			Help: "Blocks attached to the main chain.",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saferun_reorgs_total",
			Help: "Switches to an alternative chain.",
		}),
		alt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saferun_alt_blocks_total",
			Help: "Blocks stored on an alternative chain.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.height, m.processing, m.added, m.reorgs, m.alt)
	}
	return m
}
