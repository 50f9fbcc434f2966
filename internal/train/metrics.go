package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/splatter/internal/strategy"
)

type metrics struct {
	iteration   prometheus.Gauge
	splats      prometheus.Gauge
	loss        prometheus.Gauge
	meansLR     prometheus.Gauge
	psnr        prometheus.Gauge
	refines     prometheus.Counter
	relocated   prometheus.Counter
	grown       prometheus.Counter
	checkpoints prometheus.Counter
	stepSeconds prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		iteration: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatter_iteration",
			Help: "Last completed training iteration",
		}),
		splats: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatter_splats",
			Help: "Current number of splats",
		}),
		loss: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatter_loss",
			Help: "Training loss of the last iteration",
		}),
		meansLR: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatter_means_lr",
			Help: "Current learning rate of splat positions",
		}),
		psnr: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatter_eval_psnr",
			Help: "Mean PSNR over held-out cameras at the last evaluation",
		}),
		refines: f.NewCounter(prometheus.CounterOpts{
			Name: "splatter_refines_total",
			Help: "Number of density-control refine steps",
		}),
		relocated: f.NewCounter(prometheus.CounterOpts{
			Name: "splatter_relocated_total",
			Help: "Number of dead splats relocated",
		}),
		grown: f.NewCounter(prometheus.CounterOpts{
			Name: "splatter_grown_total",
			Help: "Number of splats added by growth",
		}),
		checkpoints: f.NewCounter(prometheus.CounterOpts{
			Name: "splatter_checkpoints_total",
			Help: "Number of checkpoints written",
		}),
		stepSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "splatter_step_seconds",
			Help:    "Wall time of one training iteration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

func (m *metrics) refine(r strategy.RefineReport) {
	m.refines.Inc()
	m.relocated.Add(float64(r.Dead))
	m.grown.Add(float64(r.Grown))
}
