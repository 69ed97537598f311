package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maxent"

// Metrics are the trainer and estimator collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Iterations        prometheus.Counter
	Cost              *prometheus.GaugeVec
	LearningRate      *prometheus.GaugeVec
	EstimatorDuration *prometheus.HistogramVec
	Checkpoints       prometheus.Counter
	Runs              *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_iterations_total",
			Help:      "Training iterations completed.",
		}),
		Cost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_cost",
			Help:      "Relative moment residual of the latest iteration.",
		}, []string{"component"}),
		LearningRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Current learning rate per parameter block.",
		}, []string{"block"}),
		EstimatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimator_duration_seconds",
			Help:      "Wall time of one model-average computation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"estimator"}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints written.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by type and status.",
		}, []string{"run_type", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Iterations, m.Cost, m.LearningRate, m.EstimatorDuration, m.Checkpoints, m.Runs)
	}
	return m
}

func (m *Metrics) ObserveIteration(total, m1, m2, pk float64, etaH, etaJ, etaK float64) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.Cost.WithLabelValues("total").Set(total)
	m.Cost.WithLabelValues("m1").Set(m1)
	m.Cost.WithLabelValues("m2").Set(m2)
	m.Cost.WithLabelValues("pk").Set(pk)
	m.LearningRate.WithLabelValues("h").Set(etaH)
	m.LearningRate.WithLabelValues("J").Set(etaJ)
	m.LearningRate.WithLabelValues("K").Set(etaK)
}

func (m *Metrics) ObserveEstimator(name string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EstimatorDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) IncCheckpoints() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

func (m *Metrics) IncRuns(runType, status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(runType, status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
