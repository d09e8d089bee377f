package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the save pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	saves         *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	imports       *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	passes        prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg
// (prometheus.DefaultRegisterer when nil). Collectors already registered
// by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailkit_saves_total",
			Help: "Template saves by outcome",
		}, []string{"outcome"}), // outcome: ok|warnings|failed
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailkit_stage_failures_total",
			Help: "Pipeline stage failures, fatal or not",
		}, []string{"stage"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailkit_image_imports_total",
			Help: "Foreign image imports by result",
		}, []string{"result"}), // result: imported|failed
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailkit_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		passes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailkit_resolver_passes",
			Help:    "Resolver passes needed per save",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
	}
	var err error
	if m.saves, err = register(reg, m.saves); err != nil {
		return nil, err
	}
	if m.stageFailures, err = register(reg, m.stageFailures); err != nil {
		return nil, err
	}
	if m.imports, err = register(reg, m.imports); err != nil {
		return nil, err
	}
	if m.stageDuration, err = register(reg, m.stageDuration); err != nil {
		return nil, err
	}
	if m.passes, err = register(reg, m.passes); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) save(outcome string) {
	if m != nil {
		m.saves.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) stageFailed(s Stage) {
	if m != nil {
		m.stageFailures.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) importResults(imported, failed int) {
	if m != nil {
		m.imports.WithLabelValues("imported").Add(float64(imported))
		m.imports.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) observeStage(s Stage, start time.Time) {
	if m != nil {
		m.stageDuration.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) observePasses(n int) {
	if m != nil {
		m.passes.Observe(float64(n))
	}
}
