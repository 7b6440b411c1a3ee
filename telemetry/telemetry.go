package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var registry *prometheus.Registry

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// CounterVec for labeled counters
type CounterVec interface {
	With(labels ...string) Counter
}

type NoopStat struct{}

func (n NoopStat) Inc() {}
func (n NoopStat) Add(float64) {}
func (n NoopStat) Set(float64) {}
func (n NoopStat) Dec() {}
func (n NoopStat) Sub(float64) {}
func (n NoopStat) SetToCurrentTime() {}

type noopCounterVec struct{}

func (n noopCounterVec) With(labels ...string) Counter { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

var instanceLabel map[string]string

func NewCounter(name string, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "rowwatch",
		Name:        name,
		Help:        help,
		ConstLabels: instanceLabel,
	})

	registry.MustRegister(ret)
	return ret
}

func NewGauge(name string, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}

	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "rowwatch",
		Name:        name,
		Help:        help,
		ConstLabels: instanceLabel,
	})

	registry.MustRegister(ret)
	return ret
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}

	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "rowwatch",
		Name:        name,
		Help:        help,
		ConstLabels: instanceLabel,
	}, labels)

	registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

// Initialize sets up the Prometheus registry and binds the pipeline
// metrics. When disabled, every metric stays a noop.
func Initialize(enabled bool, instanceID uint64) {
	if !enabled {
		log.Debug().Msg("Telemetry disabled")
		return
	}

	registry = prometheus.NewRegistry()
	instanceLabel = map[string]string{
		"instance_id": strconv.FormatUint(instanceID, 10),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bindMetrics()
	log.Info().Msg("Telemetry initialized")
}

// Handler returns the /metrics handler, or nil when telemetry is disabled.
func Handler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
