package telemetry

import (
	"net/http"

	"github.com/maxpert/cdc-relay/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "cdcrelay"

// registry stays nil while metrics are disabled; constructors then hand out
// no-op metrics.
var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}

type noopCounterVec struct{}
type noopGaugeVec struct{}

func (noopCounterVec) With(labels ...string) Counter { return NoopStat{} }
func (noopGaugeVec) With(labels ...string) Gauge     { return NoopStat{} }

type counterVec struct {
	vec *prometheus.CounterVec
}

func (c counterVec) With(labels ...string) Counter {
	return c.vec.WithLabelValues(labels...)
}

type gaugeVec struct {
	vec *prometheus.GaugeVec
}

func (g gaugeVec) With(labels ...string) Gauge {
	return g.vec.WithLabelValues(labels...)
}

// opts names a metric cdcrelay_<role>_<name>, labelled with the client id
// and broker driver of this process.
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   namespace,
		Subsystem:   subsystem(),
		Name:        name,
		Help:        help,
		ConstLabels: constLabels(),
	}
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts(opts(name, help)))
	registry.MustRegister(c)
	return c
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help)))
	registry.MustRegister(g)
	return g
}

// NewHistogramWithBuckets creates a latency histogram; see the *Buckets
// profiles in metrics.go.
func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	o := opts(name, help)
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Subsystem:   o.Subsystem,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	})
	registry.MustRegister(h)
	return h
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels)
	registry.MustRegister(vec)
	return counterVec{vec: vec}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels)
	registry.MustRegister(vec)
	return gaugeVec{vec: vec}
}

// subsystem is the role the process runs as, so publisher and consumer
// metrics never collide when scraped together.
func subsystem() string {
	if cfg.Config == nil || cfg.Config.Role == "" {
		return "relay"
	}
	return string(cfg.Config.Role)
}

func constLabels() prometheus.Labels {
	if cfg.Config == nil {
		return nil
	}
	return prometheus.Labels{
		"client_id": cfg.Config.Broker.ClientID,
		"driver":    cfg.Config.Broker.Driver,
	}
}

// InitializeTelemetry creates the registry when the admin server is enabled.
// Call it before InitMetrics.
func InitializeTelemetry() {
	if !cfg.Config.Admin.Enabled {
		log.Debug().Msg("Admin server disabled, metrics are not collected")
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	log.Info().
		Str("role", subsystem()).
		Str("driver", cfg.Config.Broker.Driver).
		Msg("Prometheus metrics enabled, served by the admin endpoint at /metrics")
}

// ResetForTesting drops the registry so constructors return no-op metrics again.
func ResetForTesting() {
	registry = nil
}

// GetMetricsHandler returns the /metrics handler, or nil when metrics are off
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
