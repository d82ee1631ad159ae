package telemetry

import (
	"net/http"
	"strings"
	"sync"

	"github.com/maxpert/dcjoin/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "dcjoin"

// Subsystems group metrics by the component that records them
const (
	SubsystemDRS       = "drs"
	SubsystemLifecycle = "lifecycle"
	SubsystemStore     = "store"
	SubsystemPublisher = "publisher"
)

// partitionLabel is the label every partition-scoped metric carries
const partitionLabel = "partition"

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
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// PartitionGaugeVec is a gauge keyed by partition name. A partition that is
// reset in the local store is forgotten so its stale series stop being exported.
type PartitionGaugeVec interface {
	With(partition string) Gauge
	Forget(partition string)
}

type NoopStat struct{}

func (NoopStat) Observe(float64)   {}
func (NoopStat) Set(float64)       {}
func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) SetToCurrentTime() {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}
type noopPartitionGaugeVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }
func (noopPartitionGaugeVec) With(string) Gauge   { return NoopStat{} }
func (noopPartitionGaugeVec) Forget(string)       {}

type counterVec struct{ vec *prometheus.CounterVec }

func (c counterVec) With(labels ...string) Counter { return c.vec.WithLabelValues(labels...) }

type gaugeVec struct{ vec *prometheus.GaugeVec }

func (g gaugeVec) With(labels ...string) Gauge { return g.vec.WithLabelValues(labels...) }

type histogramVec struct{ vec *prometheus.HistogramVec }

func (h histogramVec) With(labels ...string) Histogram { return h.vec.WithLabelValues(labels...) }

type partitionGaugeVec struct{ vec *prometheus.GaugeVec }

func (p partitionGaugeVec) With(partition string) Gauge {
	return p.vec.WithLabelValues(PartitionLabel(partition))
}

func (p partitionGaugeVec) Forget(partition string) {
	p.vec.DeleteLabelValues(PartitionLabel(partition))
}

// PartitionLabel normalizes a partition name or naming context DN so that
// the same partition always maps to one series
func PartitionLabel(partition string) string {
	p := strings.ToLower(strings.TrimSpace(partition))
	if p == "" {
		return "unknown"
	}
	return p
}

// Opts describes one metric. Labels are the variable label names; node and
// site are attached to every metric as constant labels.
type Opts struct {
	Subsystem string
	Name      string
	Help      string
	Labels    []string
	Buckets   []float64
}

func (o Opts) counter() prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Subsystem: o.Subsystem, Name: o.Name, Help: o.Help, ConstLabels: constLabels()}
}

func (o Opts) gauge() prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Subsystem: o.Subsystem, Name: o.Name, Help: o.Help, ConstLabels: constLabels()}
}

func (o Opts) histogram() prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: namespace, Subsystem: o.Subsystem, Name: o.Name, Help: o.Help, Buckets: o.Buckets, ConstLabels: constLabels()}
}

func NewCounterVec(o Opts) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	ret := prometheus.NewCounterVec(o.counter(), o.Labels)
	registry.MustRegister(ret)
	return counterVec{vec: ret}
}

func NewGaugeVec(o Opts) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	ret := prometheus.NewGaugeVec(o.gauge(), o.Labels)
	registry.MustRegister(ret)
	return gaugeVec{vec: ret}
}

func NewHistogramVec(o Opts) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	ret := prometheus.NewHistogramVec(o.histogram(), o.Labels)
	registry.MustRegister(ret)
	return histogramVec{vec: ret}
}

func NewHistogram(o Opts) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	ret := prometheus.NewHistogram(o.histogram())
	registry.MustRegister(ret)
	return ret
}

// NewPartitionGaugeVec registers a gauge labelled only by partition. Any
// Labels in o are ignored.
func NewPartitionGaugeVec(o Opts) PartitionGaugeVec {
	if registry == nil {
		return noopPartitionGaugeVec{}
	}
	ret := prometheus.NewGaugeVec(o.gauge(), []string{partitionLabel})
	registry.MustRegister(ret)
	return partitionGaugeVec{vec: ret}
}

var (
	partitionGaugesMu sync.Mutex
	partitionGauges   []PartitionGaugeVec
)

// trackPartition remembers g so ForgetPartition reaches it
func trackPartition(g PartitionGaugeVec) PartitionGaugeVec {
	partitionGaugesMu.Lock()
	defer partitionGaugesMu.Unlock()
	partitionGauges = append(partitionGauges, g)
	return g
}

// ForgetPartition drops every partition-scoped series of partition
func ForgetPartition(partition string) {
	partitionGaugesMu.Lock()
	defer partitionGaugesMu.Unlock()
	for _, g := range partitionGauges {
		g.Forget(partition)
	}
}

func constLabels() map[string]string {
	labels := map[string]string{
		"node": strings.ToUpper(cfg.Config.Local.NetbiosName),
	}
	if site := cfg.Config.Local.SiteName; site != "" {
		labels["site"] = site
	}
	return labels
}

func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled - served by the admin endpoint at /metrics")
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics, or nil
// when Prometheus is not enabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
