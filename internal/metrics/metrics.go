package metrics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/roach88/evolv/internal/beacon"
	"github.com/roach88/evolv/internal/store"
)

const namespace = "evolv"

// Fetch results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the client collectors.
//
// Thread-safety: All methods are safe for concurrent use.
type Metrics struct {
	Registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	events        *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Participant payload fetches by source and result",
		}, []string{"source", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Participant payload fetch latency in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"source"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "beacon",
			Name:      "events_total",
			Help:      "Telemetry events emitted by type",
		}, []string{"type"}),
	}
	m.Registry.MustRegister(m.fetches, m.fetchDuration, m.events)
	return m
}

// Fetcher wraps next so every fetch is counted and timed.
func (m *Metrics) Fetcher(next store.Fetcher) store.Fetcher {
	return &fetcher{next: next, m: m}
}

// Emitter wraps next so every event is counted.
func (m *Metrics) Emitter(next beacon.Emitter) beacon.Emitter {
	return emitter{next: next, m: m}
}

func (m *Metrics) observeFetch(source string, start time.Time, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.fetches.WithLabelValues(source, result).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// Snapshot returns every counter and gauge keyed as
// name{label="value",...}. Histograms report their sample count under
// name_count.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			var value float64
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				value = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				name += "_count"
				value = float64(metric.GetHistogram().GetSampleCount())
			default:
				continue
			}
			out[name+labels(metric.GetLabel())] = value
		}
	}
	return out, nil
}

func labels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.GetName() + `="` + p.GetValue() + `"`
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

type fetcher struct {
	next store.Fetcher
	m    *Metrics
}

func (f *fetcher) FetchConfig(ctx context.Context, req store.Request) (map[string]any, error) {
	start := time.Now()
	out, err := f.next.FetchConfig(ctx, req)
	f.m.observeFetch(string(req.Source), start, err)
	return out, err
}

func (f *fetcher) FetchAllocations(ctx context.Context, req store.Request) ([]any, error) {
	start := time.Now()
	out, err := f.next.FetchAllocations(ctx, req)
	f.m.observeFetch(string(req.Source), start, err)
	return out, err
}

type emitter struct {
	next beacon.Emitter
	m    *Metrics
}

func (e emitter) Emit(ev beacon.Event) {
	e.m.events.WithLabelValues(ev.Type).Inc()
	e.next.Emit(ev)
}
