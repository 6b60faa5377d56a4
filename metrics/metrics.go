// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/apm-correlation/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/vc"
)

var (
	// mutex serializes the concurrent calls to AddSlice()
	mutex sync.Mutex

	// pending collects the metrics of the current second.
	pending = newBatch()

	//go:embed metrics.json
	metricsJSON []byte

	// Used in fallback checks, e.g. to avoid sending "counters" with 0 values
	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/apm-correlation",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	reporterImpl Reporter
)

// batch holds at most one value per metric ID for one second.
type batch struct {
	timestamp uint32
	metrics   []Metric
	seen      libpf.Set[MetricID]
}

func newBatch() *batch {
	return &batch{
		metrics: make([]Metric, 0, IDMax),
		seen:    make(libpf.Set[MetricID], IDMax),
	}
}

// add appends m unless its ID is already part of the batch.
func (b *batch) add(m Metric) bool {
	if _, ok := b.seen[m.ID]; ok {
		return false
	}
	b.seen[m.ID] = libpf.Void{}
	b.metrics = append(b.metrics, m)
	return true
}

func (b *batch) reset() {
	b.metrics = b.metrics[:0]
	clear(b.seen)
}

// SetReporter registers an additional receiver for the per-second batches.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	defs := GetDefinitions()
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete || md.ID == IDInvalid {
			continue
		}
		metricTypes[md.ID] = md.Type
		opts := []metric.InstrumentOption{
			metric.WithDescription(md.Description),
			metric.WithUnit(md.Unit),
		}
		switch md.Type {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field, counterOptions(opts)...)
			if err != nil {
				log.Errorf("Creating Int64Counter %s: %v", md.Field, err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field, gaugeOptions(opts)...)
			if err != nil {
				log.Errorf("Creating Int64Gauge %s: %v", md.Field, err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", md.Type))
		}
	}
}

func counterOptions(opts []metric.InstrumentOption) []metric.Int64CounterOption {
	out := make([]metric.Int64CounterOption, len(opts))
	for i, o := range opts {
		out[i] = o
	}
	return out
}

func gaugeOptions(opts []metric.InstrumentOption) []metric.Int64GaugeOption {
	out := make([]metric.Int64GaugeOption, len(opts))
	for i, o := range opts {
		out[i] = o
	}
	return out
}

// report hands the pending batch to the registered reporter and the OTel
// instruments, then resets it. The caller holds mutex.
func report() {
	if reporterImpl != nil {
		ids := make([]uint32, len(pending.metrics))
		values := make([]int64, len(pending.metrics))
		for i, m := range pending.metrics {
			ids[i] = uint32(m.ID)
			values[i] = int64(m.Value)
		}
		reporterImpl.ReportMetrics(pending.timestamp, ids, values)
	}

	ctx := context.Background()
	for _, m := range pending.metrics {
		if counter, ok := counters[m.ID]; ok {
			counter.Add(ctx, int64(m.Value))
		} else if gauge, ok := gauges[m.ID]; ok {
			gauge.Record(ctx, int64(m.Value))
		}
	}
	pending.reset()
}

// AddSlice takes a slice of metrics from a metric provider.
// The function buffers the metrics and returns immediately.
//
// Metrics are collected until the second changes. The batch of the previous
// second is then reported with its own timestamp. Within one second only the
// first value of each metric ID is kept.
func AddSlice(newMetrics []Metric) {
	now := uint32(time.Now().Unix())

	mutex.Lock()
	defer mutex.Unlock()

	if pending.timestamp != now && len(pending.metrics) > 0 {
		report()
	}
	pending.timestamp = now

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}
		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}
		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}
		if !pending.add(m) && m.ID > IDAgentSTime {
			// Agent metrics are collected every second and may land twice in
			// the same batch.
			log.Debugf("Metric ID %d:%v reported multiple times", m.ID, m.Value)
		}
	}
}

// Add takes a single metric (id and value) from a metric provider.
// The function buffers the metric and returns immediately.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the metrics buffered for the current second right away.
// It is meant to be called once on shutdown.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	if len(pending.metrics) > 0 {
		report()
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
