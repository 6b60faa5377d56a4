// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/apm-correlation/metrics"

// Create ids.go from metrics.json
//go:generate go run genids/main.go metrics.json ids.go

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// MetricType is the instrument kind a metric is reported with.
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricDefinition is a single entry of metrics.json.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	Name        string     `json:"name"`
	Field       string     `json:"field"`
	Unit        string     `json:"unit"`
	ID          MetricID   `json:"id"`
	Obsolete    bool       `json:"obsolete"`
}

// Summary helps summarizing metrics of the same ID from different sources before
// processing it further.
type Summary map[MetricID]MetricValue

// Slice converts the summary into a metric slice suitable for AddSlice.
func (s Summary) Slice() []Metric {
	out := make([]Metric, 0, len(s))
	for id, value := range s {
		out = append(out, Metric{ID: id, Value: value})
	}
	return out
}

// Reporter receives the aggregated metrics of each one second batch in
// addition to the OTel instruments.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}
