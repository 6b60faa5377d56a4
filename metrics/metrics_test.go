// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	result chan []Metric
}

func (f fakeReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	metricsResult := make([]Metric, len(ids))

	for j := range ids {
		metricsResult[j].ID = MetricID(ids[j])
		metricsResult[j].Value = MetricValue(values[j])
	}

	// send the result back for comparison with client-side input
	f.result <- metricsResult
}

func TestMetrics(t *testing.T) {
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	defer SetReporter(nil)

	// This makes sure that we have enough time to call Add/AddSlice below
	// within the same timestamp (second resolution).
	time.Sleep(1*time.Second - time.Duration(time.Now().Nanosecond()))

	inputMetrics := []Metric{
		{IDCorrelationMessagesReceived, MetricValue(33)},
		{IDCorrelationMessagesAttached, MetricValue(30)},
		{IDCorrelationTransactionsPending, MetricValue(7)},
		{IDAgentGoRoutines, MetricValue(20)},
		{IDCorrelationMessagesLate, MetricValue(0)},
	}

	AddSlice(inputMetrics[0:2])                    // 33, 30
	Add(inputMetrics[1].ID, inputMetrics[1].Value) // 30, dropped
	Add(inputMetrics[2].ID, inputMetrics[2].Value) // 7
	AddSlice(inputMetrics[3:4])                    // 20
	Add(inputMetrics[0].ID, inputMetrics[0].Value) // 33, dropped
	AddSlice(inputMetrics[1:3])                    // 30, 7 dropped
	AddSlice(inputMetrics[2:5])                    // 7 dropped, 20 dropped, 0 dropped

	// Drop counter with 0 value as we don't expect it to appear in output
	inputMetrics = inputMetrics[:4]

	// trigger reporting
	time.Sleep(1 * time.Second)
	AddSlice(nil)

	timeout := time.NewTimer(3 * time.Second)
	select {
	case outputMetrics := <-reporter.result:
		assert.Equal(t, inputMetrics, outputMetrics)
	case <-timeout.C:
		// Timeout
		assert.Fail(t, "timeout - no metrics received in time")
	}
}

func TestFlush(t *testing.T) {
	reporter := &fakeReporter{result: make(chan []Metric, 4)}
	SetReporter(reporter)
	defer SetReporter(nil)

	Add(IDReporterExportErrors, 2)
	Flush()

	var last []Metric
	for len(reporter.result) > 0 {
		last = <-reporter.result
	}
	assert.Contains(t, last, Metric{IDReporterExportErrors, 2})
}

func TestOutOfRange(t *testing.T) {
	assert.NotPanics(t, func() {
		Add(IDInvalid, 1)
		Add(IDMax, 1)
	})
}

func TestGetDefinitions(t *testing.T) {
	defs := GetDefinitions()
	require.Len(t, defs, IDMax)

	seen := make(map[MetricID]bool, len(defs))
	for _, md := range defs {
		assert.False(t, seen[md.ID], "duplicate metric id %d", md.ID)
		seen[md.ID] = true
		assert.Contains(t, []MetricType{MetricTypeCounter, MetricTypeGauge}, md.Type)
		assert.NotEmpty(t, md.Field)
	}
}

func TestSummarySlice(t *testing.T) {
	s := Summary{
		IDAllocationSamples:      3,
		IDAllocationSampledBytes: 1024,
	}
	assert.ElementsMatch(t, []Metric{
		{IDAllocationSamples, 3},
		{IDAllocationSampledBytes, 1024},
	}, s.Slice())
}
