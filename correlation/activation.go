// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/libpf/xsync"
	"go.opentelemetry.io/apm-correlation/metrics"
)

// ActivationCorrelator mirrors the active span of every task into its thread
// storage.
type ActivationCorrelator struct {
	tracer *apm.Tracer
	memory *Memory

	// failedTasks remembers tasks whose storage could not be bound, so that
	// the failure is logged only once per task.
	failedTasks xsync.RWMutex[libpf.Set[libpf.TaskID]]

	bindErrors   *counter
	updateErrors *counter
}

var _ apm.ActivationListener = (*ActivationCorrelator)(nil)

// NewActivationCorrelator returns a correlator writing to memory.
func NewActivationCorrelator(tracer *apm.Tracer, memory *Memory) *ActivationCorrelator {
	return &ActivationCorrelator{
		tracer:       tracer,
		memory:       memory,
		failedTasks:  xsync.NewRWMutex(libpf.Set[libpf.TaskID]{}),
		bindErrors:   newCounter(metrics.IDCorrelationStorageBindErrors),
		updateErrors: newCounter(metrics.IDCorrelationStorageUpdateErrors),
	}
}

// BeforeActivate publishes span as the active span of task.
func (c *ActivationCorrelator) BeforeActivate(task libpf.TaskID, span *apm.Span) {
	if err := c.memory.Bind(task); err != nil {
		c.bindErrors.Add(1)
		c.logBindFailure(task, err)
		return
	}
	if !c.memory.Update(task, span) {
		c.updateErrors.Add(1)
	}
}

// AfterDeactivate publishes whatever is still active on task, or "no span".
func (c *ActivationCorrelator) AfterDeactivate(task libpf.TaskID, _ *apm.Span) {
	// Fails if the task was never bound or released while a span was active.
	if !c.memory.Update(task, c.tracer.Active(task)) {
		c.updateErrors.Add(1)
	}
}

// ReleaseTask releases the thread storage of task.
func (c *ActivationCorrelator) ReleaseTask(task libpf.TaskID) error {
	failed := c.failedTasks.WLock()
	delete(*failed, task)
	c.failedTasks.WUnlock(&failed)
	return c.memory.ReleaseTask(task)
}

func (c *ActivationCorrelator) logBindFailure(task libpf.TaskID, err error) {
	failed := c.failedTasks.WLock()
	defer c.failedTasks.WUnlock(&failed)
	if _, ok := (*failed)[task]; ok {
		return
	}
	(*failed)[task] = libpf.Void{}
	log.Warnf("Failed to bind correlation storage for task %d: %v", task, err)
}

// BindErrors returns the number of failed storage bindings.
func (c *ActivationCorrelator) BindErrors() uint64 { return c.bindErrors.Load() }

// UpdateErrors returns the number of deactivations on tasks without storage.
func (c *ActivationCorrelator) UpdateErrors() uint64 { return c.updateErrors.Load() }

func (c *ActivationCorrelator) appendMetrics(out []metrics.Metric) []metrics.Metric {
	out = c.bindErrors.appendDelta(out)
	return c.updateErrors.appendDelta(out)
}
