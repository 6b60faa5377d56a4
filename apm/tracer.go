// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package apm implements a minimal in-process tracer. Transactions and spans
// are activated on tasks explicitly, which lets listeners observe exactly which
// span is current on which task.
package apm // import "go.opentelemetry.io/apm-correlation/apm"

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/libpf/xsync"
)

// Reporter receives ended transactions.
type Reporter interface {
	ReportTransaction(tx *Transaction)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(tx *Transaction)

func (f ReporterFunc) ReportTransaction(tx *Transaction) { f(tx) }

// ActivationListener observes span activation on tasks. BeforeActivate runs
// before span becomes current, AfterDeactivate after it was removed from the
// activation stack. Both run on the task performing the change.
type ActivationListener interface {
	BeforeActivate(task libpf.TaskID, span *Span)
	AfterDeactivate(task libpf.TaskID, deactivated *Span)
}

// TransactionListener observes transaction starts.
type TransactionListener interface {
	TransactionStarted(tx *Transaction)
}

// TransactionOptions customize StartTransaction. Zero values pick fresh
// random IDs, the current time and a sampled trace.
type TransactionOptions struct {
	TraceID   libpf.APMTraceID
	ID        libpf.APMTransactionID
	ParentID  libpf.APMSpanID
	Unsampled bool
	Start     time.Time
}

// Tracer creates transactions and tracks per-task activation stacks.
type Tracer struct {
	serviceName string

	reporterMu sync.RWMutex
	reporter   Reporter

	listenersMu          sync.RWMutex
	nextListenerID       uint64
	activationListeners  []registered[ActivationListener]
	transactionListeners []registered[TransactionListener]

	activations xsync.RWMutex[map[libpf.TaskID][]*Span]

	now func() time.Time
}

// NewTracer returns a tracer reporting ended transactions to reporter.
func NewTracer(serviceName string, reporter Reporter) *Tracer {
	return &Tracer{
		serviceName: serviceName,
		reporter:    reporter,
		activations: xsync.NewRWMutex(make(map[libpf.TaskID][]*Span)),
		now:         time.Now,
	}
}

// ServiceName returns the name of the traced service.
func (t *Tracer) ServiceName() string { return t.serviceName }

// Reporter returns the current reporter.
func (t *Tracer) Reporter() Reporter {
	t.reporterMu.RLock()
	defer t.reporterMu.RUnlock()
	return t.reporter
}

// SetReporter replaces the reporter and returns the previous one. Components
// that need to see ended transactions first install themselves here and
// forward to the returned reporter.
func (t *Tracer) SetReporter(r Reporter) Reporter {
	t.reporterMu.Lock()
	defer t.reporterMu.Unlock()
	prev := t.reporter
	t.reporter = r
	return prev
}

// AddActivationListener registers l for all future activations and returns
// a function that unregisters it.
func (t *Tracer) AddActivationListener(l ActivationListener) (remove func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := t.nextListenerID
	t.nextListenerID++
	t.activationListeners = append(t.activationListeners,
		registered[ActivationListener]{id: id, l: l})
	return func() {
		t.listenersMu.Lock()
		defer t.listenersMu.Unlock()
		t.activationListeners = unregister(t.activationListeners, id)
	}
}

// AddTransactionListener registers l for all future transaction starts and
// returns a function that unregisters it.
func (t *Tracer) AddTransactionListener(l TransactionListener) (remove func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := t.nextListenerID
	t.nextListenerID++
	t.transactionListeners = append(t.transactionListeners,
		registered[TransactionListener]{id: id, l: l})
	return func() {
		t.listenersMu.Lock()
		defer t.listenersMu.Unlock()
		t.transactionListeners = unregister(t.transactionListeners, id)
	}
}

// registered is a listener with its registration id. Listeners are not
// required to be comparable.
type registered[L any] struct {
	id uint64
	l  L
}

func unregister[L any](listeners []registered[L], id uint64) []registered[L] {
	// Clone so snapshots handed out earlier stay intact.
	return slices.DeleteFunc(slices.Clone(listeners),
		func(r registered[L]) bool { return r.id == id })
}

func snapshot[L any](listeners []registered[L]) []L {
	out := make([]L, len(listeners))
	for i, r := range listeners {
		out[i] = r.l
	}
	return out
}

func (t *Tracer) activationListenerSnapshot() []ActivationListener {
	t.listenersMu.RLock()
	defer t.listenersMu.RUnlock()
	return snapshot(t.activationListeners)
}

// StartTransaction starts a new transaction. It is not activated on any task.
func (t *Tracer) StartTransaction(name, txType string, opts TransactionOptions) *Transaction {
	if opts.TraceID.IsZero() {
		opts.TraceID = newTraceID()
	}
	if opts.ID.IsZero() {
		opts.ID = newSpanID()
	}
	if opts.Start.IsZero() {
		opts.Start = t.now()
	}

	tx := &Transaction{txType: txType}
	tx.Span = Span{
		tracer:   t,
		tx:       tx,
		traceID:  opts.TraceID,
		id:       opts.ID,
		parentID: opts.ParentID,
		sampled:  !opts.Unsampled,
		name:     name,
		start:    opts.Start,
	}

	t.listenersMu.RLock()
	listeners := snapshot(t.transactionListeners)
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		l.TransactionStarted(tx)
	}
	return tx
}

// Activate pushes span onto the activation stack of task.
func (t *Tracer) Activate(task libpf.TaskID, span *Span) {
	for _, l := range t.activationListenerSnapshot() {
		l.BeforeActivate(task, span)
	}
	activations := t.activations.WLock()
	defer t.activations.WUnlock(&activations)
	(*activations)[task] = append((*activations)[task], span)
}

// Deactivate removes span from the activation stack of task. Spans are
// expected to be deactivated in reverse activation order. Out of order
// deactivations are tolerated and logged.
func (t *Tracer) Deactivate(task libpf.TaskID, span *Span) {
	if !t.pop(task, span) {
		return
	}
	for _, l := range t.activationListenerSnapshot() {
		l.AfterDeactivate(task, span)
	}
}

func (t *Tracer) pop(task libpf.TaskID, span *Span) bool {
	activations := t.activations.WLock()
	defer t.activations.WUnlock(&activations)

	stack := (*activations)[task]
	idx := slices.Index(stack, span)
	if idx < 0 {
		log.Debugf("Deactivating span %s that is not active on task %d",
			span.ID(), task)
		return false
	}
	if idx != len(stack)-1 {
		log.Debugf("Span %s deactivated out of order on task %d", span.ID(), task)
	}
	stack = slices.Delete(stack, idx, idx+1)
	if len(stack) == 0 {
		delete(*activations, task)
	} else {
		(*activations)[task] = stack
	}
	return true
}

// Active returns the innermost active span of task or nil.
func (t *Tracer) Active(task libpf.TaskID) *Span {
	activations := t.activations.RLock()
	defer t.activations.RUnlock(&activations)
	stack := (*activations)[task]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

func (t *Tracer) transactionEnded(tx *Transaction) {
	r := t.Reporter()
	if r == nil {
		return
	}
	r.ReportTransaction(tx)
}

func newTraceID() libpf.APMTraceID {
	return libpf.APMTraceID(uuid.New())
}

func newSpanID() libpf.APMSpanID {
	u := uuid.New()
	return libpf.APMSpanID(u[:8])
}
