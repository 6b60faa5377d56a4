// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/libpf/freelru"
	"go.opentelemetry.io/apm-correlation/libpf/xsync"
)

var (
	// ErrQueueFull is returned by Enqueue when maxPending transactions wait.
	ErrQueueFull = errors.New("correlation queue full")
	// ErrLedgerClosed is returned by Enqueue after FlushAll.
	ErrLedgerClosed = errors.New("correlation ledger closed")
)

// Ledger indexes transactions by ID from start until they are reported and
// queues ended transactions until their correlation delay expired.
type Ledger struct {
	index xsync.RWMutex[map[libpf.APMTransactionID]*apm.Transaction]

	// recent remembers the IDs of reported transactions, so that samples
	// arriving for them can be told apart from samples for unknown ones.
	recent *freelru.LRU[libpf.APMTransactionID, libpf.Void]

	// mu guards queue and closed and serializes reporting, so that a
	// transaction is removed from the index and handed to the sink as one step.
	mu         sync.Mutex
	queue      []*apm.Transaction
	closed     bool
	maxPending int
}

// NewLedger returns a ledger that queues up to maxPending ended transactions
// and remembers the IDs of the last recentSize reported ones.
func NewLedger(recentSize uint32, maxPending int) (*Ledger, error) {
	recent, err := freelru.New[libpf.APMTransactionID, libpf.Void](recentSize,
		libpf.APMTransactionID.Hash32)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		index:      xsync.NewRWMutex(make(map[libpf.APMTransactionID]*apm.Transaction)),
		recent:     recent,
		maxPending: maxPending,
	}, nil
}

// Add indexes tx by its ID. Indexed transactions are never evicted.
func (l *Ledger) Add(tx *apm.Transaction) {
	index := l.index.WLock()
	defer l.index.WUnlock(&index)
	(*index)[tx.ID()] = tx
}

// Lookup returns the indexed transaction with the given ID.
func (l *Ledger) Lookup(id libpf.APMTransactionID) *apm.Transaction {
	index := l.index.RLock()
	defer l.index.RUnlock(&index)
	return (*index)[id]
}

// RecentlyReported tells whether a transaction with the given ID was
// reported recently.
func (l *Ledger) RecentlyReported(id libpf.APMTransactionID) bool {
	return l.recent.Contains(id)
}

// Enqueue appends an ended transaction to the queue. It fails with
// ErrQueueFull or, once FlushAll ran, with ErrLedgerClosed. The caller then
// owns reporting tx.
func (l *Ledger) Enqueue(tx *apm.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}
	if len(l.queue) >= l.maxPending {
		return ErrQueueFull
	}
	l.queue = append(l.queue, tx)
	return nil
}

// Open accepts transactions again after FlushAll.
func (l *Ledger) Open() {
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()
}

// Report removes tx from the index, seals it and hands it to sink.
func (l *Ledger) Report(tx *apm.Transaction, sink apm.Reporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report(tx, sink)
}

// report must be called with mu held.
func (l *Ledger) report(tx *apm.Transaction, sink apm.Reporter) {
	index := l.index.WLock()
	// The index may hold a newer transaction reusing the ID.
	if (*index)[tx.ID()] == tx {
		delete(*index, tx.ID())
	}
	l.index.WUnlock(&index)
	l.recent.Add(tx.ID(), libpf.Void{})

	tx.Seal()
	if sink != nil {
		sink.ReportTransaction(tx)
	}
}

// FlushExpired reports queued transactions that ended at least delay before
// now. Only the head of the queue is checked, so a transaction with an
// unusual end time may hold back later ones until it expires.
func (l *Ledger) FlushExpired(now time.Time, delay time.Duration, sink apm.Reporter) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for len(l.queue) > 0 && l.queue[0].TimeSinceEnded(now) >= delay {
		tx := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.report(tx, sink)
		n++
	}
	if len(l.queue) == 0 {
		l.queue = nil
	}
	return n
}

// FlushAll reports every queued transaction regardless of its age and closes
// the queue until Open is called.
func (l *Ledger) FlushAll(sink apm.Reporter) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	n := len(l.queue)
	for _, tx := range l.queue {
		l.report(tx, sink)
	}
	l.queue = nil
	return n
}

// Pending returns the number of queued transactions.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Indexed returns the number of indexed transactions.
func (l *Ledger) Indexed() int {
	index := l.index.RLock()
	defer l.index.RUnlock(&index)
	return len(*index)
}

// RecentStatistics returns and resets the statistics of the reported IDs.
func (l *Ledger) RecentStatistics() freelru.Statistics {
	return l.recent.GetAndResetStatistics()
}
