// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/metrics"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/periodiccaller"
)

// Config holds the tunables of the correlation subsystem.
type Config struct {
	// Delay is how long an ended transaction waits for late samples.
	Delay time.Duration
	// PollInterval is the period of the poll and flush tick.
	PollInterval time.Duration
	// ShutdownTimeout bounds the wait for an in-flight tick on Stop.
	ShutdownTimeout time.Duration
	// SocketDir is the directory of the return channel socket.
	SocketDir string
	// IndexSize bounds the number of reported transaction IDs remembered to
	// classify late samples.
	IndexSize uint32
	// MaxPendingTransactions bounds the delay queue.
	MaxPendingTransactions int
	// VersionLogInterval is the period of the profiler version log.
	VersionLogInterval time.Duration
	// MetricsInterval is the period of metric publication.
	MetricsInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Delay:                  time.Second,
		PollInterval:           100 * time.Millisecond,
		ShutdownTimeout:        5 * time.Second,
		IndexSize:              65536,
		MaxPendingTransactions: 16384,
		VersionLogInterval:     5 * time.Second,
		MetricsInterval:        time.Second,
	}
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Delay < 0 {
		errs = append(errs, fmt.Errorf("negative correlation delay %v", c.Delay))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %v",
			c.PollInterval))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %v",
			c.ShutdownTimeout))
	}
	if c.IndexSize == 0 {
		errs = append(errs, errors.New("index size must not be zero"))
	}
	if c.MaxPendingTransactions <= 0 {
		errs = append(errs, fmt.Errorf("max pending transactions must be positive, got %d",
			c.MaxPendingTransactions))
	}
	if c.VersionLogInterval <= 0 {
		errs = append(errs, fmt.Errorf("version log interval must be positive, got %v",
			c.VersionLogInterval))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics interval must be positive, got %v",
			c.MetricsInterval))
	}
	return errors.Join(errs...)
}

// TransactionCorrelator holds ended transactions back for the correlation
// delay so that profiler samples arriving late can still be attached.
type TransactionCorrelator struct {
	cfg     Config
	storage *ProcessStorage
	ledger  *Ledger
	reader  *ReturnChannelReader
	sink    apm.Reporter

	now func() time.Time

	mu     sync.Mutex
	caller *periodiccaller.Caller

	buffered            *counter
	reportedImmediately *counter
	reportedDelayed     *counter
	queueFull           *counter
}

var (
	_ apm.Reporter            = (*TransactionCorrelator)(nil)
	_ apm.TransactionListener = (*TransactionCorrelator)(nil)
)

// NewTransactionCorrelator returns a stopped correlator forwarding to sink.
func NewTransactionCorrelator(agent *nativeagent.Agent, storage *ProcessStorage,
	sink apm.Reporter, cfg Config) (*TransactionCorrelator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ledger, err := NewLedger(cfg.IndexSize, cfg.MaxPendingTransactions)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction index: %w", err)
	}
	return &TransactionCorrelator{
		cfg:                 cfg,
		storage:             storage,
		ledger:              ledger,
		reader:              NewReturnChannelReader(agent, ledger),
		sink:                sink,
		now:                 time.Now,
		buffered:            newCounter(metrics.IDCorrelationTransactionsBuffered),
		reportedImmediately: newCounter(metrics.IDCorrelationTransactionsReportedImmediately),
		reportedDelayed:     newCounter(metrics.IDCorrelationTransactionsReportedDelayed),
		queueFull:           newCounter(metrics.IDCorrelationTransactionsQueueFull),
	}, nil
}

// Start opens the return channel, publishes its path and starts the poll and
// flush tick. If the channel cannot be opened, ended transactions are
// reported without delay.
func (c *TransactionCorrelator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller != nil {
		return errors.New("transaction correlator already started")
	}

	path, err := SocketPath(c.cfg.SocketDir)
	if err != nil {
		return err
	}
	if err = c.reader.Start(path); err != nil {
		return fmt.Errorf("failed to start profiler return channel: %w", err)
	}
	if err = c.storage.SetSocketPath(path); err != nil {
		return errors.Join(err, c.reader.Stop())
	}

	c.ledger.Open()
	c.caller = periodiccaller.StartAwaitable(ctx, c.cfg.PollInterval, c.tick)
	return nil
}

func (c *TransactionCorrelator) tick() {
	c.reader.Poll()
	c.Flush(c.now())
}

// TransactionStarted indexes tx so that samples can be attached to it.
func (c *TransactionCorrelator) TransactionStarted(tx *apm.Transaction) {
	c.ledger.Add(tx)
}

// ReportTransaction buffers an ended transaction for delayed reporting. It
// is reported right away when no profiler is attached, the return channel is
// down or the queue is full.
func (c *TransactionCorrelator) ReportTransaction(tx *apm.Transaction) {
	if c.storage.ProfilerVersion() == 0 || !c.reader.Running() {
		c.reportImmediately(tx)
		return
	}
	switch err := c.ledger.Enqueue(tx); {
	case err == nil:
		c.buffered.Add(1)
	case errors.Is(err, ErrQueueFull):
		c.queueFull.Add(1)
		log.Debugf("Correlation queue full, reporting transaction %s without delay",
			tx.ID())
		c.reportImmediately(tx)
	default:
		// Stopped after the reader check.
		c.reportImmediately(tx)
	}
}

func (c *TransactionCorrelator) reportImmediately(tx *apm.Transaction) {
	c.reportedImmediately.Add(1)
	c.ledger.Report(tx, c.sink)
}

// Flush reports every queued transaction that ended at least the correlation
// delay before now.
func (c *TransactionCorrelator) Flush(now time.Time) int {
	n := c.ledger.FlushExpired(now, c.cfg.Delay, c.sink)
	c.reportedDelayed.Add(uint64(n))
	return n
}

// Poll processes pending attribution messages.
func (c *TransactionCorrelator) Poll() int {
	return c.reader.Poll()
}

// Stop stops the tick, drains the channel one last time, closes it and
// reports all still queued transactions.
func (c *TransactionCorrelator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.caller != nil {
		if err := c.caller.Stop(c.cfg.ShutdownTimeout); err != nil {
			log.Warnf("Correlation tick did not finish within %v", c.cfg.ShutdownTimeout)
			errs = append(errs, err)
		}
		c.caller = nil
	}

	c.storage.ClearSocketPath()
	c.reader.Poll()
	if err := c.reader.Stop(); err != nil {
		errs = append(errs, err)
	}

	n := c.ledger.FlushAll(c.sink)
	c.reportedDelayed.Add(uint64(n))
	if n > 0 {
		log.Debugf("Reported %d pending transactions on shutdown", n)
	}
	return errors.Join(errs...)
}

// Pending returns the number of transactions waiting for the delay.
func (c *TransactionCorrelator) Pending() int {
	return c.ledger.Pending()
}

// Reader returns the return channel reader.
func (c *TransactionCorrelator) Reader() *ReturnChannelReader {
	return c.reader
}

// CorrelatorStats are the cumulative transaction counts of a correlator.
type CorrelatorStats struct {
	Buffered, ReportedImmediately, ReportedDelayed, QueueFull uint64
}

// Stats returns the cumulative counts.
func (c *TransactionCorrelator) Stats() CorrelatorStats {
	return CorrelatorStats{
		Buffered:            c.buffered.Load(),
		ReportedImmediately: c.reportedImmediately.Load(),
		ReportedDelayed:     c.reportedDelayed.Load(),
		QueueFull:           c.queueFull.Load(),
	}
}

func (c *TransactionCorrelator) appendMetrics(out []metrics.Metric) []metrics.Metric {
	for _, ctr := range []*counter{c.buffered, c.reportedImmediately,
		c.reportedDelayed, c.queueFull} {
		out = ctr.appendDelta(out)
	}
	out = append(out, metrics.Metric{
		ID:    metrics.IDCorrelationTransactionsPending,
		Value: metrics.MetricValue(c.ledger.Pending()),
	}, metrics.Metric{
		ID:    metrics.IDCorrelationTransactionsIndexed,
		Value: metrics.MetricValue(c.ledger.Indexed()),
	})
	return c.reader.appendMetrics(out)
}
