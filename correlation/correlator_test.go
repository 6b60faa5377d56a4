// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/apm-correlation/apm"
	"go.opentelemetry.io/apm-correlation/libpf"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/nativeagent/nativeagenttest"
)

// sink collects reported transactions.
type sink struct {
	mu  sync.Mutex
	txs []*apm.Transaction
}

func (s *sink) ReportTransaction(tx *apm.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
}

func (s *sink) reported() []*apm.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*apm.Transaction(nil), s.txs...)
}

type correlatorEnv struct {
	agent      *nativeagent.Agent
	lib        *nativeagenttest.Library
	storage    *ProcessStorage
	sink       *sink
	tracer     *apm.Tracer
	correlator *TransactionCorrelator
}

// newCorrelatorEnv returns a started correlator whose tick never fires on its
// own, so tests drive Poll and Flush explicitly.
func newCorrelatorEnv(t *testing.T, mutate func(*Config)) *correlatorEnv {
	t.Helper()
	agent, lib := newTestAgent(t)
	storage, err := NewProcessStorage(agent, "svc")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.SocketDir = nativeagenttest.SocketDir(t)
	if mutate != nil {
		mutate(&cfg)
	}

	s := &sink{}
	correlator, err := NewTransactionCorrelator(agent, storage, s, cfg)
	require.NoError(t, err)
	require.NoError(t, correlator.Start(context.Background()))
	t.Cleanup(func() { _ = correlator.Stop() })

	tracer := apm.NewTracer("svc", correlator)
	tracer.AddTransactionListener(correlator)

	return &correlatorEnv{
		agent:      agent,
		lib:        lib,
		storage:    storage,
		sink:       s,
		tracer:     tracer,
		correlator: correlator,
	}
}

func (e *correlatorEnv) send(t *testing.T, msgs ...Message) {
	t.Helper()
	var datagram []byte
	for i := range msgs {
		datagram = append(datagram, msgs[i].Encode()...)
	}
	require.True(t, e.lib.Send(datagram))
}

func sampleFor(tx *apm.Transaction, id libpf.TraceHash, count uint16) Message {
	return Message{
		TraceID:       tx.TraceID(),
		TransactionID: tx.ID(),
		StackTraceID:  id,
		Count:         count,
	}
}

func TestCorrelatorPublishesSocketPath(t *testing.T) {
	env := newCorrelatorEnv(t, nil)
	path := env.storage.SocketPath()
	assert.NotEmpty(t, path)
	assert.Equal(t, path, env.lib.ChannelPath())
	assert.Equal(t, path, env.correlator.Reader().Path())

	require.NoError(t, env.correlator.Stop())
	assert.Empty(t, env.storage.SocketPath())
	assert.Empty(t, env.lib.ChannelPath())
}

func TestCorrelationDelay(t *testing.T) {
	stackA := libpf.NewTraceHash(0xa, 0xa)
	stackB := libpf.NewTraceHash(0xb, 0xb)

	type arrival struct {
		after time.Duration
		msg   func(tx *apm.Transaction) Message
	}

	tests := map[string]struct {
		version       uint64
		delay         time.Duration
		arrivals      []arrival
		notYet        time.Duration
		wantImmediate bool
		want          []apm.ProfilerSample
	}{
		"samples within delay": {
			version: 1,
			delay:   500 * time.Millisecond,
			arrivals: []arrival{
				{50 * time.Millisecond, func(tx *apm.Transaction) Message {
					return sampleFor(tx, stackA, 2)
				}},
				{450 * time.Millisecond, func(tx *apm.Transaction) Message {
					return sampleFor(tx, stackB, 1)
				}},
			},
			notYet: 499 * time.Millisecond,
			want: []apm.ProfilerSample{
				{StackTraceID: stackA, Count: 2},
				{StackTraceID: stackB, Count: 1},
			},
		},
		"one sample": {
			version: 1,
			delay:   time.Second,
			arrivals: []arrival{
				{0, func(tx *apm.Transaction) Message { return sampleFor(tx, stackA, 2) }},
			},
			notYet: 500 * time.Millisecond,
			want:   []apm.ProfilerSample{{StackTraceID: stackA, Count: 2}},
		},
		"no profiler": {
			version: 0,
			delay:   500 * time.Millisecond,
			arrivals: []arrival{
				{50 * time.Millisecond, func(tx *apm.Transaction) Message {
					return sampleFor(tx, stackA, 2)
				}},
			},
			wantImmediate: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newCorrelatorEnv(t, func(cfg *Config) { cfg.Delay = tc.delay })
			setProfilerVersion(env.lib, tc.version)

			start := time.Unix(100, 0)
			tx := env.tracer.StartTransaction("GET /", "request",
				apm.TransactionOptions{Start: start})
			end := start.Add(50 * time.Millisecond)
			tx.EndAt(end)

			for _, a := range tc.arrivals {
				env.send(t, a.msg(tx))
				assert.Equal(t, 1, env.correlator.Poll())
				assert.Zero(t, env.correlator.Flush(end.Add(a.after)))
			}

			if tc.wantImmediate {
				require.Len(t, env.sink.reported(), 1)
				assert.Empty(t, tx.ProfilerSampleEntries())
				assert.Empty(t, tx.ProfilerSamples())
				assert.Equal(t, uint64(1), env.correlator.Stats().ReportedImmediately)
				assert.Equal(t, uint64(len(tc.arrivals)),
					env.correlator.Reader().Stats().Late)
				return
			}

			assert.Zero(t, env.correlator.Flush(end.Add(tc.notYet)))
			assert.Empty(t, env.sink.reported())
			assert.False(t, tx.Sealed())

			assert.Equal(t, 1, env.correlator.Flush(end.Add(tc.delay)))
			reported := env.sink.reported()
			require.Len(t, reported, 1)
			assert.Same(t, tx, reported[0])
			assert.True(t, tx.Sealed())
			assert.Equal(t, tc.want, tx.ProfilerSampleEntries())

			// Samples arriving after the report are dropped as late.
			env.send(t, sampleFor(tx, stackA, 1))
			env.correlator.Poll()
			assert.Equal(t, tc.want, tx.ProfilerSampleEntries())
			readerStats := env.correlator.Reader().Stats()
			assert.Equal(t, uint64(1), readerStats.Late)
			assert.Zero(t, readerStats.UnknownTransaction)

			stats := env.correlator.Stats()
			assert.Equal(t, uint64(1), stats.Buffered)
			assert.Equal(t, uint64(1), stats.ReportedDelayed)
		})
	}
}

// A long running transaction stays indexed no matter how many transactions
// start and end while it is active.
func TestLongTransactionStaysIndexed(t *testing.T) {
	env := newCorrelatorEnv(t, func(cfg *Config) {
		cfg.IndexSize = 64
		cfg.MaxPendingTransactions = 1 << 16
	})
	setProfilerVersion(env.lib, 1)

	long := env.tracer.StartTransaction("long", "request", apm.TransactionOptions{})
	for range 1000 {
		env.tracer.StartTransaction("short", "request", apm.TransactionOptions{}).End()
	}
	long.End()

	stack := libpf.NewTraceHash(3, 3)
	env.send(t, sampleFor(long, stack, 1))
	assert.Equal(t, 1, env.correlator.Poll())
	assert.Equal(t, 1001, env.correlator.Flush(time.Now().Add(time.Hour)))

	assert.Equal(t, []apm.ProfilerSample{{StackTraceID: stack, Count: 1}},
		long.ProfilerSampleEntries())
	stats := env.correlator.Reader().Stats()
	assert.Equal(t, uint64(1), stats.Attached)
	assert.Zero(t, stats.UnknownTransaction)
	assert.Zero(t, env.correlator.ledger.Indexed())
	recent := env.correlator.ledger.RecentStatistics()
	assert.Equal(t, uint64(1001), recent.Added)
	assert.Equal(t, uint64(1001-64), recent.Evicted)

	// Never started transactions are unknown, not late.
	env.send(t, Message{
		TraceID:       libpf.APMTraceID{0: 1},
		TransactionID: libpf.APMSpanID{0: 1},
		StackTraceID:  stack,
		Count:         1,
	})
	env.correlator.Poll()
	assert.Equal(t, uint64(1), env.correlator.Reader().Stats().UnknownTransaction)
}

func TestRestartAfterStop(t *testing.T) {
	env := newCorrelatorEnv(t, nil)
	setProfilerVersion(env.lib, 1)
	require.NoError(t, env.correlator.Stop())

	// The queue is closed once the final flush ran.
	tx := env.tracer.StartTransaction("a", "request", apm.TransactionOptions{})
	require.ErrorIs(t, env.correlator.ledger.Enqueue(tx), ErrLedgerClosed)
	tx.End()
	require.Len(t, env.sink.reported(), 1)

	require.NoError(t, env.correlator.Start(context.Background()))
	tx = env.tracer.StartTransaction("b", "request", apm.TransactionOptions{})
	tx.End()
	assert.Equal(t, 1, env.correlator.Pending())
}

func TestReportImmediately(t *testing.T) {
	tests := map[string]struct {
		version    uint64
		maxPending int
		stopReader bool
		queueFull  bool
	}{
		"no profiler": {
			version:    0,
			maxPending: 10,
		},
		"return channel down": {
			version:    1,
			maxPending: 10,
			stopReader: true,
		},
		"queue full": {
			version:    1,
			maxPending: 1,
			queueFull:  true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newCorrelatorEnv(t, func(cfg *Config) {
				cfg.MaxPendingTransactions = tc.maxPending
			})
			setProfilerVersion(env.lib, tc.version)
			if tc.stopReader {
				require.NoError(t, env.correlator.Reader().Stop())
			}
			if tc.queueFull {
				env.tracer.StartTransaction("filler", "request", apm.TransactionOptions{}).End()
				require.Equal(t, 1, env.correlator.Pending())
			}

			tx := env.tracer.StartTransaction("GET /", "request", apm.TransactionOptions{})
			tx.End()

			reported := env.sink.reported()
			require.Len(t, reported, 1)
			assert.Same(t, tx, reported[0])
			assert.True(t, tx.Sealed())
			assert.Nil(t, env.correlator.ledger.Lookup(tx.ID()))

			stats := env.correlator.Stats()
			assert.Equal(t, uint64(1), stats.ReportedImmediately)
			if tc.queueFull {
				assert.Equal(t, uint64(1), stats.QueueFull)
			}
		})
	}
}

func TestFlushChecksHeadOnly(t *testing.T) {
	env := newCorrelatorEnv(t, nil)
	setProfilerVersion(env.lib, 1)

	base := time.Unix(100, 0)
	late := env.tracer.StartTransaction("late", "request", apm.TransactionOptions{Start: base})
	early := env.tracer.StartTransaction("early", "request", apm.TransactionOptions{Start: base})
	late.EndAt(base.Add(2 * time.Second))
	early.EndAt(base)

	// early is expired but queued behind late.
	assert.Zero(t, env.correlator.Flush(base.Add(1500*time.Millisecond)))
	assert.Equal(t, 2, env.correlator.Flush(base.Add(3*time.Second)))

	reported := env.sink.reported()
	require.Len(t, reported, 2)
	assert.Same(t, late, reported[0])
	assert.Same(t, early, reported[1])
}

func TestTraceIDMismatch(t *testing.T) {
	env := newCorrelatorEnv(t, nil)
	setProfilerVersion(env.lib, 1)

	txID := libpf.APMSpanID{1, 2, 3, 4, 5, 6, 7, 8}
	traceA := libpf.APMTraceID{0: 0xa}
	traceB := libpf.APMTraceID{0: 0xb}

	tx := env.tracer.StartTransaction("a", "request", apm.TransactionOptions{
		TraceID: traceA, ID: txID})
	stack := libpf.NewTraceHash(1, 1)

	env.send(t,
		Message{TraceID: traceB, TransactionID: txID, StackTraceID: stack, Count: 1},
		Message{TraceID: traceA, TransactionID: txID, StackTraceID: stack, Count: 3},
	)
	assert.Equal(t, 2, env.correlator.Poll())
	assert.Equal(t, []apm.ProfilerSample{{StackTraceID: stack, Count: 3}},
		tx.ProfilerSampleEntries())

	stats := env.correlator.Reader().Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Attached)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.TraceMismatch)
}

// Transaction IDs repeat across traces, and with many transactions in flight
// every sample must land on the transaction of its own trace.
func TestConcurrentCorrelation(t *testing.T) {
	env := newCorrelatorEnv(t, func(cfg *Config) {
		cfg.Delay = 0
	})
	setProfilerVersion(env.lib, 1)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	txs := make([][]*apm.Transaction, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := libpf.TaskID(w + 1)
			for i := range perWorker {
				tx := env.tracer.StartTransaction("op", "request", apm.TransactionOptions{
					TraceID: libpf.APMTraceID{0: byte(w), 1: byte(i), 15: 1},
					// Every worker reuses the same transaction IDs.
					ID: libpf.APMSpanID{0: byte(i), 7: 1},
				})
				tx.Activate(task)
				tx.Deactivate(task)
				txs[w] = append(txs[w], tx)
			}
		}()
	}
	wg.Wait()

	// Only the last worker to start a given ID is indexed. Samples for the
	// others carry the right transaction ID but a foreign trace ID from the
	// index's point of view and must be dropped.
	var msgs []Message
	for w := range workers {
		for _, tx := range txs[w] {
			msgs = append(msgs, sampleFor(tx, libpf.NewTraceHash(uint64(w), 1), 1))
		}
	}
	for _, m := range msgs {
		env.send(t, m)
	}
	assert.Equal(t, workers*perWorker, env.correlator.Poll())

	attached := 0
	for w := range workers {
		for _, tx := range txs[w] {
			for _, s := range tx.ProfilerSampleEntries() {
				assert.Equal(t, libpf.NewTraceHash(uint64(w), 1), s.StackTraceID)
				attached++
			}
			tx.End()
		}
	}
	stats := env.correlator.Reader().Stats()
	assert.Equal(t, uint64(attached), stats.Attached)
	assert.Equal(t, uint64(workers*perWorker-attached), stats.TraceMismatch)
	assert.Equal(t, perWorker, attached)

	assert.Equal(t, workers*perWorker, env.correlator.Flush(time.Now().Add(time.Second)))
	assert.Len(t, env.sink.reported(), workers*perWorker)
}

func TestMalformedDatagram(t *testing.T) {
	env := newCorrelatorEnv(t, nil)
	require.True(t, env.lib.Send([]byte{1, 2, 3}))
	assert.Zero(t, env.correlator.Poll())
	assert.Equal(t, uint64(1), env.correlator.Reader().Stats().Malformed)
	assert.Zero(t, env.lib.Pending())
}

func TestReadErrorKeepsState(t *testing.T) {
	env := newCorrelatorEnv(t, nil)
	env.lib.FailCalls(assert.AnError)
	assert.Zero(t, env.correlator.Poll())
	env.lib.FailCalls(nil)

	assert.Equal(t, uint64(1), env.correlator.Reader().Stats().ReadErrors)
	assert.Equal(t, nativeagent.Initialized, env.agent.State())
	assert.True(t, env.correlator.Reader().Running())
}

func TestStopFlushesPending(t *testing.T) {
	env := newCorrelatorEnv(t, func(cfg *Config) {
		cfg.Delay = time.Hour
	})
	setProfilerVersion(env.lib, 1)

	tx := env.tracer.StartTransaction("a", "request", apm.TransactionOptions{})
	tx.End()
	// Delivered before Stop closes the channel.
	env.send(t, sampleFor(tx, libpf.NewTraceHash(5, 5), 1))
	require.Empty(t, env.sink.reported())

	require.NoError(t, env.correlator.Stop())
	reported := env.sink.reported()
	require.Len(t, reported, 1)
	assert.Len(t, tx.ProfilerSamples(), 1)
	assert.Zero(t, env.correlator.Pending())
}

func TestCorrelatorTick(t *testing.T) {
	env := newCorrelatorEnv(t, func(cfg *Config) {
		cfg.PollInterval = 5 * time.Millisecond
		cfg.Delay = 20 * time.Millisecond
	})
	setProfilerVersion(env.lib, 1)

	tx := env.tracer.StartTransaction("a", "request", apm.TransactionOptions{})
	tx.End()
	env.send(t, sampleFor(tx, libpf.NewTraceHash(7, 7), 4))

	assert.Eventually(t, func() bool {
		return len(env.sink.reported()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, tx.ProfilerSamples(), 4)
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(*Config)
		valid  bool
	}{
		"default": {
			mutate: func(*Config) {},
			valid:  true,
		},
		"zero delay": {
			mutate: func(c *Config) { c.Delay = 0 },
			valid:  true,
		},
		"negative delay": {
			mutate: func(c *Config) { c.Delay = -time.Second },
		},
		"zero poll interval": {
			mutate: func(c *Config) { c.PollInterval = 0 },
		},
		"zero index": {
			mutate: func(c *Config) { c.IndexSize = 0 },
		},
		"zero queue": {
			mutate: func(c *Config) { c.MaxPendingTransactions = 0 },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if tc.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
