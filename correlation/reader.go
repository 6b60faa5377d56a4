// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package correlation // import "go.opentelemetry.io/apm-correlation/correlation"

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/apm-correlation/metrics"
	"go.opentelemetry.io/apm-correlation/nativeagent"
	"go.opentelemetry.io/apm-correlation/successfailurecounter"
)

const (
	// readBufferSize bounds a single datagram.
	readBufferSize = 4096
	// maxReadsPerPoll bounds the work done by one Poll.
	maxReadsPerPoll = 1024
)

// ReturnChannelReader receives attribution messages from the profiler and
// attaches them to indexed transactions.
type ReturnChannelReader struct {
	agent  *nativeagent.Agent
	ledger *Ledger

	// mu serializes Start, Poll and Stop and guards buf, msgs and path.
	mu   sync.Mutex
	buf  []byte
	msgs []Message
	path string

	received      *counter
	attached      *counter
	dropped       *counter
	unknown       *counter
	traceMismatch *counter
	malformed     *counter
	late          *counter
	readErrors    *counter
}

// NewReturnChannelReader returns a stopped reader.
func NewReturnChannelReader(agent *nativeagent.Agent, ledger *Ledger) *ReturnChannelReader {
	return &ReturnChannelReader{
		agent:         agent,
		ledger:        ledger,
		buf:           make([]byte, readBufferSize),
		msgs:          make([]Message, 0, readBufferSize/MessageSize),
		received:      newCounter(metrics.IDCorrelationMessagesReceived),
		attached:      newCounter(metrics.IDCorrelationMessagesAttached),
		dropped:       &counter{},
		unknown:       newCounter(metrics.IDCorrelationMessagesUnknownTransaction),
		traceMismatch: newCounter(metrics.IDCorrelationMessagesTraceMismatch),
		malformed:     newCounter(metrics.IDCorrelationMessagesMalformed),
		late:          newCounter(metrics.IDCorrelationMessagesLate),
		readErrors:    newCounter(metrics.IDCorrelationReadErrors),
	}
}

// Start opens the return channel at path.
func (r *ReturnChannelReader) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path != "" {
		return errors.New("return channel reader already started")
	}
	if err := r.agent.StartReturnChannel(path); err != nil {
		return err
	}
	r.path = path
	log.Debugf("Receiving profiler correlation messages on %s", path)
	return nil
}

// Path returns the path of the open channel or "".
func (r *ReturnChannelReader) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Running reports whether the channel is open.
func (r *ReturnChannelReader) Running() bool {
	return r.Path() != ""
}

// Poll drains pending datagrams without blocking and returns the number of
// decoded messages. It stops early after a bounded number of reads.
func (r *ReturnChannelReader) Poll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return 0
	}

	total := 0
	for range maxReadsPerPoll {
		n, err := r.agent.ReadReturnChannel(r.buf)
		if err != nil {
			r.readErrors.Add(1)
			log.Debugf("Failed to read profiler correlation messages: %v", err)
			return total
		}
		if n == 0 {
			return total
		}

		r.msgs, err = DecodeMessages(r.buf[:n], r.msgs[:0])
		if err != nil {
			r.malformed.Add(1)
			log.Warnf("Dropping profiler correlation datagram: %v", err)
			continue
		}
		for i := range r.msgs {
			r.handle(&r.msgs[i])
		}
		total += len(r.msgs)
	}
	return total
}

func (r *ReturnChannelReader) handle(msg *Message) {
	r.received.Add(1)
	sfc := successfailurecounter.New(&r.attached.Uint64, &r.dropped.Uint64)
	defer sfc.DefaultToFailure()

	tx := r.ledger.Lookup(msg.TransactionID)
	if tx == nil && r.ledger.RecentlyReported(msg.TransactionID) {
		r.late.Add(1)
		log.Debugf("Profiler samples for transaction %s arrived after it was reported",
			msg.TransactionID)
		return
	}
	if tx == nil {
		r.unknown.Add(1)
		log.Warnf("Received profiler samples for unknown transaction %s",
			msg.TransactionID)
		return
	}
	// Transaction IDs are only unique within a trace.
	if tx.TraceID() != msg.TraceID {
		r.traceMismatch.Add(1)
		log.Warnf("Received profiler samples for transaction %s with trace %s, "+
			"expected trace %s", msg.TransactionID, msg.TraceID, tx.TraceID())
		return
	}
	if !tx.AddProfilerSamples(msg.StackTraceID, msg.Count) {
		r.late.Add(1)
		log.Debugf("Profiler samples for transaction %s arrived after it was reported",
			msg.TransactionID)
		return
	}
	sfc.ReportSuccess()
}

// Stop closes the channel. Unread datagrams are discarded.
func (r *ReturnChannelReader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return nil
	}
	r.path = ""
	return r.agent.StopReturnChannel()
}

// ReaderStats are the cumulative message counts of a reader.
type ReaderStats struct {
	Received, Attached, Dropped       uint64
	UnknownTransaction, TraceMismatch uint64
	Malformed, Late, ReadErrors       uint64
}

// Stats returns the cumulative counts.
func (r *ReturnChannelReader) Stats() ReaderStats {
	return ReaderStats{
		Received:           r.received.Load(),
		Attached:           r.attached.Load(),
		Dropped:            r.dropped.Load(),
		UnknownTransaction: r.unknown.Load(),
		TraceMismatch:      r.traceMismatch.Load(),
		Malformed:          r.malformed.Load(),
		Late:               r.late.Load(),
		ReadErrors:         r.readErrors.Load(),
	}
}

func (r *ReturnChannelReader) appendMetrics(out []metrics.Metric) []metrics.Metric {
	for _, c := range []*counter{r.received, r.attached, r.unknown,
		r.traceMismatch, r.malformed, r.late, r.readErrors} {
		out = c.appendDelta(out)
	}
	return out
}
