// Package observe implements the fire-and-forget observability sinks the
// dispatch controller reports into. The engine never blocks on a sink and
// tolerates a full buffer by dropping, never by stalling a request.
package observe

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/types"
)

// Reporter receives routing decisions, failure traces and usage logs.
type Reporter interface {
	ReportRoutingDecision(requestID string, decision types.RoutingDecision)
	ReportFailureTrace(trace types.FailureTrace)
	ReportUsage(log types.UsageLog)
}

// NopReporter discards everything; the zero collaborator for tests.
type NopReporter struct{}

func (NopReporter) ReportRoutingDecision(string, types.RoutingDecision) {}
func (NopReporter) ReportFailureTrace(types.FailureTrace)               {}
func (NopReporter) ReportUsage(types.UsageLog)                          {}

// event is one buffered observability record.
type event struct {
	kind      string
	requestID string
	decision  *types.RoutingDecision
	trace     *types.FailureTrace
	usage     *types.UsageLog
}

// Config tunes the buffered log reporter.
type Config struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LogReporter writes observability records to the structured log from a
// background goroutine. Producers enqueue without blocking; when the buffer
// is full the record is dropped and counted.
type LogReporter struct {
	logger *logrus.Logger
	buffer chan event

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	stopped bool
}

// NewLogReporter starts the background writer.
func NewLogReporter(config Config, logger *logrus.Logger) *LogReporter {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}

	r := &LogReporter{
		logger:   logger,
		buffer:   make(chan event, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run(config.FlushInterval)
	return r
}

// ReportRoutingDecision enqueues a routing decision record.
func (r *LogReporter) ReportRoutingDecision(requestID string, decision types.RoutingDecision) {
	r.enqueue(event{kind: "routing_decision", requestID: requestID, decision: &decision})
}

// ReportFailureTrace enqueues a failure trace.
func (r *LogReporter) ReportFailureTrace(trace types.FailureTrace) {
	r.enqueue(event{kind: "failure_trace", requestID: trace.RequestID, trace: &trace})
}

// ReportUsage enqueues a usage log.
func (r *LogReporter) ReportUsage(log types.UsageLog) {
	r.enqueue(event{kind: "usage", requestID: log.RequestID, usage: &log})
}

func (r *LogReporter) enqueue(ev event) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	select {
	case r.buffer <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns how many records were discarded on a full buffer.
func (r *LogReporter) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *LogReporter) run(flushInterval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.buffer:
			r.write(ev)
		case <-ticker.C:
			r.drain()
		case <-r.stopChan:
			r.drain()
			return
		}
	}
}

// drain writes whatever accumulated without blocking.
func (r *LogReporter) drain() {
	for {
		select {
		case ev := <-r.buffer:
			r.write(ev)
		default:
			return
		}
	}
}

func (r *LogReporter) write(ev event) {
	entry := r.logger.WithFields(logrus.Fields{
		"observe":    true,
		"kind":       ev.kind,
		"request_id": ev.requestID,
	})

	switch {
	case ev.decision != nil:
		entry.WithFields(logrus.Fields{
			"provider":   ev.decision.Provider,
			"chain":      ev.decision.FallbackChain,
			"complexity": ev.decision.Complexity,
			"pressure":   ev.decision.EffectivePressure,
			"confidence": ev.decision.Confidence,
		}).Info("Routing decision")
	case ev.trace != nil:
		entry.WithFields(logrus.Fields{
			"classification": ev.trace.Classification,
			"original":       ev.trace.OriginalProvider,
			"final":          ev.trace.FinalProvider,
			"recovered":      ev.trace.Recovered,
			"action":         ev.trace.Action,
			"error":          ev.trace.Error,
		}).Warn("Dispatch failure")
	case ev.usage != nil:
		entry.WithFields(logrus.Fields{
			"user":          ev.usage.UserID,
			"provider":      ev.usage.Provider,
			"input_tokens":  ev.usage.InputTokens,
			"output_tokens": ev.usage.OutputTokens,
		}).Info("Usage recorded")
	}
}

// Stop drains the buffer and shuts down the writer.
func (r *LogReporter) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stopChan)
	})
	r.wg.Wait()
}
