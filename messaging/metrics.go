package messaging

import (
	"sync"
	"sync/atomic"
	"time"
)

// DropReason explains why a message was discarded without being answered
type DropReason string

const (
	// DropLateReply is a reply that arrived after its call completed
	DropLateReply DropReason = "late_reply"
	// DropUncorrelatedReply is a reply whose correlation id matched no call
	DropUncorrelatedReply DropReason = "uncorrelated_reply"
	// DropNoReplyTarget is a request without reply-to or correlation id
	DropNoReplyTarget DropReason = "no_reply_target"
	// DropNilResponse is a request whose handler returned no envelope
	DropNilResponse DropReason = "nil_response"
	// DropReplyFailed is a reply the server could not publish
	DropReplyFailed DropReason = "reply_failed"
)

// MetricsCollector collects gateway metrics
type MetricsCollector interface {
	// RecordPublish records a fire-and-forget publish
	RecordPublish(queue string, duration time.Duration, success bool)

	// RecordCall records a completed RPC call on the client side. statusCode
	// is zero when the call failed with an error.
	RecordCall(queue string, duration time.Duration, statusCode int)

	// RecordRequest records a request handled by a listener
	RecordRequest(queue string, duration time.Duration, statusCode int)

	// RecordDropped records a message that was discarded
	RecordDropped(queue string, reason DropReason)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(queue string, duration time.Duration, success bool) {}

// RecordCall does nothing
func (n *NoOpMetricsCollector) RecordCall(queue string, duration time.Duration, statusCode int) {}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(queue string, duration time.Duration, statusCode int) {}

// RecordDropped does nothing
func (n *NoOpMetricsCollector) RecordDropped(queue string, reason DropReason) {}

// MetricsStats contains gateway statistics
type MetricsStats struct {
	Published       int64
	PublishFailures int64
	Calls           int64
	CallTimeouts    int64
	CallFailures    int64
	Requests        int64
	RequestErrors   int64
	Dropped         map[DropReason]int64
	AverageCallTime time.Duration
}

// SimpleMetricsCollector keeps in-process counters. The zero value is ready
// to use.
type SimpleMetricsCollector struct {
	published       atomic.Int64
	publishFailures atomic.Int64
	calls           atomic.Int64
	callTimeouts    atomic.Int64
	callFailures    atomic.Int64
	callNanos       atomic.Int64
	requests        atomic.Int64
	requestErrors   atomic.Int64

	mu      sync.Mutex
	dropped map[DropReason]int64
}

// NewSimpleMetricsCollector creates an empty collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		dropped: make(map[DropReason]int64),
	}
}

// RecordPublish counts a publish
func (c *SimpleMetricsCollector) RecordPublish(queue string, duration time.Duration, success bool) {
	if success {
		c.published.Add(1)
		return
	}
	c.publishFailures.Add(1)
}

// RecordCall counts a call by outcome
func (c *SimpleMetricsCollector) RecordCall(queue string, duration time.Duration, statusCode int) {
	c.calls.Add(1)
	c.callNanos.Add(int64(duration))
	switch {
	case statusCode == 0:
		c.callFailures.Add(1)
	case statusCode == 408:
		c.callTimeouts.Add(1)
	}
}

// RecordRequest counts a handled request
func (c *SimpleMetricsCollector) RecordRequest(queue string, duration time.Duration, statusCode int) {
	c.requests.Add(1)
	if statusCode >= 500 {
		c.requestErrors.Add(1)
	}
}

// RecordDropped counts a discarded message by reason
func (c *SimpleMetricsCollector) RecordDropped(queue string, reason DropReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped == nil {
		c.dropped = make(map[DropReason]int64)
	}
	c.dropped[reason]++
}

// Stats returns a snapshot of the counters
func (c *SimpleMetricsCollector) Stats() MetricsStats {
	stats := MetricsStats{
		Published:       c.published.Load(),
		PublishFailures: c.publishFailures.Load(),
		Calls:           c.calls.Load(),
		CallTimeouts:    c.callTimeouts.Load(),
		CallFailures:    c.callFailures.Load(),
		Requests:        c.requests.Load(),
		RequestErrors:   c.requestErrors.Load(),
		Dropped:         make(map[DropReason]int64),
	}
	if stats.Calls > 0 {
		stats.AverageCallTime = time.Duration(c.callNanos.Load() / stats.Calls)
	}

	c.mu.Lock()
	for reason, n := range c.dropped {
		stats.Dropped[reason] = n
	}
	c.mu.Unlock()

	return stats
}
