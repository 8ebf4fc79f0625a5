package messaging

import (
	"sync"
	"time"
)

// CallState is the lifecycle position of an RPC call
type CallState int

const (
	CallStateInit CallState = iota
	CallStateConnected
	CallStateQueueReady
	CallStateAwaitingReply
	CallStateResolved
	CallStateTimedOut
	CallStateFailed
	CallStateClosed
)

func (s CallState) String() string {
	switch s {
	case CallStateInit:
		return "init"
	case CallStateConnected:
		return "connected"
	case CallStateQueueReady:
		return "queue_ready"
	case CallStateAwaitingReply:
		return "awaiting_reply"
	case CallStateResolved:
		return "resolved"
	case CallStateTimedOut:
		return "timed_out"
	case CallStateFailed:
		return "failed"
	case CallStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pendingCall is a single-assignment result cell for one outstanding call.
// Reply, deadline and error paths race to complete it; only the first wins.
type pendingCall struct {
	correlationID string
	consumerTag   string
	deadline      time.Time

	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	state    CallState
	outcome  CallState
	response *ResponseEnvelope
	err      error
}

func newPendingCall(correlationID string, timeout time.Duration) *pendingCall {
	return &pendingCall{
		correlationID: correlationID,
		consumerTag:   "rpc-" + correlationID,
		deadline:      time.Now().Add(timeout),
		done:          make(chan struct{}),
		state:         CallStateInit,
	}
}

// advance moves a call that is still in flight to state
func (c *pendingCall) advance(state CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < CallStateResolved {
		c.state = state
	}
}

func (c *pendingCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// complete records the outcome if the call has not completed yet and
// reports whether this caller won.
func (c *pendingCall) complete(state CallState, resp *ResponseEnvelope, err error) bool {
	won := false
	c.once.Do(func() {
		c.mu.Lock()
		c.state = state
		c.outcome = state
		c.response = resp
		c.err = err
		c.mu.Unlock()
		close(c.done)
		won = true
	})
	return won
}

func (c *pendingCall) resolve(resp *ResponseEnvelope) bool {
	return c.complete(CallStateResolved, resp, nil)
}

func (c *pendingCall) timeout() bool {
	return c.complete(CallStateTimedOut, TimeoutResponse(), nil)
}

func (c *pendingCall) fail(err error) bool {
	return c.complete(CallStateFailed, nil, err)
}

// Outcome is the state the call completed in: resolved, timed out or failed
func (c *pendingCall) Outcome() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Done is closed once the call has completed
func (c *pendingCall) Done() <-chan struct{} {
	return c.done
}

// result returns the outcome; only valid after Done is closed
func (c *pendingCall) result() (*ResponseEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response, c.err
}

func (c *pendingCall) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CallStateClosed
}
