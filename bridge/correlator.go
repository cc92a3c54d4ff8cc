// This file contains the request correlator: it routes every inbound stream
// message to the synchronous waiter and/or the registered subscriber for its
// request identifier, honouring the cancellation set.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// pendingCall is the entry for one in-flight synchronous call. It is released
// exactly once: by the first matching event, by the caller's timeout, or by a
// forced disconnect.
type pendingCall struct {
	once   sync.Once
	done   chan struct{}
	result ToolMessage
	err    error
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan struct{})}
}

func (p *pendingCall) complete(result ToolMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// subscription delivers matching messages to a caller-owned handler. The
// handler runs on its own goroutine, never on the receive loop, so a slow
// subscriber cannot stall dispatch.
type subscription struct {
	ch chan ToolMessage
}

type correlator struct {
	mu       sync.Mutex
	pending  map[string]*pendingCall
	subs     map[string]*subscription
	canceled map[string]struct{}
	buffer   int
	logger   *slog.Logger
}

func newCorrelator(buffer int, logger *slog.Logger) *correlator {
	if buffer <= 0 {
		buffer = 100
	}
	return &correlator{
		pending:  make(map[string]*pendingCall),
		subs:     make(map[string]*subscription),
		canceled: make(map[string]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
}

// register creates the pending entry for a synchronous call. It must be
// called before the request is submitted so that an event racing the
// submission response still finds its waiter.
func (c *correlator) register(requestID string) *pendingCall {
	call := newPendingCall()
	c.mu.Lock()
	c.pending[requestID] = call
	c.mu.Unlock()
	return call
}

// expire removes a completed or abandoned synchronous call. The cancellation
// entry for the identifier is dropped with it: once the waiter is gone the
// identifier can no longer produce observable deliveries, so keeping it would
// only grow the set for the lifetime of the transport.
func (c *correlator) expire(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	if _, ok := c.subs[requestID]; !ok {
		delete(c.canceled, requestID)
	}
	c.mu.Unlock()
}

// subscribe registers (or overwrites) the handler for a request identifier.
func (c *correlator) subscribe(requestID string, handler EventHandler) {
	sub := &subscription{ch: make(chan ToolMessage, c.buffer)}

	go func() {
		for msg := range sub.ch {
			handler(msg)
		}
	}()

	c.mu.Lock()
	if existing, ok := c.subs[requestID]; ok {
		close(existing.ch)
	}
	c.subs[requestID] = sub
	c.mu.Unlock()
}

// unsubscribe removes the handler for a request identifier. Idempotent when
// no subscription exists. Removing the last interested party also expires the
// identifier from the cancellation set.
func (c *correlator) unsubscribe(requestID string) {
	c.mu.Lock()
	if sub, ok := c.subs[requestID]; ok {
		close(sub.ch)
		delete(c.subs, requestID)
	}
	if _, ok := c.pending[requestID]; !ok {
		delete(c.canceled, requestID)
	}
	c.mu.Unlock()
}

// cancel suppresses further local dispatch for a request identifier. The
// remote side is not notified; work already in flight on the server runs to
// completion with its events discarded here.
func (c *correlator) cancel(requestID string) {
	c.mu.Lock()
	c.canceled[requestID] = struct{}{}
	c.mu.Unlock()
}

func (c *correlator) isCanceled(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.canceled[requestID]
	return ok
}

// dispatch routes one raw event body. Malformed bodies and bodies without a
// request identifier are dropped; the receive loop must survive any server
// misbehaviour. A waiter observes only the first matching event, a subscriber
// observes every matching event, and both may observe the same event.
func (c *correlator) dispatch(data []byte) {
	var msg ToolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("dropping malformed event body", "error", err)
		return
	}

	requestID := msg.RequestID()
	if requestID == "" {
		return
	}

	c.mu.Lock()
	if _, off := c.canceled[requestID]; off {
		c.mu.Unlock()
		return
	}
	call := c.pending[requestID]

	// The non-blocking send happens under the lock so an unsubscribe cannot
	// close the channel mid-send.
	if sub := c.subs[requestID]; sub != nil {
		select {
		case sub.ch <- msg:
		default:
			c.logger.Warn("subscriber buffer full, dropping event", "requestId", requestID)
		}
	}
	c.mu.Unlock()

	if call != nil {
		if rpcErr := msg.RPCError(); rpcErr != nil {
			call.complete(nil, rpcErr)
		} else {
			call.complete(msg.Result(), nil)
		}
	}
}

// failAll releases every pending synchronous call with the given error and
// clears the pending map. Subscriptions are caller-owned and survive; they
// simply stop receiving events until a reconnect produces new ones.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
