// This file defines the PubSub interface and the in-memory implementation
// used to fan tool results out to connected stream sessions. A distributed
// implementation for multi-node deployments lives in the distributed
// subpackage.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PubSub is the event bus between tool execution and stream sessions.
// Patterns may end in ".*" to match a topic prefix.
type PubSub interface {
	// Subscribe registers a handler for messages matching the given pattern.
	// The handler is called asynchronously when matching messages arrive.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for the given pattern.
	Unsubscribe(pattern string) error

	// Publish sends a message to the specified topic. All subscribers with
	// patterns matching the topic receive the message.
	Publish(topic string, data []byte) error

	// Close shuts down the bus and cleans up resources.
	Close() error
}

// PubSubMessage pairs a topic with an opaque payload.
type PubSubMessage struct {
	Topic string
	Data  []byte
}

type pubsubClosedError struct{}

func (e *pubsubClosedError) Error() string {
	return "pubsub: closed"
}

// IsPubSubClosed reports whether err came from publishing or subscribing on
// a closed bus.
func IsPubSubClosed(err error) bool {
	var closed *pubsubClosedError
	return errors.As(err, &closed)
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("hellomcp:session:%s", sessionID)
}

// LocalPubSub is an in-memory bus for single-node deployments. Each
// subscription drains its own buffered channel so a slow session cannot block
// publishers.
type LocalPubSub struct {
	mu         sync.RWMutex
	subs       map[string][]localSubscription
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
}

type localSubscription struct {
	pattern string
	handler func(topic string, data []byte)
	ch      chan PubSubMessage
	cancel  context.CancelFunc
}

// NewLocalPubSub creates an in-memory PubSub. bufferSize sets the channel
// buffer per subscription, defaulting to 100 when non-positive. The context
// bounds the lifetime of all subscription goroutines.
func NewLocalPubSub(ctx context.Context, bufferSize int) *LocalPubSub {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	busCtx, cancel := context.WithCancel(ctx)

	return &LocalPubSub{
		subs:       make(map[string][]localSubscription),
		ctx:        busCtx,
		cancel:     cancel,
		bufferSize: bufferSize,
	}
}

// Subscribe registers a handler for messages matching the given pattern.
// Multiple handlers can be registered for the same pattern.
func (l *LocalPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	subCtx, cancel := context.WithCancel(l.ctx)
	ch := make(chan PubSubMessage, l.bufferSize)

	sub := localSubscription{
		pattern: pattern,
		handler: handler,
		ch:      ch,
		cancel:  cancel,
	}
	l.subs[pattern] = append(l.subs[pattern], sub)

	go l.runSubscription(subCtx, sub)

	return nil
}

func (l *LocalPubSub) runSubscription(ctx context.Context, sub localSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			sub.handler(msg.Topic, msg.Data)
		}
	}
}

// Unsubscribe removes all handlers for the given pattern. Returns an error if
// the pattern was not subscribed or the bus is closed.
func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	subs, exists := l.subs[pattern]
	if !exists {
		return fmt.Errorf("pubsub: pattern %q not subscribed", pattern)
	}
	for _, sub := range subs {
		sub.cancel()
		close(sub.ch)
	}
	delete(l.subs, pattern)

	return nil
}

// Publish sends a message to all subscribers whose patterns match the topic.
// Messages to subscribers with full buffers are dropped.
func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return &pubsubClosedError{}
	}
	msg := PubSubMessage{Topic: topic, Data: data}
	for pattern, subs := range l.subs {
		if matchTopic(pattern, topic) {
			for _, sub := range subs {
				select {
				case sub.ch <- msg:
				default:
				}
			}
		}
	}
	return nil
}

// Close shuts down the bus. Idempotent.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()

	for _, subs := range l.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	l.subs = make(map[string][]localSubscription)

	return nil
}
