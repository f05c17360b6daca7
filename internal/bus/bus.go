// Package bus provides at-least-once message delivery between pipeline
// stages.  A handler returning nil acknowledges the message; returning an
// error leaves it for broker redelivery, which is the pipeline's only
// retry mechanism.
package bus

import (
	"context"
	"sync"
)

// Default topic names for the two pipeline hand-offs.
const (
	ChangeTopic = "change-ids"
	TaskTopic   = "artifact-tasks"
)

// Message is an opaque payload plus a small string attribute map.
type Message struct {
	Payload []byte
	Attrs   map[string]string
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber consumes a topic until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// MemoryBus is an in-process bus used by tests and by one-shot backfill
// runs.  Messages published before a subscriber attaches are buffered;
// a handler error requeues the message.
type MemoryBus struct {
	mu       sync.Mutex
	backlog  map[string][]Message
	handlers map[string]Handler
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		backlog:  make(map[string][]Message),
		handlers: make(map[string]Handler),
	}
}

// Publish delivers msg to the topic's handler, or buffers it if none is
// attached yet.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	if !ok {
		b.backlog[topic] = append(b.backlog[topic], msg)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := h(ctx, msg); err != nil {
		b.mu.Lock()
		b.backlog[topic] = append(b.backlog[topic], msg)
		b.mu.Unlock()
	}
	return nil
}

// Subscribe attaches h to topic, drains any backlog, and blocks until ctx
// is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	b.handlers[topic] = h
	b.mu.Unlock()

	for {
		b.mu.Lock()
		pending := b.backlog[topic]
		b.backlog[topic] = nil
		b.mu.Unlock()
		if len(pending) == 0 {
			break
		}
		for _, msg := range pending {
			if err := h(ctx, msg); err != nil {
				b.mu.Lock()
				b.backlog[topic] = append(b.backlog[topic], msg)
				b.mu.Unlock()
				// Stop draining; the handler keeps failing on this input
				// until something external changes.
				break
			}
		}
		break
	}

	<-ctx.Done()
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
	return ctx.Err()
}

// Drain synchronously hands all buffered messages for topic to h,
// requeueing failures.  It is the non-blocking alternative to Subscribe
// for one-shot runs.
func (b *MemoryBus) Drain(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	pending := b.backlog[topic]
	b.backlog[topic] = nil
	b.mu.Unlock()

	var firstErr error
	for _, msg := range pending {
		if err := h(ctx, msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			b.mu.Lock()
			b.backlog[topic] = append(b.backlog[topic], msg)
			b.mu.Unlock()
		}
	}
	return firstErr
}

// Pending returns the number of buffered messages for topic.
func (b *MemoryBus) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog[topic])
}
