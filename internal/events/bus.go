// Package events is an in-process publish/subscribe bus carrying task
// transitions, health samples and alerts to the dashboard and status API.
package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// Bus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Publishing never blocks: an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription to the given topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(bufSize int, topics ...string) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	var found chan Event
	for topic, channels := range b.subs {
		kept := channels[:0]
		for _, ch := range channels {
			if (<-chan Event)(ch) == sub {
				found = ch
				continue
			}
			kept = append(kept, ch)
		}
		b.subs[topic] = kept
	}

	kept := b.allSubs[:0]
	for _, ch := range b.allSubs {
		if (<-chan Event)(ch) == sub {
			found = ch
			continue
		}
		kept = append(kept, ch)
	}
	b.allSubs = kept

	if found != nil {
		close(found)
	}
}

// Publish sends an event to all subscribers of the given topic and to all
// SubscribeAll channels.
func (b *Bus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	// A channel subscribed to several topics must be closed once.
	seen := make(map[chan Event]bool)
	for _, channels := range b.subs {
		for _, ch := range channels {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}

	for _, ch := range b.allSubs {
		close(ch)
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

func bufferSize(n int) int {
	if n <= 0 {
		return defaultBufSize
	}
	return n
}
