// SPDX-License-Identifier: Apache-2.0
package session

import (
	"sync"
)

// Broker keeps a session's ordered event log and fans it out to
// subscribers. Publish never blocks: a subscriber whose queue is full is
// closed and flagged instead of losing or reordering events.
type Broker struct {
	mu         sync.Mutex
	history    []Event
	subs       map[*Subscription]struct{}
	seq        int64
	done       chan struct{}
	closed     bool
	onOverflow func()
}

// NewBroker returns an empty broker. onOverflow, if set, is called once per
// subscriber closed for backpressure.
func NewBroker(onOverflow func()) *Broker {
	return &Broker{
		subs:       make(map[*Subscription]struct{}),
		done:       make(chan struct{}),
		onOverflow: onOverflow,
	}
}

// Publish assigns the next sequence number to e and delivers it. After a
// terminal event the broker is sealed and further events are refused.
func (b *Broker) Publish(e Event) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}, false
	}
	b.seq++
	e.Seq = b.seq
	b.history = append(b.history, e)

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.overflowed = true
			b.drop(sub)
			if b.onOverflow != nil {
				b.onOverflow()
			}
		}
	}
	if e.Terminal() {
		b.closed = true
		for sub := range b.subs {
			b.drop(sub)
		}
		close(b.done)
	}
	return e, true
}

// Subscribe replays the history so far and then follows new events. buffer
// bounds how far the subscriber may fall behind live events.
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{broker: b, ch: make(chan Event, len(b.history)+buffer)}
	for _, e := range b.history {
		sub.ch <- e
	}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// History returns a copy of every event published so far.
func (b *Broker) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// Done is closed once the terminal event has been published.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// drop must be called with b.mu held.
func (b *Broker) drop(sub *Subscription) {
	if sub.closed {
		return
	}
	delete(b.subs, sub)
	sub.closed = true
	close(sub.ch)
}

// Subscription is one consumer of a broker.
type Subscription struct {
	broker     *Broker
	ch         chan Event
	closed     bool
	overflowed bool
}

// Events yields events in order. It is closed after the terminal event,
// on overflow, or after Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Overflowed reports whether the subscription was closed because it fell
// too far behind.
func (s *Subscription) Overflowed() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.overflowed
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.drop(s)
}
