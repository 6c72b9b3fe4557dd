package runtime

import (
	"sync"
	"sync/atomic"
)

const (
	ChannelTransactions = "transactions"
	ChannelOptions      = "options"
	ChannelListings     = "listings"
	ChannelSeries       = "series"
)

type Event struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Slot      uint64 `json:"slot"`
	Signature string `json:"signature,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"ts"`
}

// Broker fans committed events out to subscribers. Slow subscribers lose
// events instead of stalling the publisher.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
}

type Subscription struct {
	id       uint64
	broker   *Broker
	ch       chan Event
	channels map[string]struct{}
	once     sync.Once
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscribe with no channels receives everything.
func (b *Broker) Subscribe(channels ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		broker: b,
		ch:     make(chan Event, b.buffer),
	}
	if len(channels) > 0 {
		sub.channels = make(map[string]struct{}, len(channels))
		for _, channel := range channels {
			sub.channels[channel] = struct{}{}
		}
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) Publish(events ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, event := range events {
		for _, sub := range b.subs {
			if sub.channels != nil {
				if _, ok := sub.channels[event.Channel]; !ok {
					continue
				}
			}
			select {
			case sub.ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.ch)
	})
}
